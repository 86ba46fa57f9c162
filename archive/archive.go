// Package archive keeps finished run reports in a SQLite database so
// results can be compared across runs.
package archive

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sarchlab/chiconform/runner"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stored in user_version.
const schemaVersion = 1

// RunSummary is one archived run without its outcomes.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Suite     string        `json:"suite"`
	Source    string        `json:"source,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Ticks     uint64        `json:"ticks"`
	Events    uint64        `json:"events"`
	Passed    bool          `json:"passed"`
}

// Archive stores run reports.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("archive schema version %d is newer than %d", version, schemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}

	return nil
}

// Record stores a report and its outcomes in one transaction. Recording the
// same run twice is an error.
func (a *Archive) Record(ctx context.Context, r *runner.Report) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, suite, source, started_at, elapsed_ns,
		                  ticks, events, unexpected, passed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Suite, r.Source,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		int64(r.Elapsed), int64(r.Ticks), int64(r.Events), int64(r.Unexpected),
		r.Passed())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, endpoint, status, reason, failing_step,
		                      expected, observed, detail,
		                      injected_at, decided_at, arrivals)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range r.Outcomes {
		var step sql.NullInt64
		if o.FailingStep != nil {
			step = sql.NullInt64{Int64: int64(*o.FailingStep), Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			r.RunID, o.Endpoint, o.Status, o.Reason, step,
			o.Expected, o.Observed, o.Detail,
			int64(o.InjectedAt), int64(o.DecidedAt), o.Arrivals)
		if err != nil {
			return fmt.Errorf("failed to insert outcome of endpoint %d: %w", o.Endpoint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", r.RunID, err)
	}
	return nil
}

// Runs lists archived runs, newest first. An empty suite lists all suites.
func (a *Archive) Runs(ctx context.Context, suite string, limit int) ([]RunSummary, error) {
	query := `
		SELECT run_id, suite, source, started_at, elapsed_ns, ticks, events, passed
		FROM runs
		WHERE ? = '' OR suite = ?
		ORDER BY started_at DESC, run_id DESC`
	args := []any{suite, suite}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			s         RunSummary
			startedAt string
			elapsed   int64
			ticks     int64
			events    int64
		)
		if err := rows.Scan(&s.RunID, &s.Suite, &s.Source, &startedAt,
			&elapsed, &ticks, &events, &s.Passed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		s.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s: bad started_at %q: %w", s.RunID, startedAt, err)
		}
		s.Elapsed = time.Duration(elapsed)
		s.Ticks = uint64(ticks)
		s.Events = uint64(events)
		runs = append(runs, s)
	}

	return runs, rows.Err()
}

// Outcomes returns the outcomes of a run in endpoint order.
func (a *Archive) Outcomes(ctx context.Context, runID string) ([]runner.Outcome, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT endpoint, status, reason, failing_step, expected, observed,
		       detail, injected_at, decided_at, arrivals
		FROM outcomes
		WHERE run_id = ?
		ORDER BY endpoint`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []runner.Outcome
	for rows.Next() {
		var (
			o          runner.Outcome
			step       sql.NullInt64
			injectedAt int64
			decidedAt  int64
		)
		if err := rows.Scan(&o.Endpoint, &o.Status, &o.Reason, &step,
			&o.Expected, &o.Observed, &o.Detail,
			&injectedAt, &decidedAt, &o.Arrivals); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		if step.Valid {
			s := int(step.Int64)
			o.FailingStep = &s
		}
		o.InjectedAt = uint64(injectedAt)
		o.DecidedAt = uint64(decidedAt)
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}
