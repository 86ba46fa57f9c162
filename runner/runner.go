// Package runner runs a suite on a set of endpoints and collects one
// outcome per endpoint.
//
// Every run gets its own simulation engine, home nodes and generators, so
// concurrent runs share nothing.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sarchlab/chiconform/config"
	"github.com/sarchlab/chiconform/fabric"
	"github.com/sarchlab/chiconform/generator"
	"github.com/sarchlab/chiconform/simhost"
	"github.com/sarchlab/chiconform/suite"
	"github.com/sarchlab/chiconform/txn"
)

// Archive records finished runs.
type Archive interface {
	Record(ctx context.Context, report *Report) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets the run configuration.
func WithConfig(cfg *config.RunConfig) Option {
	return func(r *Runner) {
		r.cfg = cfg.Clone()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithArchive records every report to a.
func WithArchive(a Archive) Option {
	return func(r *Runner) {
		r.archive = a
	}
}

// Runner runs suites.
type Runner struct {
	registry *suite.Registry
	cfg      *config.RunConfig
	logger   *slog.Logger
	archive  Archive
}

// New creates a runner resolving suites through registry.
func New(registry *suite.Registry, opts ...Option) (*Runner, error) {
	r := &Runner{
		registry: registry,
		cfg:      config.DefaultRunConfig(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	return r, nil
}

// endpoint is one generator and the transaction it runs.
type endpoint struct {
	id  int
	gen *generator.Generator
	txn *txn.Transaction
	out *Outcome
}

// Run resolves ref and runs it on endpoints generators. A suite that cannot
// be built for an endpoint fails that endpoint only.
func (r *Runner) Run(ctx context.Context, ref string, endpoints int) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if endpoints <= 0 {
		return nil, fmt.Errorf("endpoint count must be > 0, got %d", endpoints)
	}

	s, err := r.registry.Resolve(ref)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.Must(uuid.NewV7()).String(),
		Suite:     s.Name(),
		Source:    s.Source(),
		StartedAt: time.Now(),
	}
	logger := r.logger.With("run", report.RunID, "suite", s.Name())
	logger.Info("run started", "endpoints", endpoints, "shared_home", r.cfg.SharedHome)

	host := simhost.New(
		simhost.WithFreq(r.cfg.Freq()),
		simhost.WithLogger(logger),
	)

	homes, err := r.homes(host, endpoints, logger)
	if err != nil {
		return nil, err
	}

	eps := make([]*endpoint, endpoints)
	for i := range eps {
		eps[i] = r.setup(s, i, host, homes[i], logger)
	}

	deadline := r.cfg.DeadlineTicks
	host.Schedule(deadline, func() {
		for _, ep := range eps {
			if ep.gen != nil {
				ep.gen.Expire(deadline)
			}
		}
	})

	if err := host.RunContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("run cancelled", "tick", host.CurrentTick())
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to run simulation: %w", err)
	}

	for _, ep := range eps {
		if ep.out == nil {
			o := outcomeOf(ep.id, ep.txn)
			ep.out = &o
		}
		report.Outcomes = append(report.Outcomes, *ep.out)
		if ep.out.DecidedAt > report.Ticks {
			report.Ticks = ep.out.DecidedAt
		}
	}

	report.Events = host.Stats().Handled
	for _, h := range uniqueHomes(homes) {
		report.Unexpected += h.Stats().Unexpected
	}
	report.Elapsed = time.Since(report.StartedAt)

	passed, failed, timedOut := report.Counts()
	logger.Info("run finished",
		"passed", passed, "failed", failed, "timed_out", timedOut,
		"ticks", report.Ticks, "events", report.Events)

	if r.archive != nil {
		if err := r.archive.Record(ctx, report); err != nil {
			return report, fmt.Errorf("failed to archive run: %w", err)
		}
	}

	return report, nil
}

// homes returns the home node each endpoint talks to.
func (r *Runner) homes(host *simhost.Host, endpoints int, logger *slog.Logger) ([]*fabric.HomeNode, error) {
	homes := make([]*fabric.HomeNode, endpoints)

	var shared *fabric.HomeNode
	for i := range homes {
		if r.cfg.SharedHome && shared != nil {
			homes[i] = shared
			continue
		}

		h, err := fabric.New(r.cfg.Home, host, fabric.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create home node: %w", err)
		}
		homes[i] = h
		if r.cfg.SharedHome {
			shared = h
		}
	}

	return homes, nil
}

func uniqueHomes(homes []*fabric.HomeNode) []*fabric.HomeNode {
	seen := make(map[*fabric.HomeNode]bool)
	var out []*fabric.HomeNode
	for _, h := range homes {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// setup builds the suite for endpoint id and schedules its injection.
// Failures are recorded as the endpoint's outcome.
func (r *Runner) setup(
	s *suite.Suite,
	id int,
	host *simhost.Host,
	home *fabric.HomeNode,
	logger *slog.Logger,
) *endpoint {
	ep := &endpoint{id: id}
	fail := func(err error) *endpoint {
		logger.Warn("endpoint not started", "endpoint", id, "err", err)
		ep.out = &Outcome{
			Endpoint: id,
			Status:   txn.StatusFailed.String(),
			Reason:   ReasonConstructionFailed,
			Detail:   err.Error(),
		}
		return ep
	}

	inst, err := s.Build(id)
	if err != nil {
		return fail(err)
	}

	ep.gen = generator.New(id, host, generator.WithLogger(logger.With("endpoint", id)))
	ep.gen.Attach(home.Connect(ep.gen))

	t, err := ep.gen.InjectAt(inst.InjectAt, inst.Payload, inst.Phase)
	if err != nil {
		return fail(err)
	}
	for _, step := range inst.Steps {
		if err := t.AddStep(step); err != nil {
			return fail(err)
		}
	}
	ep.txn = t

	return ep
}
