package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sarchlab/chiconform/txn"
)

// ReasonConstructionFailed marks an endpoint whose suite could not be built.
const ReasonConstructionFailed = "construction_failed"

// Outcome is the result of one endpoint.
type Outcome struct {
	Endpoint int    `json:"endpoint"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`

	// FailingStep is the index of the failing or unresolved step.
	FailingStep *int   `json:"failing_step,omitempty"`
	Expected    string `json:"expected,omitempty"`
	Observed    string `json:"observed,omitempty"`
	Detail      string `json:"detail,omitempty"`

	InjectedAt uint64 `json:"injected_at"`
	DecidedAt  uint64 `json:"decided_at"`
	Arrivals   int    `json:"arrivals"`
}

// Passed reports whether the endpoint passed.
func (o Outcome) Passed() bool {
	return o.Status == txn.StatusPassed.String()
}

func (o Outcome) String() string {
	s := fmt.Sprintf("endpoint %d: %s", o.Endpoint, o.Status)
	if o.Passed() {
		return s
	}

	if o.Reason != "" {
		s += " (" + o.Reason + ")"
	}
	if o.FailingStep != nil {
		s += fmt.Sprintf(" at step %d", *o.FailingStep)
	}
	if o.Expected != "" || o.Observed != "" {
		s += fmt.Sprintf(": expected %s, observed %s", o.Expected, o.Observed)
	}
	if o.Detail != "" {
		s += " [" + o.Detail + "]"
	}
	return s
}

func outcomeOf(endpoint int, t *txn.Transaction) Outcome {
	out := t.Outcome()

	o := Outcome{
		Endpoint:   endpoint,
		Status:     out.Status.String(),
		Reason:     string(out.Reason),
		Expected:   out.Expected,
		Observed:   out.Observed,
		InjectedAt: t.InjectedAt(),
		DecidedAt:  out.Tick,
		Arrivals:   t.Arrivals(),
	}
	if out.Step >= 0 {
		step := out.Step
		o.FailingStep = &step
	}

	switch out.Status {
	case txn.StatusFailed:
		o.Detail = out.Phase.String()
	case txn.StatusTimedOut:
		o.Detail = fmt.Sprintf("no outcome by tick %d", out.Tick)
	case txn.StatusPassed:
		if out.Skipped > 0 {
			o.Detail = fmt.Sprintf("%d steps skipped", out.Skipped)
		}
	}
	if v := t.Violations(); v > 0 && o.Detail == "" {
		o.Detail = fmt.Sprintf("%d arrivals after the outcome", v)
	}

	return o
}

// Report is the result of a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Suite     string        `json:"suite"`
	Source    string        `json:"source,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`

	// Ticks is the tick at which the last endpoint reached its outcome.
	Ticks uint64 `json:"ticks"`
	// Events is the number of engine events handled.
	Events uint64 `json:"events"`
	// Unexpected counts phases the home nodes did not expect.
	Unexpected uint64 `json:"unexpected"`

	Outcomes []Outcome `json:"outcomes"`
}

// Passed reports whether every endpoint passed.
func (r *Report) Passed() bool {
	if len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Passed() {
			return false
		}
	}
	return true
}

// Counts returns how many endpoints passed, failed and timed out.
func (r *Report) Counts() (passed, failed, timedOut int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case txn.StatusPassed.String():
			passed++
		case txn.StatusTimedOut.String():
			timedOut++
		default:
			failed++
		}
	}
	return passed, failed, timedOut
}

// WriteText writes a human-readable report.
func (r *Report) WriteText(w io.Writer) error {
	passed, failed, timedOut := r.Counts()

	verdict := "PASS"
	if !r.Passed() {
		verdict = "FAIL"
	}

	if _, err := fmt.Fprintf(w, "%s %s (run %s): %d passed, %d failed, %d timed out\n",
		verdict, r.Suite, r.RunID, passed, failed, timedOut); err != nil {
		return err
	}
	for _, o := range r.Outcomes {
		if _, err := fmt.Fprintf(w, "  %s\n", o); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "  ticks=%d events=%d unexpected=%d elapsed=%s\n",
		r.Ticks, r.Events, r.Unexpected, r.Elapsed.Round(time.Microsecond))
	return err
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
