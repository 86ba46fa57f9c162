package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/chiconform/chi"
)

var (
	// ErrProtocolViolation is returned when a phase arrives for a
	// transaction that has already reached a terminal outcome.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTerminal is returned when steps are added to a terminal
	// transaction.
	ErrTerminal = errors.New("transaction is terminal")
)

// ID identifies a transaction by its owning generator and sequence number.
type ID struct {
	Generator int
	Seq       uint64
}

func (id ID) String() string {
	return fmt.Sprintf("g%d#%d", id.Generator, id.Seq)
}

// Status is the lifecycle state of a transaction.
type Status uint8

// Statuses.
const (
	StatusPending Status = iota
	StatusPassed
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Reason says why a transaction did not pass.
type Reason string

// Reasons.
const (
	ReasonNone              Reason = ""
	ReasonStepMismatch      Reason = "step_mismatch"
	ReasonProtocolViolation Reason = "protocol_violation"
	ReasonTimeout           Reason = "timeout"
)

// Outcome is the result of a transaction.
type Outcome struct {
	Status Status
	Reason Reason

	// Step is the index of the failing or unresolved step, -1 when no step
	// is involved.
	Step     int
	Expected string
	Observed string
	// Phase is the phase observed when the outcome was decided.
	Phase chi.Phase

	// Tick is when the outcome was decided.
	Tick uint64
	// Skipped counts steps left unrun because a DO step ended the chain.
	Skipped int
}

// Command asks the owner of a transaction to send a phase to the fabric.
type Command struct {
	Txn   *Transaction
	Phase chi.Phase
}

// Transaction is one request and the step chain verifying its responses.
// All methods are safe for concurrent use; arrivals are processed one at a
// time.
type Transaction struct {
	mu sync.Mutex

	id      ID
	payload chi.Payload
	phase   chi.Phase

	steps []Step
	head  int

	outcome    Outcome
	started    bool
	injectedAt uint64
	arrivals   int
	violations int
}

// New creates a pending transaction.
func New(id ID, payload chi.Payload, phase chi.Phase, steps ...Step) (*Transaction, error) {
	t := &Transaction{
		id:      id,
		payload: payload,
		phase:   phase,
		outcome: Outcome{Step: -1},
	}
	for _, s := range steps {
		if err := t.AddStep(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ID returns the transaction's identity.
func (t *Transaction) ID() ID { return t.id }

// Payload returns the transaction's payload.
func (t *Transaction) Payload() chi.Payload { return t.payload }

// Phase returns the current phase.
func (t *Transaction) Phase() chi.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Outcome returns the outcome recorded so far.
func (t *Transaction) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Arrivals returns the number of phases delivered to the transaction.
func (t *Transaction) Arrivals() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arrivals
}

// Violations returns the number of arrivals after the transaction became
// terminal.
func (t *Transaction) Violations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violations
}

// InjectedAt returns the tick of the initial injection.
func (t *Transaction) InjectedAt() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.injectedAt
}

// Remaining returns the number of steps not yet run.
func (t *Transaction) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps) - t.head
}

// HasSteps reports whether any step is still to run.
func (t *Transaction) HasSteps() bool {
	return t.Remaining() > 0
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s %s", t.id, chi.Describe(t.payload, t.Phase()))
}

// AddStep appends a step to the chain.
func (t *Transaction) AddStep(s Step) error {
	if err := s.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outcome.Status.Terminal() {
		return ErrTerminal
	}
	t.steps = append(t.steps, s)
	return nil
}

// Expect appends an EXPECT step.
func (t *Transaction) Expect(c Condition) error { return t.AddStep(Expect(c)) }

// Wait appends a WAIT step.
func (t *Transaction) Wait(c Condition) error { return t.AddStep(Wait(c)) }

// Do appends a DO step.
func (t *Transaction) Do(a Action) error { return t.AddStep(Do(a)) }

// Start records the initial injection at tick. A transaction without steps
// has nothing to verify and passes immediately.
func (t *Transaction) Start(tick uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.started = true
	t.injectedAt = tick
	if t.head == len(t.steps) && !t.outcome.Status.Terminal() {
		t.finish(Outcome{Status: StatusPassed, Step: -1, Phase: t.phase, Tick: tick})
	}
}

// Deliver runs an arrived phase through the step chain. It returns the
// phases DO steps asked to send. Arrivals after the transaction became
// terminal return ErrProtocolViolation.
func (t *Transaction) Deliver(tick uint64, ph chi.Phase) ([]Command, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.arrivals++

	if t.outcome.Status.Terminal() {
		return nil, t.violation(tick, ph)
	}

	t.phase = ph

	var cmds []Command
	consumed := false
	for t.head < len(t.steps) {
		step := t.steps[t.head]
		view := t.view()

		switch step.Kind {
		case KindWait:
			// A WAIT met after this arrival was already used waits for
			// the next one.
			if consumed {
				return cmds, nil
			}
			if ok, _ := step.Cond.Eval(view); !ok {
				return cmds, nil
			}
			t.head++

		case KindExpect:
			ok, observed := step.Cond.Eval(view)
			if !ok {
				t.finish(Outcome{
					Status:   StatusFailed,
					Reason:   ReasonStepMismatch,
					Step:     t.head,
					Expected: step.Cond.Describe(),
					Observed: observed,
					Phase:    ph,
					Tick:     tick,
				})
				return cmds, nil
			}
			t.head++
			consumed = true

		case KindDo:
			effect := step.Action.Run(view)
			t.head++
			consumed = true

			if effect.Inject != nil {
				t.phase = *effect.Inject
				cmds = append(cmds, Command{Txn: t, Phase: *effect.Inject})
			}
			if !effect.Continue {
				t.finish(Outcome{
					Status:  StatusPassed,
					Step:    -1,
					Phase:   t.phase,
					Tick:    tick,
					Skipped: len(t.steps) - t.head,
				})
				return cmds, nil
			}
			if t.head < len(t.steps) {
				return cmds, nil
			}
		}
	}

	t.finish(Outcome{Status: StatusPassed, Step: -1, Phase: t.phase, Tick: tick})
	return cmds, nil
}

// Timeout abandons a pending transaction at tick. The outcome names the
// step that was still waiting. Terminal transactions are left untouched.
// It reports whether the transaction was timed out.
func (t *Transaction) Timeout(tick uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outcome.Status.Terminal() {
		return false
	}

	out := Outcome{
		Status:   StatusTimedOut,
		Reason:   ReasonTimeout,
		Step:     -1,
		Observed: "no arrival",
		Phase:    t.phase,
		Tick:     tick,
	}
	if t.head < len(t.steps) {
		out.Step = t.head
		out.Expected = t.steps[t.head].String()
	}
	if !t.started {
		out.Observed = "not injected"
	} else if t.arrivals > 0 {
		out.Observed = t.phase.String()
	}
	t.finish(out)
	return true
}

func (t *Transaction) violation(tick uint64, ph chi.Phase) error {
	t.violations++
	prev := t.outcome.Status
	if prev == StatusPassed {
		t.outcome = Outcome{
			Status:   StatusFailed,
			Reason:   ReasonProtocolViolation,
			Step:     -1,
			Expected: "no further arrivals",
			Observed: ph.String(),
			Phase:    ph,
			Tick:     tick,
		}
	}
	return fmt.Errorf("%w: %s arrived for %s transaction %s",
		ErrProtocolViolation, ph.OpcodeName(), prev, t.id)
}

// finish records a terminal outcome and drops the chain so abandoned steps
// and the closures they hold can be collected.
func (t *Transaction) finish(out Outcome) {
	t.outcome = out
	t.steps = nil
	t.head = 0
}

func (t *Transaction) view() View {
	return View{
		ID:       t.id,
		Payload:  t.payload,
		Phase:    t.phase,
		Arrivals: t.arrivals,
	}
}
