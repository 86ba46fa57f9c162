// Package txn implements transactions and the step chain that verifies the
// phases arriving for each of them.
//
// A transaction carries an ordered list of steps. Every arrival is run
// through the chain starting at the head step:
//
//   - EXPECT checks the arrival and fails the transaction on mismatch.
//   - WAIT lets arrivals pass by until its condition holds.
//   - DO runs an action that may produce one outbound phase and decides
//     whether the chain keeps waiting for further arrivals.
//
// The chain never talks to a scheduler. Phases produced by DO steps are
// returned to the caller as commands.
package txn

import (
	"fmt"

	"github.com/sarchlab/chiconform/chi"
)

// Kind is the kind of a step.
type Kind uint8

// Step kinds.
const (
	KindExpect Kind = iota
	KindWait
	KindDo
)

func (k Kind) String() string {
	switch k {
	case KindExpect:
		return "EXPECT"
	case KindWait:
		return "WAIT"
	case KindDo:
		return "DO"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// View is a read-only snapshot of a transaction handed to conditions and
// actions. It holds copies, so evaluating a condition cannot change the
// transaction.
type View struct {
	ID       ID
	Payload  chi.Payload
	Phase    chi.Phase
	Arrivals int
}

// Condition is a named predicate over a transaction.
type Condition interface {
	// Describe returns the expectation, e.g. "resp=UC".
	Describe() string
	// Eval reports whether the condition holds and what was observed,
	// rendered the same way as Describe.
	Eval(v View) (bool, string)
}

// Effect is the result of running an action.
type Effect struct {
	// Inject is the phase to send to the fabric, or nil.
	Inject *chi.Phase
	// Continue keeps the chain waiting for further arrivals. When false the
	// transaction passes at this step.
	Continue bool
}

// Action is the body of a DO step.
type Action interface {
	Name() string
	Run(v View) Effect
}

// Step is one entry of a step chain. Exactly one of Cond and Action is set,
// depending on Kind.
type Step struct {
	Kind   Kind
	Cond   Condition
	Action Action
}

// Expect returns an EXPECT step.
func Expect(c Condition) Step {
	return Step{Kind: KindExpect, Cond: c}
}

// Wait returns a WAIT step.
func Wait(c Condition) Step {
	return Step{Kind: KindWait, Cond: c}
}

// Do returns a DO step.
func Do(a Action) Step {
	return Step{Kind: KindDo, Action: a}
}

// Describe returns what the step checks or does.
func (s Step) Describe() string {
	if s.Kind == KindDo {
		if s.Action == nil {
			return ""
		}
		return s.Action.Name()
	}
	if s.Cond == nil {
		return ""
	}
	return s.Cond.Describe()
}

func (s Step) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.Describe())
}

func (s Step) validate() error {
	switch s.Kind {
	case KindExpect, KindWait:
		if s.Cond == nil {
			return fmt.Errorf("%s step without a condition", s.Kind)
		}
	case KindDo:
		if s.Action == nil {
			return fmt.Errorf("DO step without an action")
		}
	default:
		return fmt.Errorf("unknown step kind %d", uint8(s.Kind))
	}
	return nil
}
