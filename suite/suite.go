// Package suite loads conformance suites and builds the transactions they
// describe.
//
// A suite is a YAML document: a payload and request phase template, the
// tick to inject at, and an ordered list of steps. Steps name their checks
// and actions through a fixed registry, so a suite is data and never code.
//
//	name: read_shared_unit
//	inject_at: 10
//	payload: {address: 0x80000000, ns: true, size: 64}
//	phase: {opcode: READ_SHARED, exp_comp_ack: true}
//	steps:
//	  - expect: {channel: DAT, opcode: COMP_DATA, resp: UC, data_id: 0}
//	  - wait: {channel: DAT}
//	  - expect: {channel: DAT, opcode: COMP_DATA, resp: UC, data_id: 2}
//	  - do: {action: comp_ack}
//
// Every field of an expect mapping becomes its own EXPECT step, in the
// order written, so a failure names the exact field. The fields of a wait
// mapping form a single WAIT that holds when all of them match.
package suite

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/txn"
)

var (
	// ErrUnknownSuite is returned when a suite reference names neither a
	// registered suite nor a readable file.
	ErrUnknownSuite = errors.New("unknown suite")

	// ErrConstructionFailed is returned when a suite cannot be built for an
	// endpoint.
	ErrConstructionFailed = errors.New("suite construction failed")
)

// maxAddress is the top of the 52-bit physical address space a request can
// name.
const maxAddress = uint64(1)<<52 - 1

// DefaultInjectAt is the injection tick of suites that do not set one.
const DefaultInjectAt = 10

// Document is the decoded form of a suite file.
type Document struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	InjectAt    uint64      `yaml:"inject_at"`
	Payload     PayloadSpec `yaml:"payload"`
	Phase       PhaseSpec   `yaml:"phase"`
	Steps       []StepSpec  `yaml:"steps"`
}

// PayloadSpec is the payload template.
type PayloadSpec struct {
	Address uint64 `yaml:"address"`
	NS      bool   `yaml:"ns"`
	Size    int    `yaml:"size"`

	// AddressStride offsets the address of endpoint n by n*AddressStride.
	AddressStride uint64 `yaml:"address_stride"`
}

// PhaseSpec is the request phase template.
type PhaseSpec struct {
	Opcode     string `yaml:"opcode"`
	SrcID      uint16 `yaml:"src_id"`
	TgtID      uint16 `yaml:"tgt_id"`
	ExpCompAck bool   `yaml:"exp_comp_ack"`
	AllowRetry bool   `yaml:"allow_retry"`
	QoS        uint8  `yaml:"qos"`
}

// StepSpec is one entry of the step list. Exactly one field is set.
type StepSpec struct {
	Expect *yaml.Node `yaml:"expect,omitempty"`
	Wait   *yaml.Node `yaml:"wait,omitempty"`
	Do     *DoSpec    `yaml:"do,omitempty"`
}

var doKeys = map[string]bool{
	"action":   true,
	"continue": true,
	"opcode":   true,
	"data_id":  true,
	"resp":     true,
}

// UnmarshalYAML keeps expect and wait mappings as raw nodes so their keys
// are read as field names and not as struct fields.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}
	if len(node.Content) != 2 {
		return fmt.Errorf("line %d: step must have exactly one of expect, wait or do", node.Line)
	}

	key, value := node.Content[0], node.Content[1]
	switch key.Value {
	case "expect":
		*s = StepSpec{Expect: value}
	case "wait":
		*s = StepSpec{Wait: value}
	case "do":
		if value.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: do must be a mapping", value.Line)
		}
		for i := 0; i+1 < len(value.Content); i += 2 {
			if k := value.Content[i]; !doKeys[k.Value] {
				return fmt.Errorf("line %d: unknown do parameter %q", k.Line, k.Value)
			}
		}

		var do DoSpec
		if err := value.Decode(&do); err != nil {
			return err
		}
		*s = StepSpec{Do: &do}
	default:
		return fmt.Errorf("line %d: unknown step kind %q", key.Line, key.Value)
	}
	return nil
}

// DoSpec names an action and its parameters.
type DoSpec struct {
	Action   string `yaml:"action"`
	Continue *bool  `yaml:"continue,omitempty"`
	Opcode   string `yaml:"opcode,omitempty"`
	DataID   uint8  `yaml:"data_id,omitempty"`
	Resp     string `yaml:"resp,omitempty"`
}

// BuildError reports a suite that could not be built for an endpoint.
type BuildError struct {
	Suite    string
	Endpoint int
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: suite %s, endpoint %d: %v",
		ErrConstructionFailed, e.Suite, e.Endpoint, e.Err)
}

// Unwrap returns the cause.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConstructionFailed) hold.
func (e *BuildError) Is(target error) bool {
	return target == ErrConstructionFailed
}

// Instance is a suite built for one endpoint.
type Instance struct {
	Endpoint int
	InjectAt uint64
	Payload  chi.Payload
	Phase    chi.Phase
	Steps    []txn.Step
}

// Suite is a parsed suite document.
type Suite struct {
	doc     Document
	source  string
	actions map[string]ActionFactory
}

// Name returns the suite name.
func (s *Suite) Name() string { return s.doc.Name }

// Description returns the suite description.
func (s *Suite) Description() string { return s.doc.Description }

// Source returns where the suite was loaded from.
func (s *Suite) Source() string { return s.source }

// Document returns the decoded document.
func (s *Suite) Document() Document { return s.doc }

// InjectAt returns the injection tick.
func (s *Suite) InjectAt() uint64 {
	if s.doc.InjectAt == 0 {
		return DefaultInjectAt
	}
	return s.doc.InjectAt
}

// Build creates the payload, phase and steps for endpoint. Nothing is shared
// between the instances of different endpoints.
func (s *Suite) Build(endpoint int) (*Instance, error) {
	inst, err := s.build(endpoint)
	if err != nil {
		return nil, &BuildError{Suite: s.doc.Name, Endpoint: endpoint, Err: err}
	}
	return inst, nil
}

func (s *Suite) build(endpoint int) (*Instance, error) {
	if endpoint < 0 {
		return nil, fmt.Errorf("negative endpoint")
	}

	p := s.doc.Payload
	offset := uint64(endpoint) * p.AddressStride
	if p.AddressStride != 0 && offset/p.AddressStride != uint64(endpoint) {
		return nil, fmt.Errorf("address stride overflows")
	}
	addr := p.Address + offset
	if addr < p.Address || addr > maxAddress {
		return nil, fmt.Errorf("address 0x%x+0x%x exceeds the physical address space",
			p.Address, offset)
	}

	payload, err := chi.NewPayload(addr, p.NS, p.Size)
	if err != nil {
		return nil, err
	}

	phase, err := s.phase()
	if err != nil {
		return nil, err
	}

	steps, err := s.steps()
	if err != nil {
		return nil, err
	}

	return &Instance{
		Endpoint: endpoint,
		InjectAt: s.InjectAt(),
		Payload:  payload,
		Phase:    phase,
		Steps:    steps,
	}, nil
}

func (s *Suite) phase() (chi.Phase, error) {
	spec := s.doc.Phase

	op, err := chi.ParseOpcode(spec.Opcode)
	if err != nil {
		return chi.Phase{}, err
	}
	req, ok := op.(chi.ReqOpcode)
	if !ok {
		return chi.Phase{}, fmt.Errorf("phase opcode %s is not a request", op)
	}

	phase := chi.NewRequest(req)
	phase.SrcID = spec.SrcID
	phase.TgtID = spec.TgtID
	phase.ExpCompAck = spec.ExpCompAck
	phase.AllowRetry = spec.AllowRetry
	phase.QoS = spec.QoS
	return phase, nil
}

func (s *Suite) steps() ([]txn.Step, error) {
	var steps []txn.Step
	for i, spec := range s.doc.Steps {
		switch {
		case spec.Expect != nil:
			conds, err := conditions(spec.Expect)
			if err != nil {
				return nil, fmt.Errorf("steps[%d].expect: %w", i, err)
			}
			for _, c := range conds {
				steps = append(steps, txn.Expect(c))
			}

		case spec.Wait != nil:
			conds, err := conditions(spec.Wait)
			if err != nil {
				return nil, fmt.Errorf("steps[%d].wait: %w", i, err)
			}
			if len(conds) == 1 {
				steps = append(steps, txn.Wait(conds[0]))
			} else {
				steps = append(steps, txn.Wait(txn.All(conds...)))
			}

		case spec.Do != nil:
			action, err := s.action(*spec.Do)
			if err != nil {
				return nil, fmt.Errorf("steps[%d].do: %w", i, err)
			}
			steps = append(steps, txn.Do(action))

		default:
			return nil, fmt.Errorf("steps[%d]: empty step", i)
		}
	}
	return steps, nil
}

// conditions turns a field mapping into equality conditions, in document
// order.
func conditions(node *yaml.Node) ([]txn.Condition, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) == 0 {
		return nil, fmt.Errorf("expected a non-empty mapping of fields")
	}

	conds := make([]txn.Condition, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		field, err := chi.ParseField(key.Value)
		if err != nil {
			return nil, err
		}
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%s: expected a scalar value", key.Value)
		}

		c, err := txn.FieldEquals(field, value.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key.Value, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func (s *Suite) action(spec DoSpec) (txn.Action, error) {
	factory, ok := s.actions[spec.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", spec.Action)
	}

	action, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Action, err)
	}

	if spec.Continue != nil {
		action = txn.WithContinue(action, *spec.Continue)
	}
	return action, nil
}
