package suite

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/txn"
)

//go:embed schema.json
var schemaJSON []byte

//go:embed builtin/*.yaml
var builtinFS embed.FS

const schemaURL = "chiconform://suite.schema.json"

// ActionFactory builds the action a DO step names from its parameters.
type ActionFactory func(spec DoSpec) (txn.Action, error)

// DefaultActions returns the actions suites can name.
func DefaultActions() map[string]ActionFactory {
	return map[string]ActionFactory{
		"comp_ack": func(DoSpec) (txn.Action, error) {
			return txn.CompAck(), nil
		},
		"write_data": writeDataAction,
		"stop": func(DoSpec) (txn.Action, error) {
			return txn.Stop(), nil
		},
	}
}

func writeDataAction(spec DoSpec) (txn.Action, error) {
	op := chi.DatNonCopyBackWrDat
	if spec.Opcode != "" {
		parsed, err := chi.ParseOpcode(spec.Opcode)
		if err != nil {
			return nil, err
		}
		dat, ok := parsed.(chi.DatOpcode)
		if !ok {
			return nil, fmt.Errorf("opcode %s is not a data opcode", parsed)
		}
		op = dat
	}

	resp := chi.RespI
	if spec.Resp != "" {
		r, err := chi.ParseResp(spec.Resp)
		if err != nil {
			return nil, err
		}
		resp = r
	}

	return txn.WriteData(op, spec.DataID, resp), nil
}

// Registry resolves suite references to suites.
type Registry struct {
	schema *jsonschema.Schema

	mu      sync.RWMutex
	suites  map[string]*Suite
	actions map[string]ActionFactory
}

// NewRegistry creates a registry holding the built-in suites.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add suite schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile suite schema: %w", err)
	}

	r := &Registry{
		schema:  schema,
		suites:  make(map[string]*Suite),
		actions: DefaultActions(),
	}

	if err := r.loadBuiltins(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) loadBuiltins() error {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return fmt.Errorf("failed to list built-in suites: %w", err)
	}

	for _, entry := range entries {
		name := path.Join("builtin", entry.Name())
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read built-in suite %s: %w", name, err)
		}

		s, err := r.parse(data, "builtin:"+entry.Name())
		if err != nil {
			return fmt.Errorf("built-in suite %s: %w", entry.Name(), err)
		}
		if err := r.Register(s); err != nil {
			return err
		}
	}

	return nil
}

// RegisterAction makes an action available to suites parsed afterwards.
func (r *Registry) RegisterAction(name string, factory ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = factory
}

// Register adds a suite under its name.
func (r *Registry) Register(s *Suite) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.suites[s.Name()]; ok {
		return fmt.Errorf("suite %s already registered", s.Name())
	}
	r.suites[s.Name()] = s
	return nil
}

// Names returns the registered suite names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.suites))
	for name := range r.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registered suite called name.
func (r *Registry) Lookup(name string) (*Suite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[name]
	return s, ok
}

// Resolve looks ref up as a suite name first and as a file path second.
func (r *Registry) Resolve(ref string) (*Suite, error) {
	if s, ok := r.Lookup(ref); ok {
		return s, nil
	}

	if _, err := os.Stat(ref); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSuite, ref)
	}

	return r.LoadFile(ref)
}

// LoadFile parses the suite file at path without registering it.
func (r *Registry) LoadFile(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}
	return r.parse(data, path)
}

// Parse parses a suite document without registering it.
func (r *Registry) Parse(data []byte) (*Suite, error) {
	return r.parse(data, "")
}

func (r *Registry) parse(data []byte, source string) (*Suite, error) {
	if err := r.validate(data); err != nil {
		return nil, err
	}

	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	r.mu.RLock()
	actions := make(map[string]ActionFactory, len(r.actions))
	for name, f := range r.actions {
		actions[name] = f
	}
	r.mu.RUnlock()

	s := &Suite{doc: doc, source: source, actions: actions}

	// Surface bad opcodes, fields and actions now rather than per endpoint.
	if _, err := s.phase(); err != nil {
		return nil, fmt.Errorf("invalid suite: %w", err)
	}
	if _, err := s.steps(); err != nil {
		return nil, fmt.Errorf("invalid suite: %w", err)
	}

	return s, nil
}

// validate checks a YAML document against the suite schema. The schema
// works on JSON values, so the document goes through JSON first.
func (r *Registry) validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("invalid suite: empty document")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to convert suite to JSON: %w", err)
	}

	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("failed to convert suite to JSON: %w", err)
	}

	if err := r.schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid suite: %s", describeValidation(verr))
		}
		return fmt.Errorf("invalid suite: %w", err)
	}

	return nil
}

// describeValidation flattens a schema validation error to its leaf causes.
func describeValidation(err *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)
	return strings.Join(leaves, "; ")
}
