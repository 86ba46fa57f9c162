package txn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sarchlab/chiconform/chi"
)

type fieldCondition struct {
	field chi.Field
	want  string
	match func(chi.Phase) bool
}

func (c fieldCondition) Describe() string {
	return c.field.String() + "=" + c.want
}

func (c fieldCondition) Eval(v View) (bool, string) {
	return c.match(v.Phase), c.field.String() + "=" + c.observe(v.Phase)
}

func (c fieldCondition) observe(p chi.Phase) string {
	switch {
	case c.field == chi.FieldOpcode:
		return p.Channel.String() + "." + p.OpcodeName()
	case c.field == chi.FieldDataID && p.Channel != chi.ChannelDAT:
		return "n/a on " + p.Channel.String()
	}
	return p.Field(c.field)
}

// ChannelIs holds when the phase travels on ch.
func ChannelIs(ch chi.Channel) Condition {
	return fieldCondition{
		field: chi.FieldChannel,
		want:  ch.String(),
		match: func(p chi.Phase) bool { return p.Channel == ch },
	}
}

// OpcodeIs holds when the phase carries op on op's own channel.
func OpcodeIs(op chi.Opcode) Condition {
	return fieldCondition{
		field: chi.FieldOpcode,
		want:  op.Channel().String() + "." + op.String(),
		match: func(p chi.Phase) bool { return p.Is(op) },
	}
}

// RespIs holds when the response state is r.
func RespIs(r chi.Resp) Condition {
	return fieldCondition{
		field: chi.FieldResp,
		want:  r.String(),
		match: func(p chi.Phase) bool { return p.Resp == r },
	}
}

// RespErrIs holds when the response error is e.
func RespErrIs(e chi.RespErr) Condition {
	return fieldCondition{
		field: chi.FieldRespErr,
		want:  e.String(),
		match: func(p chi.Phase) bool { return p.RespErr == e },
	}
}

// DataIDIs holds when the phase is data beat id. Only DAT phases carry a
// data id.
func DataIDIs(id uint8) Condition {
	return fieldCondition{
		field: chi.FieldDataID,
		want:  strconv.Itoa(int(id)),
		match: func(p chi.Phase) bool {
			return p.Channel == chi.ChannelDAT && p.DataID == id
		},
	}
}

// ExpCompAckIs holds when the exp-comp-ack flag equals want.
func ExpCompAckIs(want bool) Condition {
	return fieldCondition{
		field: chi.FieldExpCompAck,
		want:  strconv.FormatBool(want),
		match: func(p chi.Phase) bool { return p.ExpCompAck == want },
	}
}

// IDIs holds when one of the identifier fields (txn_id, src_id, tgt_id,
// dbid) equals id.
func IDIs(field chi.Field, id uint16) (Condition, error) {
	var get func(chi.Phase) uint16
	switch field {
	case chi.FieldTxnID:
		get = func(p chi.Phase) uint16 { return p.TxnID }
	case chi.FieldSrcID:
		get = func(p chi.Phase) uint16 { return p.SrcID }
	case chi.FieldTgtID:
		get = func(p chi.Phase) uint16 { return p.TgtID }
	case chi.FieldDBID:
		get = func(p chi.Phase) uint16 { return p.DBID }
	default:
		return nil, fmt.Errorf("%s is not an identifier field", field)
	}
	return fieldCondition{
		field: field,
		want:  strconv.Itoa(int(id)),
		match: func(p chi.Phase) bool { return get(p) == id },
	}, nil
}

type allCondition []Condition

// All holds when every condition holds. Evaluation stops at the first
// condition that does not, and that one is reported as observed.
func All(conds ...Condition) Condition {
	return allCondition(conds)
}

func (a allCondition) Describe() string {
	return joinDescriptions(a, " && ")
}

func (a allCondition) Eval(v View) (bool, string) {
	observed := make([]string, 0, len(a))
	for _, c := range a {
		ok, obs := c.Eval(v)
		if !ok {
			return false, obs
		}
		observed = append(observed, obs)
	}
	return true, strings.Join(observed, " && ")
}

type anyCondition []Condition

// Any holds when at least one condition holds.
func Any(conds ...Condition) Condition {
	return anyCondition(conds)
}

func (a anyCondition) Describe() string {
	return joinDescriptions(a, " || ")
}

func (a anyCondition) Eval(v View) (bool, string) {
	observed := make([]string, 0, len(a))
	for _, c := range a {
		ok, obs := c.Eval(v)
		if ok {
			return true, obs
		}
		observed = append(observed, obs)
	}
	return false, strings.Join(observed, " || ")
}

type notCondition struct{ c Condition }

// Not inverts c.
func Not(c Condition) Condition {
	return notCondition{c: c}
}

func (n notCondition) Describe() string { return "!(" + n.c.Describe() + ")" }

func (n notCondition) Eval(v View) (bool, string) {
	ok, obs := n.c.Eval(v)
	return !ok, obs
}

type funcCondition struct {
	name string
	fn   func(View) bool
}

// Predicate wraps an arbitrary check under a name. The observed value is
// the whole phase.
func Predicate(name string, fn func(View) bool) Condition {
	return funcCondition{name: name, fn: fn}
}

func (f funcCondition) Describe() string { return f.name }

func (f funcCondition) Eval(v View) (bool, string) {
	return f.fn(v), v.Phase.String()
}

// Always holds for every arrival.
func Always() Condition {
	return Predicate("always", func(View) bool { return true })
}

func joinDescriptions(conds []Condition, sep string) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, c.Describe())
	}
	return strings.Join(parts, sep)
}

// FieldEquals parses value for field and returns the matching equality
// condition. It is how data-described suites name their checks.
func FieldEquals(field chi.Field, value string) (Condition, error) {
	switch field {
	case chi.FieldChannel:
		ch, err := chi.ParseChannel(value)
		if err != nil {
			return nil, err
		}
		return ChannelIs(ch), nil
	case chi.FieldOpcode:
		op, err := chi.ParseOpcode(value)
		if err != nil {
			return nil, err
		}
		return OpcodeIs(op), nil
	case chi.FieldResp:
		r, err := chi.ParseResp(value)
		if err != nil {
			return nil, err
		}
		return RespIs(r), nil
	case chi.FieldRespErr:
		e, err := chi.ParseRespErr(value)
		if err != nil {
			return nil, err
		}
		return RespErrIs(e), nil
	case chi.FieldDataID:
		id, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid data_id %q: %w", value, err)
		}
		return DataIDIs(uint8(id)), nil
	case chi.FieldExpCompAck:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid exp_comp_ack %q: %w", value, err)
		}
		return ExpCompAckIs(b), nil
	}

	id, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return IDIs(field, uint16(id))
}
