package chi

import (
	"fmt"
	"strconv"
	"strings"
)

// Resp is the response field: the cache state granted or passed with a
// response, plus the pass-dirty variants.
type Resp uint8

// Response states.
const (
	RespI    Resp = 0x0
	RespSC   Resp = 0x1
	RespUC   Resp = 0x2
	RespSD   Resp = 0x3
	RespIPD  Resp = 0x4
	RespSCPD Resp = 0x5
	RespUCPD Resp = 0x6
	RespUD   Resp = 0x7
	RespUDPD Resp = 0x8
	RespSDPD Resp = 0x9
)

var respNames = map[Resp]string{
	RespI:    "I",
	RespSC:   "SC",
	RespUC:   "UC",
	RespSD:   "SD",
	RespIPD:  "I_PD",
	RespSCPD: "SC_PD",
	RespUCPD: "UC_PD",
	RespUD:   "UD",
	RespUDPD: "UD_PD",
	RespSDPD: "SD_PD",
}

func (r Resp) String() string {
	if name, ok := respNames[r]; ok {
		return name
	}
	return fmt.Sprintf("?(0x%x)", uint8(r))
}

// ParseResp accepts "UC" or "RESP_UC".
func ParseResp(name string) (Resp, error) {
	upper := strings.TrimPrefix(strings.ToUpper(name), "RESP_")
	for r, n := range respNames {
		if n == upper {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resp %q", name)
}

// RespErr is the response error field.
type RespErr uint8

// Response errors.
const (
	RespErrOK RespErr = iota
	RespErrEXOK
	RespErrDERR
	RespErrNDERR
)

var respErrNames = [...]string{"OK", "EXOK", "DERR", "NDERR"}

func (e RespErr) String() string {
	if int(e) < len(respErrNames) {
		return respErrNames[e]
	}
	return fmt.Sprintf("?(0x%x)", uint8(e))
}

// ParseRespErr accepts "DERR" or "RESP_ERR_DERR".
func ParseRespErr(name string) (RespErr, error) {
	upper := strings.TrimPrefix(strings.ToUpper(name), "RESP_ERR_")
	for i, n := range respErrNames {
		if n == upper {
			return RespErr(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resp_err %q", name)
}

// Phase is one message of a transaction's handshake. A transaction's
// current phase is replaced as a whole on every arrival or injection.
type Phase struct {
	Channel Channel
	// Opcode is the raw opcode code. Read it through OpcodeName or Is, which
	// interpret it relative to Channel.
	Opcode uint8

	TxnID uint16
	SrcID uint16
	TgtID uint16
	DBID  uint16

	Resp    Resp
	RespErr RespErr
	// DataID identifies the beat of a multi-beat DAT transfer.
	DataID uint8

	ExpCompAck bool
	AllowRetry bool
	QoS        uint8
}

// NewRequest returns a REQ phase carrying op.
func NewRequest(op ReqOpcode) Phase {
	return Phase{Channel: ChannelREQ, Opcode: op.Code()}
}

// SetOpcode sets the channel and opcode together.
func (p *Phase) SetOpcode(op Opcode) {
	p.Channel = op.Channel()
	p.Opcode = op.Code()
}

// Is reports whether the phase carries op on op's channel.
func (p Phase) Is(op Opcode) bool {
	return p.Channel == op.Channel() && p.Opcode == op.Code()
}

// KnownOpcode reports whether the opcode is defined for the phase's channel.
func (p Phase) KnownOpcode() bool {
	_, ok := LookupOpcode(p.Channel, p.Opcode)
	return ok
}

// OpcodeName renders the opcode relative to the phase's channel.
func (p Phase) OpcodeName() string {
	op, ok := LookupOpcode(p.Channel, p.Opcode)
	if !ok {
		return opcodeName("", p.Opcode)
	}
	return op.String()
}

func (p Phase) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s txn=%d src=%d tgt=%d",
		p.Channel, p.OpcodeName(), p.TxnID, p.SrcID, p.TgtID)
	switch p.Channel {
	case ChannelDAT:
		fmt.Fprintf(&b, " dbid=%d resp=%s data_id=%d", p.DBID, p.Resp, p.DataID)
	case ChannelRSP:
		fmt.Fprintf(&b, " dbid=%d resp=%s", p.DBID, p.Resp)
	case ChannelREQ:
		fmt.Fprintf(&b, " exp_comp_ack=%t", p.ExpCompAck)
	}
	if p.RespErr != RespErrOK {
		fmt.Fprintf(&b, " resp_err=%s", p.RespErr)
	}
	return b.String()
}

// Field names a phase attribute that conditions can check.
type Field uint8

// Phase fields.
const (
	FieldChannel Field = iota
	FieldOpcode
	FieldTxnID
	FieldSrcID
	FieldTgtID
	FieldDBID
	FieldResp
	FieldRespErr
	FieldDataID
	FieldExpCompAck
)

var fieldNames = [...]string{
	"channel", "opcode", "txn_id", "src_id", "tgt_id",
	"dbid", "resp", "resp_err", "data_id", "exp_comp_ack",
}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "field_" + strconv.Itoa(int(f))
}

// ParseField parses a field name such as "data_id".
func ParseField(name string) (Field, error) {
	lower := strings.ToLower(name)
	for i, n := range fieldNames {
		if n == lower {
			return Field(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase field %q", name)
}

// Field renders the value of f on p. The opcode renders relative to the
// channel.
func (p Phase) Field(f Field) string {
	switch f {
	case FieldChannel:
		return p.Channel.String()
	case FieldOpcode:
		return p.OpcodeName()
	case FieldTxnID:
		return strconv.Itoa(int(p.TxnID))
	case FieldSrcID:
		return strconv.Itoa(int(p.SrcID))
	case FieldTgtID:
		return strconv.Itoa(int(p.TgtID))
	case FieldDBID:
		return strconv.Itoa(int(p.DBID))
	case FieldResp:
		return p.Resp.String()
	case FieldRespErr:
		return p.RespErr.String()
	case FieldDataID:
		return strconv.Itoa(int(p.DataID))
	case FieldExpCompAck:
		return strconv.FormatBool(p.ExpCompAck)
	}
	return ""
}
