package chi

import (
	"fmt"
	"strings"
)

// Channel is one of the CHI channel classes.
type Channel uint8

// Channels.
const (
	ChannelREQ Channel = iota
	ChannelSNP
	ChannelRSP
	ChannelDAT
)

var channelNames = [...]string{"REQ", "SNP", "RSP", "DAT"}

func (c Channel) String() string {
	if int(c) < len(channelNames) {
		return channelNames[c]
	}
	return fmt.Sprintf("CHANNEL_?(%d)", uint8(c))
}

// ParseChannel parses a channel name such as "DAT".
func ParseChannel(name string) (Channel, error) {
	upper := strings.ToUpper(name)
	for i, n := range channelNames {
		if n == upper {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

// Opcode is an opcode bound to the channel it belongs to. Request, response,
// data and snoop opcodes share code values, so a code only has meaning next
// to its channel.
type Opcode interface {
	Channel() Channel
	Code() uint8
	String() string
}

// ReqOpcode is a REQ channel opcode.
type ReqOpcode uint8

// REQ channel opcodes.
const (
	ReqLCrdReturn       ReqOpcode = 0x00
	ReqReadShared       ReqOpcode = 0x01
	ReqReadClean        ReqOpcode = 0x02
	ReqReadOnce         ReqOpcode = 0x03
	ReqReadNoSnp        ReqOpcode = 0x04
	ReqPCrdReturn       ReqOpcode = 0x05
	ReqReadUnique       ReqOpcode = 0x07
	ReqCleanShared      ReqOpcode = 0x08
	ReqCleanInvalid     ReqOpcode = 0x09
	ReqMakeInvalid      ReqOpcode = 0x0A
	ReqCleanUnique      ReqOpcode = 0x0B
	ReqMakeUnique       ReqOpcode = 0x0C
	ReqEvict            ReqOpcode = 0x0D
	ReqEOBarrier        ReqOpcode = 0x0E
	ReqECBarrier        ReqOpcode = 0x0F
	ReqDVMOp            ReqOpcode = 0x14
	ReqWriteEvictFull   ReqOpcode = 0x15
	ReqWriteCleanFull   ReqOpcode = 0x17
	ReqWriteUniquePtl   ReqOpcode = 0x18
	ReqWriteUniqueFull  ReqOpcode = 0x19
	ReqWriteBackPtl     ReqOpcode = 0x1A
	ReqWriteBackFull    ReqOpcode = 0x1B
	ReqWriteNoSnpPtl    ReqOpcode = 0x1C
	ReqWriteNoSnpFull   ReqOpcode = 0x1D
	ReqReadNotSharedDty ReqOpcode = 0x26
	ReqReadPreferUnique ReqOpcode = 0x4C
)

var reqOpcodeNames = map[ReqOpcode]string{
	ReqLCrdReturn:       "REQ_LCRD_RETURN",
	ReqReadShared:       "READ_SHARED",
	ReqReadClean:        "READ_CLEAN",
	ReqReadOnce:         "READ_ONCE",
	ReqReadNoSnp:        "READ_NO_SNP",
	ReqPCrdReturn:       "PCRD_RETURN",
	ReqReadUnique:       "READ_UNIQUE",
	ReqCleanShared:      "CLEAN_SHARED",
	ReqCleanInvalid:     "CLEAN_INVALID",
	ReqMakeInvalid:      "MAKE_INVALID",
	ReqCleanUnique:      "CLEAN_UNIQUE",
	ReqMakeUnique:       "MAKE_UNIQUE",
	ReqEvict:            "EVICT",
	ReqEOBarrier:        "EO_BARRIER",
	ReqECBarrier:        "EC_BARRIER",
	ReqDVMOp:            "DVM_OP",
	ReqWriteEvictFull:   "WRITE_EVICT_FULL",
	ReqWriteCleanFull:   "WRITE_CLEAN_FULL",
	ReqWriteUniquePtl:   "WRITE_UNIQUE_PTL",
	ReqWriteUniqueFull:  "WRITE_UNIQUE_FULL",
	ReqWriteBackPtl:     "WRITE_BACK_PTL",
	ReqWriteBackFull:    "WRITE_BACK_FULL",
	ReqWriteNoSnpPtl:    "WRITE_NO_SNP_PTL",
	ReqWriteNoSnpFull:   "WRITE_NO_SNP_FULL",
	ReqReadNotSharedDty: "READ_NOT_SHARED_DIRTY",
	ReqReadPreferUnique: "READ_PREFER_UNIQUE",
}

func (o ReqOpcode) Channel() Channel { return ChannelREQ }
func (o ReqOpcode) Code() uint8      { return uint8(o) }
func (o ReqOpcode) String() string   { return opcodeName(reqOpcodeNames[o], uint8(o)) }

// RspOpcode is a RSP channel opcode.
type RspOpcode uint8

// RSP channel opcodes.
const (
	RspLCrdReturn   RspOpcode = 0x00
	RspSnpResp      RspOpcode = 0x01
	RspCompAck      RspOpcode = 0x02
	RspRetryAck     RspOpcode = 0x03
	RspComp         RspOpcode = 0x04
	RspCompDBIDResp RspOpcode = 0x05
	RspDBIDResp     RspOpcode = 0x06
	RspPCrdGrant    RspOpcode = 0x07
	RspReadReceipt  RspOpcode = 0x08
	RspSnpRespFwded RspOpcode = 0x09
	RspRespSepData  RspOpcode = 0x0B
	RspCompCMO      RspOpcode = 0x14
)

var rspOpcodeNames = map[RspOpcode]string{
	RspLCrdReturn:   "RSP_LCRD_RETURN",
	RspSnpResp:      "SNP_RESP",
	RspCompAck:      "COMP_ACK",
	RspRetryAck:     "RETRY_ACK",
	RspComp:         "COMP",
	RspCompDBIDResp: "COMP_DBID_RESP",
	RspDBIDResp:     "DBID_RESP",
	RspPCrdGrant:    "PCRD_GRANT",
	RspReadReceipt:  "READ_RECEIPT",
	RspSnpRespFwded: "SNP_RESP_FWDED",
	RspRespSepData:  "RESP_SEP_DATA",
	RspCompCMO:      "COMP_CMO",
}

func (o RspOpcode) Channel() Channel { return ChannelRSP }
func (o RspOpcode) Code() uint8      { return uint8(o) }
func (o RspOpcode) String() string   { return opcodeName(rspOpcodeNames[o], uint8(o)) }

// DatOpcode is a DAT channel opcode.
type DatOpcode uint8

// DAT channel opcodes.
const (
	DatLCrdReturn       DatOpcode = 0x00
	DatSnpRespData      DatOpcode = 0x01
	DatCopyBackWrData   DatOpcode = 0x02
	DatNonCopyBackWrDat DatOpcode = 0x03
	DatCompData         DatOpcode = 0x04
	DatSnpRespDataPtl   DatOpcode = 0x05
	DatSnpRespDataFwded DatOpcode = 0x06
	DatWriteDataCancel  DatOpcode = 0x07
	DatDataSepResp      DatOpcode = 0x0B
	DatNCBWrDataCompAck DatOpcode = 0x0C
)

var datOpcodeNames = map[DatOpcode]string{
	DatLCrdReturn:       "DAT_LCRD_RETURN",
	DatSnpRespData:      "SNP_RESP_DATA",
	DatCopyBackWrData:   "COPY_BACK_WR_DATA",
	DatNonCopyBackWrDat: "NON_COPY_BACK_WR_DATA",
	DatCompData:         "COMP_DATA",
	DatSnpRespDataPtl:   "SNP_RESP_DATA_PTL",
	DatSnpRespDataFwded: "SNP_RESP_DATA_FWDED",
	DatWriteDataCancel:  "WRITE_DATA_CANCEL",
	DatDataSepResp:      "DATA_SEP_RESP",
	DatNCBWrDataCompAck: "NCB_WR_DATA_COMP_ACK",
}

func (o DatOpcode) Channel() Channel { return ChannelDAT }
func (o DatOpcode) Code() uint8      { return uint8(o) }
func (o DatOpcode) String() string   { return opcodeName(datOpcodeNames[o], uint8(o)) }

// SnpOpcode is a SNP channel opcode.
type SnpOpcode uint8

// SNP channel opcodes.
const (
	SnpLCrdReturn  SnpOpcode = 0x00
	SnpShared      SnpOpcode = 0x01
	SnpClean       SnpOpcode = 0x02
	SnpOnce        SnpOpcode = 0x03
	SnpNotSharedDt SnpOpcode = 0x04
	SnpUnique      SnpOpcode = 0x07
	SnpCleanShared SnpOpcode = 0x08
	SnpCleanInv    SnpOpcode = 0x09
	SnpMakeInvalid SnpOpcode = 0x0A
)

var snpOpcodeNames = map[SnpOpcode]string{
	SnpLCrdReturn:  "SNP_LCRD_RETURN",
	SnpShared:      "SNP_SHARED",
	SnpClean:       "SNP_CLEAN",
	SnpOnce:        "SNP_ONCE",
	SnpNotSharedDt: "SNP_NOT_SHARED_DIRTY",
	SnpUnique:      "SNP_UNIQUE",
	SnpCleanShared: "SNP_CLEAN_SHARED",
	SnpCleanInv:    "SNP_CLEAN_INVALID",
	SnpMakeInvalid: "SNP_MAKE_INVALID",
}

func (o SnpOpcode) Channel() Channel { return ChannelSNP }
func (o SnpOpcode) Code() uint8      { return uint8(o) }
func (o SnpOpcode) String() string   { return opcodeName(snpOpcodeNames[o], uint8(o)) }

func opcodeName(name string, code uint8) string {
	if name == "" {
		return fmt.Sprintf("?(0x%02x)", code)
	}
	return name
}

// LookupOpcode returns the opcode for code on channel ch, and false if the
// code is not a known opcode of that channel.
func LookupOpcode(ch Channel, code uint8) (Opcode, bool) {
	switch ch {
	case ChannelREQ:
		_, ok := reqOpcodeNames[ReqOpcode(code)]
		return ReqOpcode(code), ok
	case ChannelRSP:
		_, ok := rspOpcodeNames[RspOpcode(code)]
		return RspOpcode(code), ok
	case ChannelDAT:
		_, ok := datOpcodeNames[DatOpcode(code)]
		return DatOpcode(code), ok
	case ChannelSNP:
		_, ok := snpOpcodeNames[SnpOpcode(code)]
		return SnpOpcode(code), ok
	}
	return nil, false
}

// ParseOpcode resolves an opcode name. Bare names ("COMP_DATA") are unique
// across channels; a channel prefix ("DAT.COMP_DATA") is also accepted and
// must agree with the channel the name belongs to.
func ParseOpcode(name string) (Opcode, error) {
	upper := strings.ToUpper(name)
	want := Channel(0xFF)
	if ch, rest, ok := strings.Cut(upper, "."); ok {
		c, err := ParseChannel(ch)
		if err != nil {
			return nil, err
		}
		want = c
		upper = rest
	}

	op, ok := opcodeByName[upper]
	if !ok {
		return nil, fmt.Errorf("unknown opcode %q", name)
	}
	if want != Channel(0xFF) && op.Channel() != want {
		return nil, fmt.Errorf("opcode %s belongs to channel %s, not %s",
			op, op.Channel(), want)
	}
	return op, nil
}

var opcodeByName = buildOpcodeIndex()

func buildOpcodeIndex() map[string]Opcode {
	index := make(map[string]Opcode)
	for op, name := range reqOpcodeNames {
		index[name] = op
	}
	for op, name := range rspOpcodeNames {
		index[name] = op
	}
	for op, name := range datOpcodeNames {
		index[name] = op
	}
	for op, name := range snpOpcodeNames {
		index[name] = op
	}
	return index
}
