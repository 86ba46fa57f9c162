// Package fabric provides a reference CHI home node that answers requests
// from generators so suites can be run end to end.
//
// The home node has a single fixed answer per request opcode. It tracks
// which requesters hold a line only to choose between granting UC and SC.
// It does not snoop.
package fabric

import (
	"io"
	"log/slog"
	"sync"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/config"
)

// Scheduler runs callbacks at simulated ticks.
type Scheduler interface {
	CurrentTick() uint64
	Schedule(tick uint64, fn func())
}

// Receiver accepts phases coming out of the home node.
type Receiver interface {
	Recv(payload chi.Payload, phase chi.Phase) error
}

// Stats holds home node statistics.
type Stats struct {
	Requests    uint64
	DataBeats   uint64
	Completions uint64
	CompAcks    uint64
	WriteBeats  uint64
	WritesDone  uint64
	Unsupported uint64
	Unexpected  uint64
}

// Option configures a HomeNode.
type Option func(*HomeNode)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HomeNode) {
		h.logger = logger
	}
}

// WithDBIDs sets the allocator for data buffer ids.
func WithDBIDs(seq *chi.Sequence) Option {
	return func(h *HomeNode) {
		h.dbids = seq
	}
}

// Port is the requester side of a connection to the home node.
type Port struct {
	home *HomeNode
	id   int
	recv Receiver
}

// Send hands a phase from the requester to the home node.
func (p *Port) Send(payload chi.Payload, phase chi.Phase) {
	p.home.accept(p, payload, phase)
}

// ID returns the connection index, which the directory uses to tell
// requesters apart.
func (p *Port) ID() int {
	return p.id
}

type ackWait struct {
	port *Port
	txn  uint16
}

type writeWait struct {
	port      *Port
	remaining int
}

// HomeNode answers requests after a fixed latency.
type HomeNode struct {
	cfg    config.HomeConfig
	sched  Scheduler
	dbids  *chi.Sequence
	logger *slog.Logger

	mu     sync.Mutex
	dir    *Directory
	ports  []*Port
	acks   map[uint16]ackWait
	writes map[uint16]*writeWait
	stats  Stats
}

// New creates a home node.
func New(cfg config.HomeConfig, sched Scheduler, opts ...Option) (*HomeNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &HomeNode{
		cfg:    cfg,
		sched:  sched,
		dbids:  chi.NewSequence(0),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		dir:    NewDirectory(cfg.Sets, cfg.Ways, cfg.LineSize),
		acks:   make(map[uint16]ackWait),
		writes: make(map[uint16]*writeWait),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Connect attaches a requester. Responses to requests sent through the
// returned port go to r.
func (h *HomeNode) Connect(r Receiver) *Port {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &Port{home: h, id: len(h.ports), recv: r}
	h.ports = append(h.ports, p)
	return p
}

// Directory returns the directory of granted lines.
func (h *HomeNode) Directory() *Directory {
	return h.dir
}

// Stats returns home node statistics.
func (h *HomeNode) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Outstanding returns the number of CompAcks and write data transfers the
// home node is still waiting for.
func (h *HomeNode) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acks) + len(h.writes)
}

func (h *HomeNode) accept(p *Port, payload chi.Payload, ph chi.Phase) {
	h.logger.Debug("home rcvd",
		"port", p.id,
		"tick", h.sched.CurrentTick(),
		"phase", chi.Describe(payload, ph))

	switch ph.Channel {
	case chi.ChannelREQ:
		h.serve(p, payload, ph)
	case chi.ChannelRSP:
		if ph.Is(chi.RspCompAck) {
			h.completeAck(ph)
			return
		}
		h.unexpected(p, ph)
	case chi.ChannelDAT:
		h.collectWrite(p, ph)
	default:
		h.unexpected(p, ph)
	}
}

func (h *HomeNode) serve(p *Port, payload chi.Payload, req chi.Phase) {
	h.mu.Lock()
	h.stats.Requests++
	addr := payload.Address()

	switch chi.ReqOpcode(req.Opcode) {
	case chi.ReqReadShared, chi.ReqReadClean, chi.ReqReadNotSharedDty:
		resp := h.dir.GrantShared(addr, p.id)
		h.mu.Unlock()
		h.sendData(p, payload, req, resp)

	case chi.ReqReadUnique, chi.ReqReadPreferUnique:
		resp := h.dir.GrantUnique(addr, p.id)
		h.mu.Unlock()
		h.sendData(p, payload, req, resp)

	case chi.ReqReadOnce, chi.ReqReadNoSnp:
		h.mu.Unlock()
		h.sendData(p, payload, req, chi.RespI)

	case chi.ReqCleanUnique, chi.ReqMakeUnique:
		resp := h.dir.GrantUnique(addr, p.id)
		h.mu.Unlock()
		h.sendComp(p, payload, req, chi.RspComp, resp, chi.RespErrOK)

	case chi.ReqEvict:
		h.dir.Release(addr, p.id)
		h.mu.Unlock()
		h.sendComp(p, payload, req, chi.RspComp, chi.RespI, chi.RespErrOK)

	case chi.ReqCleanShared:
		h.mu.Unlock()
		h.sendComp(p, payload, req, chi.RspComp, chi.RespI, chi.RespErrOK)

	case chi.ReqCleanInvalid, chi.ReqMakeInvalid:
		h.dir.Invalidate(addr)
		h.mu.Unlock()
		h.sendComp(p, payload, req, chi.RspComp, chi.RespI, chi.RespErrOK)

	case chi.ReqWriteBackFull, chi.ReqWriteBackPtl,
		chi.ReqWriteCleanFull, chi.ReqWriteEvictFull:
		h.dir.Release(addr, p.id)
		h.mu.Unlock()
		h.sendWriteGrant(p, payload, req)

	case chi.ReqWriteUniqueFull, chi.ReqWriteUniquePtl,
		chi.ReqWriteNoSnpFull, chi.ReqWriteNoSnpPtl:
		h.dir.Invalidate(addr)
		h.mu.Unlock()
		h.sendWriteGrant(p, payload, req)

	default:
		h.stats.Unsupported++
		h.mu.Unlock()
		h.logger.Warn("unsupported request", "port", p.id, "opcode", req.OpcodeName())
		h.sendComp(p, payload, req, chi.RspComp, chi.RespI, chi.RespErrNDERR)
	}
}

// beats returns the number of data beats a payload takes and the DataID of
// the first one. DataID counts 16-byte chunks of the line.
func (h *HomeNode) beats(payload chi.Payload) (count int, first uint8) {
	width := h.cfg.DataWidth
	count = payload.Size().Bytes() / width
	if count == 0 {
		count = 1
	}

	offset := int(payload.Address() % uint64(h.cfg.LineSize))
	first = uint8((offset / width) * (width / 16))
	return count, first
}

func (h *HomeNode) response(req chi.Phase) chi.Phase {
	return chi.Phase{
		TxnID: req.TxnID,
		SrcID: h.cfg.NodeID,
		TgtID: req.SrcID,
		QoS:   req.QoS,
	}
}

// allocDBID takes a data buffer id and, when the requester will
// acknowledge, remembers who to expect the CompAck from.
func (h *HomeNode) allocDBID(p *Port, req chi.Phase) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()

	dbid := h.dbids.Next()
	if req.ExpCompAck {
		h.acks[dbid] = ackWait{port: p, txn: req.TxnID}
	}
	return dbid
}

func (h *HomeNode) sendData(p *Port, payload chi.Payload, req chi.Phase, resp chi.Resp) {
	dbid := h.allocDBID(p, req)
	count, first := h.beats(payload)
	step := uint8(h.cfg.DataWidth / 16)
	base := h.sched.CurrentTick() + h.cfg.RequestLatency

	for i := 0; i < count; i++ {
		ph := h.response(req)
		ph.SetOpcode(chi.DatCompData)
		ph.DBID = dbid
		ph.Resp = resp
		ph.DataID = first + uint8(i)*step

		h.deliver(p, payload, ph, base+uint64(i)*h.cfg.BeatInterval)
	}

	h.mu.Lock()
	h.stats.DataBeats += uint64(count)
	h.mu.Unlock()
}

func (h *HomeNode) sendComp(
	p *Port,
	payload chi.Payload,
	req chi.Phase,
	op chi.RspOpcode,
	resp chi.Resp,
	respErr chi.RespErr,
) {
	ph := h.response(req)
	ph.SetOpcode(op)
	ph.DBID = h.allocDBID(p, req)
	ph.Resp = resp
	ph.RespErr = respErr

	h.mu.Lock()
	h.stats.Completions++
	h.mu.Unlock()

	h.deliver(p, payload, ph, h.sched.CurrentTick()+h.cfg.RequestLatency)
}

// sendWriteGrant answers a write with CompDBIDResp and waits for the data
// beats on the returned DBID.
func (h *HomeNode) sendWriteGrant(p *Port, payload chi.Payload, req chi.Phase) {
	count, _ := h.beats(payload)

	ph := h.response(req)
	ph.SetOpcode(chi.RspCompDBIDResp)
	ph.DBID = h.allocDBID(p, req)
	ph.Resp = chi.RespI

	h.mu.Lock()
	h.writes[ph.DBID] = &writeWait{port: p, remaining: count}
	h.stats.Completions++
	h.mu.Unlock()

	h.deliver(p, payload, ph, h.sched.CurrentTick()+h.cfg.RequestLatency)
}

func (h *HomeNode) completeAck(ph chi.Phase) {
	h.mu.Lock()
	w, ok := h.acks[ph.TxnID]
	if ok {
		delete(h.acks, ph.TxnID)
		h.stats.CompAcks++
	} else {
		h.stats.Unexpected++
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("CompAck for unknown DBID", "dbid", ph.TxnID)
		return
	}
	h.logger.Debug("transaction acknowledged", "port", w.port.id, "txn_id", w.txn, "dbid", ph.TxnID)
}

func (h *HomeNode) collectWrite(p *Port, ph chi.Phase) {
	h.mu.Lock()
	w, ok := h.writes[ph.TxnID]
	if !ok || w.port != p {
		h.mu.Unlock()
		h.unexpected(p, ph)
		return
	}

	h.stats.WriteBeats++
	w.remaining--
	if w.remaining == 0 {
		delete(h.writes, ph.TxnID)
		h.stats.WritesDone++
	}
	h.mu.Unlock()
}

func (h *HomeNode) unexpected(p *Port, ph chi.Phase) {
	h.mu.Lock()
	h.stats.Unexpected++
	h.mu.Unlock()

	h.logger.Warn("unexpected phase at home node", "port", p.id, "phase", ph.String())
}

func (h *HomeNode) deliver(p *Port, payload chi.Payload, ph chi.Phase, tick uint64) {
	h.sched.Schedule(tick, func() {
		h.logger.Debug("home send",
			"port", p.id,
			"tick", tick,
			"phase", chi.Describe(payload, ph))

		if err := p.recv.Recv(payload, ph); err != nil {
			h.logger.Warn("requester rejected phase", "port", p.id, "err", err)
		}
	})
}
