// Package generator provides the traffic generator that injects CHI
// transactions at chosen ticks and routes the phases coming back to the
// step chains verifying them.
//
// A Generator owns the transactions it issued. It never interprets phases
// itself: arrivals are matched to a transaction by txn id and handed to
// that transaction's chain, and the phases the chain asks to send are
// forwarded to the port.
//
//	+-----------+  Send   +--------+
//	|           |-------->|        |
//	| Generator |         | Fabric |
//	|           |<--------|        |
//	+-----------+  Recv   +--------+
package generator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/txn"
)

var (
	// ErrInvalidSchedule is returned when an injection is requested at a
	// tick that is not in the future.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrUntracked is returned when a phase arrives whose txn id matches no
	// transaction of the generator.
	ErrUntracked = errors.New("untracked transaction")

	// ErrNoPort is returned when a generator sends before a port is attached.
	ErrNoPort = errors.New("no port attached")
)

// Scheduler runs callbacks at simulated ticks.
type Scheduler interface {
	CurrentTick() uint64
	Schedule(tick uint64, fn func())
}

// Port carries phases from the generator into the fabric.
type Port interface {
	Send(payload chi.Payload, phase chi.Phase)
}

// Stats holds generator statistics.
type Stats struct {
	Injected   uint64
	Sent       uint64
	Received   uint64
	Untracked  uint64
	Violations uint64
	TimedOut   uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithSequence sets the allocator for txn ids. Generators sharing a fabric
// with overlapping ids is fine as long as the fabric routes by port.
func WithSequence(seq *chi.Sequence) Option {
	return func(g *Generator) {
		g.txnIDs = seq
	}
}

// WithLogger sets the logger for send/receive traces.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// Generator issues transactions for one endpoint.
type Generator struct {
	id     int
	sched  Scheduler
	txnIDs *chi.Sequence
	logger *slog.Logger

	mu       sync.Mutex
	port     Port
	nextSeq  uint64
	all      []*txn.Transaction
	pending  map[uint16]*txn.Transaction
	finished map[uint16]*txn.Transaction
	stats    Stats
}

// New creates a generator for endpoint id driven by sched.
func New(id int, sched Scheduler, opts ...Option) *Generator {
	g := &Generator{
		id:       id,
		sched:    sched,
		txnIDs:   chi.NewSequence(0),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:  make(map[uint16]*txn.Transaction),
		finished: make(map[uint16]*txn.Transaction),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// ID returns the endpoint id.
func (g *Generator) ID() int {
	return g.id
}

// Attach connects the generator to the fabric.
func (g *Generator) Attach(port Port) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.port = port
}

// InjectAt schedules a transaction to be sent at tick. The returned handle
// is pending; steps can be added to it until it is injected. The phase's
// txn id is replaced with the next id of the generator's sequence.
func (g *Generator) InjectAt(tick uint64, payload chi.Payload, phase chi.Phase) (*txn.Transaction, error) {
	now := g.sched.CurrentTick()
	if tick <= now {
		return nil, fmt.Errorf("%w: tick %d is not after current tick %d",
			ErrInvalidSchedule, tick, now)
	}

	g.mu.Lock()
	phase.TxnID = g.txnIDs.Next()
	t, err := txn.New(txn.ID{Generator: g.id, Seq: g.nextSeq}, payload, phase)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.nextSeq++
	g.all = append(g.all, t)
	g.mu.Unlock()

	g.sched.Schedule(tick, func() { g.inject(t) })

	return t, nil
}

func (g *Generator) inject(t *txn.Transaction) {
	if t.Outcome().Status.Terminal() {
		return
	}

	t.Start(g.sched.CurrentTick())
	phase := t.Phase()

	g.mu.Lock()
	g.stats.Injected++
	if t.HasSteps() {
		if prev, ok := g.pending[phase.TxnID]; ok {
			g.logger.Warn("txn id reused while in flight",
				"gen", g.id, "txn_id", phase.TxnID, "prev", prev.ID().String())
		}
		g.pending[phase.TxnID] = t
	}
	g.mu.Unlock()

	if err := g.InjectFollowup(t, phase); err != nil {
		g.logger.Error("inject failed", "gen", g.id, "txn", t.ID().String(), "err", err)
	}
}

// InjectFollowup sends phase on behalf of t now. DO steps use it through
// the commands their chain returns.
func (g *Generator) InjectFollowup(t *txn.Transaction, phase chi.Phase) error {
	g.mu.Lock()
	port := g.port
	if port != nil {
		g.stats.Sent++
	}
	g.mu.Unlock()

	if port == nil {
		return ErrNoPort
	}

	g.logger.Debug("send",
		"gen", g.id,
		"tick", g.sched.CurrentTick(),
		"txn", t.ID().String(),
		"phase", chi.Describe(t.Payload(), phase))

	port.Send(t.Payload(), phase)
	return nil
}

// Recv delivers an arrived phase to the transaction it belongs to and
// sends whatever the step chain asks for.
func (g *Generator) Recv(payload chi.Payload, phase chi.Phase) error {
	now := g.sched.CurrentTick()
	g.logger.Debug("rcvd",
		"gen", g.id,
		"tick", now,
		"phase", chi.Describe(payload, phase))

	g.mu.Lock()
	g.stats.Received++
	t, ok := g.pending[phase.TxnID]
	if !ok {
		t, ok = g.finished[phase.TxnID]
	}
	if !ok {
		g.stats.Untracked++
		g.mu.Unlock()
		g.logger.Warn("transaction untested", "gen", g.id, "txn_id", phase.TxnID)
		return fmt.Errorf("%w: txn id %d on generator %d", ErrUntracked, phase.TxnID, g.id)
	}
	g.mu.Unlock()

	cmds, err := t.Deliver(now, phase)
	if err != nil {
		g.mu.Lock()
		g.stats.Violations++
		g.mu.Unlock()
		g.logger.Warn("arrival after terminal outcome", "gen", g.id, "txn", t.ID().String(), "err", err)
		return err
	}

	g.retire(phase.TxnID, t)

	for _, cmd := range cmds {
		if err := g.InjectFollowup(cmd.Txn, cmd.Phase); err != nil {
			return err
		}
	}

	return nil
}

// retire moves a terminal transaction out of the pending map. It stays
// reachable by txn id so late arrivals are reported as violations.
func (g *Generator) retire(txnID uint16, t *txn.Transaction) {
	if !t.Outcome().Status.Terminal() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[txnID] == t {
		delete(g.pending, txnID)
	}
	g.finished[txnID] = t
}

// Expire times out every transaction that has not reached an outcome by
// tick, including ones not injected yet. It returns how many were timed
// out.
func (g *Generator) Expire(tick uint64) int {
	g.mu.Lock()
	all := append([]*txn.Transaction(nil), g.all...)
	g.mu.Unlock()

	expired := 0
	for _, t := range all {
		if t.Timeout(tick) {
			expired++
			g.logger.Info("transaction timed out",
				"gen", g.id, "txn", t.ID().String(), "step", t.Outcome().Step)
		}
	}

	g.mu.Lock()
	for id, t := range g.pending {
		delete(g.pending, id)
		g.finished[id] = t
	}
	g.stats.TimedOut += uint64(expired)
	g.mu.Unlock()

	return expired
}

// Transactions returns every transaction issued, in issue order.
func (g *Generator) Transactions() []*txn.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*txn.Transaction(nil), g.all...)
}

// Pending returns the number of injected transactions still waiting for
// arrivals.
func (g *Generator) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stats returns generator statistics.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Passed reports whether every transaction passed. Like the end-of-run
// check of a suite, transactions still pending count as not passed.
func (g *Generator) Passed() bool {
	for _, t := range g.Transactions() {
		if t.Outcome().Status != txn.StatusPassed {
			return false
		}
	}
	return true
}
