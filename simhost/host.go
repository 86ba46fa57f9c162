// Package simhost runs tick-based callbacks on an Akita serial engine.
//
// The generator and the reference home node only need a way to say "call
// me at tick T". Host provides that on top of Akita's discrete-event engine
// so the rest of the module does not depend on Akita's event types.
package simhost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/sarchlab/akita/v4/sim"
)

// Stats holds engine statistics.
type Stats struct {
	// Scheduled is the number of callbacks scheduled.
	Scheduled uint64
	// Handled is the number of callbacks run.
	Handled uint64
	// LastTick is the tick of the most recent callback.
	LastTick uint64
	// Dropped is the number of callbacks skipped after cancellation.
	Dropped uint64
}

type callbackEvent struct {
	*sim.EventBase
	tick uint64
	fn   func()
}

// Host adapts an Akita engine to tick-based scheduling.
type Host struct {
	engine sim.Engine
	freq   sim.Freq
	logger *slog.Logger
	stats  Stats

	// ctx is set while RunContext is running.
	ctx context.Context
}

// Option configures a Host.
type Option func(*Host)

// WithFreq sets the tick frequency. One tick is one cycle at freq.
func WithFreq(freq sim.Freq) Option {
	return func(h *Host) {
		h.freq = freq
	}
}

// WithEngine runs callbacks on engine instead of a fresh serial engine.
func WithEngine(engine sim.Engine) Option {
	return func(h *Host) {
		h.engine = engine
	}
}

// WithLogger traces every callback at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// New creates a Host. By default it owns a serial engine ticking at 1 GHz.
func New(opts ...Option) *Host {
	h := &Host{
		freq:   1 * sim.GHz,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.engine == nil {
		h.engine = sim.NewSerialEngine()
	}
	h.engine.AcceptHook(&eventTracer{host: h})

	return h
}

// Engine returns the underlying Akita engine.
func (h *Host) Engine() sim.Engine {
	return h.engine
}

// Freq returns the tick frequency.
func (h *Host) Freq() sim.Freq {
	return h.freq
}

// CurrentTick returns the engine's current time in ticks.
func (h *Host) CurrentTick() uint64 {
	return h.tickOf(h.engine.CurrentTime())
}

// Schedule runs fn at tick. Ticks in the past are not allowed by the engine;
// callers that accept user input check against CurrentTick first.
func (h *Host) Schedule(tick uint64, fn func()) {
	evt := &callbackEvent{
		EventBase: sim.NewEventBase(h.timeOf(tick), h),
		tick:      tick,
		fn:        fn,
	}
	h.stats.Scheduled++
	h.engine.Schedule(evt)
}

// Handle runs a scheduled callback.
func (h *Host) Handle(e sim.Event) error {
	evt, ok := e.(*callbackEvent)
	if !ok {
		return fmt.Errorf("simhost: unexpected event %T", e)
	}

	// Once cancelled, remaining events drain without running, so nothing
	// new is scheduled and the engine stops.
	if h.ctx != nil && h.ctx.Err() != nil {
		h.stats.Dropped++
		return nil
	}

	h.stats.Handled++
	h.stats.LastTick = evt.tick
	evt.fn()

	return nil
}

// Run processes events until none are left.
func (h *Host) Run() error {
	return h.engine.Run()
}

// RunContext is Run, except that callbacks stop running once ctx is done.
// It returns ctx.Err() if the run was cut short.
func (h *Host) RunContext(ctx context.Context) error {
	h.ctx = ctx
	defer func() { h.ctx = nil }()

	if err := h.engine.Run(); err != nil {
		return err
	}
	return ctx.Err()
}

// Stats returns engine statistics.
func (h *Host) Stats() Stats {
	return h.stats
}

func (h *Host) timeOf(tick uint64) sim.VTimeInSec {
	return sim.VTimeInSec(float64(tick) / float64(h.freq))
}

func (h *Host) tickOf(t sim.VTimeInSec) uint64 {
	return uint64(math.Round(float64(t) * float64(h.freq)))
}

// eventTracer logs the events the engine is about to handle.
type eventTracer struct {
	host *Host
}

func (t *eventTracer) Func(ctx sim.HookCtx) {
	if ctx.Pos != sim.HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(*callbackEvent)
	if !ok {
		return
	}

	t.host.logger.Debug("event", "tick", evt.tick)
}
