package floor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-project/parley/pkg/agent"
	"github.com/parley-project/parley/pkg/bus"
	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/preempt"
	"github.com/parley-project/parley/pkg/stream"
	"github.com/parley-project/parley/pkg/turn"
)

// triggerWindow is how many tail events feed each decision.
const triggerWindow = 64

const (
	// errorBackoff keeps a stream off the floor after an errored turn.
	errorBackoff = time.Second
	// maxConsecutiveErrors kills a stream that cannot complete a turn.
	maxConsecutiveErrors = 3
)

// Controller runs the scheduling loop: observe the bus, decide, execute.
// Turns run inline; preemption reaches a running turn through the mux, not
// through the controller, so the loop can block on runner.Run safely.
type Controller struct {
	bus    *bus.Bus
	reg    *stream.Registry
	runner *turn.Runner
	mux    *preempt.Mux
	policy Policy
	logger *slog.Logger

	mu          sync.Mutex
	speakers    map[string]agent.Speaker
	lastSpeaker string
	// handledSeq is the grant seq of the most recent turn; only events
	// after it can trigger a new decision.
	handledSeq uint64
	invokers   map[uint64]string
	failures   map[string]int
}

// NewController wires the scheduling loop. Speakers are registered
// separately before Run.
func NewController(b *bus.Bus, reg *stream.Registry, runner *turn.Runner, mux *preempt.Mux, p Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		bus:      b,
		reg:      reg,
		runner:   runner,
		mux:      mux,
		policy:   p,
		logger:   logger,
		speakers: make(map[string]agent.Speaker),
		invokers: make(map[uint64]string),
		failures: make(map[string]int),
	}
}

// RegisterSpeaker admits an agent stream to scheduling.
func (c *Controller) RegisterSpeaker(sp agent.Speaker) error {
	if err := c.reg.Register(sp.Name(), sp.Role()); err != nil {
		return err
	}
	c.mu.Lock()
	c.speakers[sp.Name()] = sp
	c.mu.Unlock()
	c.logger.Info("Speaker registered", "stream", sp.Name(), "role", string(sp.Role()))
	return nil
}

// Run executes the scheduling loop until ctx is cancelled, shutdown is
// signalled, or the bus closes.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Floor controller started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.allAgentsDead() {
			c.logger.Error("All agent streams dead, stopping")
			_, _ = c.bus.Append(event.Event{
				Role:    event.RoleSystem,
				Stream:  event.StreamKernel,
				Act:     event.ActError,
				Payload: event.ErrorPayload{Message: "all agent streams dead"},
			})
			return errors.New("all agent streams dead")
		}

		d := Decide(c.policy, c.observe(ctx))
		switch d.Kind {
		case KindShutdown:
			c.logger.Info("Floor controller stopping", "reason", "shutdown")
			return nil
		case KindGrant:
			c.runTurn(ctx, d)
		case KindHeartbeat:
			if !c.heartbeat() {
				return nil
			}
		case KindWait:
			if !c.wait(ctx) {
				return nil
			}
		}
	}
}

// observe builds decision inputs from the bus tail and registry snapshot,
// and keeps the invoker map current.
func (c *Controller) observe(ctx context.Context) Inputs {
	window := c.bus.Tail(triggerWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range window {
		if e.Act == event.ActToolInvoke {
			c.invokers[e.Seq] = e.Stream
		}
	}
	// Bindings for tools whose end fell out of the window are stale.
	if len(window) > 0 && len(c.invokers) > 4*triggerWindow {
		floor := window[0].Seq
		for seq := range c.invokers {
			if seq < floor {
				delete(c.invokers, seq)
			}
		}
	}

	var lastEventMS int64
	if len(window) > 0 {
		lastEventMS = window[len(window)-1].WatermarkMS
	}

	return Inputs{
		NowMS:             time.Now().UnixMilli(),
		Window:            window,
		Streams:           c.reg.Snapshot(),
		LastSpeaker:       c.lastSpeaker,
		HandledSeq:        c.handledSeq,
		Invokers:          c.invokers,
		LastEventMS:       lastEventMS,
		ShutdownRequested: c.mux.ShutdownRequested() || ctx.Err() != nil,
	}
}

// runTurn executes one granted turn and applies the minimum grant spacing.
func (c *Controller) runTurn(ctx context.Context, d Decision) {
	c.mu.Lock()
	sp, ok := c.speakers[d.Stream]
	c.mu.Unlock()
	if !ok {
		c.logger.Error("Granted stream has no speaker", "stream", d.Stream)
		c.reg.Reap(d.Stream)
		return
	}

	c.mux.Reset()
	turnCtx := c.mux.Derive(ctx)

	started := time.Now()
	_ = c.reg.SetState(d.Stream, stream.StateSpeaking)
	res, err := c.runner.Run(turnCtx, turn.Request{
		Speaker:      sp,
		View:         c.bus,
		GrantReason:  d.Reason,
		PreemptCause: c.preemptReason,
	})
	_ = c.reg.SetState(d.Stream, stream.StateIdle)
	c.reg.Touch(d.Stream, c.bus.Watermark())

	if res.Status == event.StatusPreempted {
		if at := c.mux.FiredAt(); !at.IsZero() {
			latency := time.Since(at)
			if c.policy.PreemptTarget > 0 && latency > c.policy.PreemptTarget {
				c.logger.Warn("Preemption propagated over target",
					"turn_id", res.TurnID, "latency_ms", latency.Milliseconds(),
					"target_ms", c.policy.PreemptTarget.Milliseconds())
			}
		}
	}

	c.mu.Lock()
	c.lastSpeaker = d.Stream
	if res.GrantSeq > c.handledSeq {
		c.handledSeq = res.GrantSeq
	}
	c.mu.Unlock()

	if res.Status == event.StatusErrored {
		c.recordFailure(d.Stream)
	} else {
		c.mu.Lock()
		delete(c.failures, d.Stream)
		c.mu.Unlock()
	}

	if err != nil {
		if errors.Is(err, bus.ErrBusClosed) {
			return
		}
		c.logger.Error("Turn failed", "stream", d.Stream, "turn_id", res.TurnID, "error", err)
	}

	// Pause T_quiet after the release, extended so consecutive grant starts
	// are at least T_min apart.
	pause := c.policy.TQuiet
	if held := time.Since(started); c.policy.TMin > held && c.policy.TMin-held > pause {
		pause = c.policy.TMin - held
	}
	if pause > 0 {
		select {
		case <-time.After(pause):
		case <-ctx.Done():
		}
	}
}

// recordFailure backs the stream off and marks it dead after repeated
// errored turns.
func (c *Controller) recordFailure(name string) {
	c.mu.Lock()
	c.failures[name]++
	count := c.failures[name]
	c.mu.Unlock()

	if count >= maxConsecutiveErrors {
		_ = c.reg.SetState(name, stream.StateDead)
		c.logger.Error("Stream marked dead after repeated errors",
			"stream", name, "consecutive_errors", count)
		return
	}
	c.reg.Backoff(name, time.Now().Add(errorBackoff).UnixMilli())
	c.logger.Warn("Stream backed off after errored turn",
		"stream", name, "consecutive_errors", count, "backoff", errorBackoff)
}

// allAgentsDead reports whether every registered speaker's stream is dead.
// False when no speakers are registered: an idle kernel just heartbeats.
func (c *Controller) allAgentsDead() bool {
	c.mu.Lock()
	n := len(c.speakers)
	c.mu.Unlock()
	if n == 0 {
		return false
	}
	agents := c.reg.Agents()
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if a.State != stream.StateDead {
			return false
		}
	}
	return true
}

// preemptReason maps the mux cause to a floor_release reason.
func (c *Controller) preemptReason() string {
	switch c.mux.Cause() {
	case preempt.CausePolicyOverride:
		return event.ReasonPolicy
	case preempt.CauseShutdown:
		return event.ReasonShutdown
	default:
		return event.ReasonUserInput
	}
}

// heartbeat appends a liveness event. Returns false once the bus is closed.
func (c *Controller) heartbeat() bool {
	_, err := c.bus.Append(event.Event{
		Role:    event.RoleSystem,
		Stream:  event.StreamKernel,
		Act:     event.ActHeartbeat,
		Payload: event.HeartbeatPayload{},
	})
	if err != nil {
		if errors.Is(err, bus.ErrBusClosed) {
			return false
		}
		c.logger.Error("Heartbeat append failed", "error", err)
	}
	return true
}

// wait blocks until new events arrive or the heartbeat interval elapses.
// Returns false when the loop should exit.
func (c *Controller) wait(ctx context.Context) bool {
	interval := c.policy.Heartbeat
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTimer(interval)
	defer t.Stop()

	select {
	case _, ok := <-c.bus.Notifications():
		return ok
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
