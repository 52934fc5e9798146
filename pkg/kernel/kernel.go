// Package kernel assembles the orchestrator: bus, stream registry, floor
// controller, turn runner, preemption mux, and tool shim, behind one facade
// that outer surfaces (HTTP, CLI) talk to.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-project/parley/pkg/agent"
	"github.com/parley-project/parley/pkg/bus"
	"github.com/parley-project/parley/pkg/config"
	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/floor"
	"github.com/parley-project/parley/pkg/masking"
	"github.com/parley-project/parley/pkg/preempt"
	"github.com/parley-project/parley/pkg/stream"
	"github.com/parley-project/parley/pkg/tool"
	"github.com/parley-project/parley/pkg/turn"
)

// MemoryPlane observes every event in order. Implementations feed external
// memory, summarization, or analytics; a slow plane lags and is resubscribed
// from its last seq rather than slowing producers.
type MemoryPlane interface {
	Observe(e event.Event)
}

// Kernel is the assembled orchestrator.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	bus    *bus.Bus
	reg    *stream.Registry
	mux    *preempt.Mux
	shim   *tool.Shim
	ctrl   *floor.Controller
	masker *masking.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a kernel from configuration. Scripted agents and exec tool
// adapters declared in cfg are registered; more can be added before Start.
func New(cfg *config.Config, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	masker := masking.NewService(cfg.Masking)
	b, err := bus.Open(cfg.RuntimeBus(), masker.Redactor())
	if err != nil {
		return nil, fmt.Errorf("failed to open event bus: %w", err)
	}

	reg := stream.NewRegistry(cfg.Tool.MaxStreams, logger)
	if err := reg.Register(event.StreamUser, event.RoleUser); err != nil {
		_ = b.Close()
		return nil, err
	}

	mux := preempt.NewMux(logger)
	shim := tool.NewShim(b, reg, cfg.RuntimeShim(), logger)
	for _, name := range cfg.Tool.Adapters {
		shim.RegisterAdapter(tool.NewExecAdapter(name))
	}

	runner := turn.NewRunner(b, shim, cfg.RuntimeTurn(), reg, logger)
	ctrl := floor.NewController(b, reg, runner, mux, cfg.RuntimeFloor(), logger)

	k := &Kernel{
		cfg:    cfg,
		logger: logger,
		bus:    b,
		reg:    reg,
		mux:    mux,
		shim:   shim,
		ctrl:   ctrl,
		masker: masker,
		done:   make(chan struct{}),
	}

	for _, a := range cfg.Agents {
		if err := k.RegisterAgent(scriptedFromConfig(a)); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	return k, nil
}

// scriptedFromConfig builds a scripted speaker from its YAML declaration.
func scriptedFromConfig(a config.AgentConfig) agent.Speaker {
	role := event.RoleStrategist
	if a.Role == "implementer" {
		role = event.RoleImplementer
	}
	turns := make([][]agent.Chunk, 0, len(a.Turns))
	for _, texts := range a.Turns {
		chunks := make([]agent.Chunk, 0, len(texts))
		for _, text := range texts {
			chunks = append(chunks, agent.Chunk{Text: text})
		}
		turns = append(turns, chunks)
	}
	return agent.NewScriptedSpeaker(a.Name, role, turns, time.Duration(a.DelayMS)*time.Millisecond)
}

// RegisterAgent admits a speaker before Start.
func (k *Kernel) RegisterAgent(sp agent.Speaker) error {
	return k.ctrl.RegisterSpeaker(sp)
}

// RegisterToolAdapter makes a tool available to agents.
func (k *Kernel) RegisterToolAdapter(a tool.Adapter) {
	k.shim.RegisterAdapter(a)
}

// Start launches the scheduling loop. It returns immediately; Stop tears
// everything down.
func (k *Kernel) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	go func() {
		defer close(k.done)
		if err := k.ctrl.Run(runCtx); err != nil {
			k.logger.Error("Floor controller exited with error", "error", err)
		}
	}()
	k.logger.Info("Kernel started")
}

// PostUser appends a user utterance and preempts any running turn. The
// event rides outside any turn (empty turn id).
func (k *Kernel) PostUser(text string) (event.Event, error) {
	sealed, err := k.bus.Append(event.Event{
		Role:    event.RoleUser,
		Stream:  event.StreamUser,
		Act:     event.ActSay,
		Payload: event.TextPayload{Text: text},
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to post user input: %w", err)
	}
	k.reg.Touch(event.StreamUser, sealed.WatermarkMS)
	k.mux.Signal(preempt.CauseUserInput)
	return sealed, nil
}

// PostObserve appends an observe event on the kernel stream. Memory planes
// use it to feed summaries back into the dialogue; like user interjections
// it rides outside any turn and does not touch the floor.
func (k *Kernel) PostObserve(text string) (event.Event, error) {
	return k.bus.Append(event.Event{
		Role:    event.RoleSystem,
		Stream:  event.StreamKernel,
		Act:     event.ActObserve,
		Payload: event.TextPayload{Text: text},
	})
}

// Override fires a policy-override preemption, cutting the current turn
// without posting content.
func (k *Kernel) Override() {
	k.mux.Signal(preempt.CausePolicyOverride)
}

// CancelTool kills one running tool stream.
func (k *Kernel) CancelTool(streamName string) error {
	return k.shim.Cancel(streamName)
}

// Subscribe opens a replaying subscription on the bus.
func (k *Kernel) Subscribe(opts bus.SubscribeOptions) (*bus.Subscription, error) {
	return k.bus.Subscribe(opts)
}

// Unsubscribe closes a subscription.
func (k *Kernel) Unsubscribe(sub *bus.Subscription) {
	k.bus.Unsubscribe(sub)
}

// Tail returns the most recent n events.
func (k *Kernel) Tail(n int) []event.Event {
	return k.bus.Tail(n)
}

// LastSeq returns the newest seq on the bus.
func (k *Kernel) LastSeq() uint64 {
	return k.bus.LastSeq()
}

// Watermark returns the current event-time watermark.
func (k *Kernel) Watermark() int64 {
	return k.bus.Watermark()
}

// Degraded reports whether persistence has failed and the bus is running
// memory-only.
func (k *Kernel) Degraded() bool {
	return k.bus.Degraded()
}

// Streams returns the registry snapshot.
func (k *Kernel) Streams() []stream.Info {
	return k.reg.Snapshot()
}

// AttachMemoryPlane streams every event (from seq 1 or the earliest
// retained) into mp on a dedicated goroutine until the kernel stops. A
// plane that falls behind is dropped as lagged and resubscribed from its
// last observed seq.
func (k *Kernel) AttachMemoryPlane(mp MemoryPlane) error {
	from := uint64(1)
	sub, err := k.bus.Subscribe(bus.SubscribeOptions{FromSeq: &from})
	if err != nil {
		return err
	}
	go func() {
		var last uint64
		for {
			for e := range sub.Events() {
				last = e.Seq
				mp.Observe(e)
			}
			if !errors.Is(sub.Err(), bus.ErrLagged) {
				return
			}
			next := last + 1
			k.logger.Warn("Memory plane lagged, resubscribing", "from_seq", next)
			resumed, err := k.bus.Subscribe(bus.SubscribeOptions{FromSeq: &next})
			if err != nil {
				k.logger.Error("Memory plane resubscribe failed", "error", err)
				return
			}
			sub = resumed
		}
	}()
	return nil
}

// Done closes when the control loop has exited, whether from a shutdown
// request or context cancellation.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// RequestShutdown signals the sticky shutdown preemption. The running turn
// releases with reason shutdown and no further turns start.
func (k *Kernel) RequestShutdown(reason string) {
	k.logger.Info("Shutdown requested", "reason", reason)
	k.mux.Signal(preempt.CauseShutdown)
}

// Stop shuts the kernel down: preempt, wait for the control loop within the
// timeout, kill tools, and close the bus (flushing the journal).
func (k *Kernel) Stop(timeout time.Duration) error {
	k.RequestShutdown("stop")

	select {
	case <-k.done:
	case <-time.After(timeout):
		k.logger.Warn("Floor controller did not stop in time, cancelling", "timeout", timeout)
		if k.cancel != nil {
			k.cancel()
		}
		select {
		case <-k.done:
		case <-time.After(time.Second):
		}
	}
	if k.cancel != nil {
		k.cancel()
	}

	k.shim.Close()
	err := k.bus.Close()
	k.logger.Info("Kernel stopped")
	return err
}
