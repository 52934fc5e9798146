package floor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-project/parley/pkg/agent"
	"github.com/parley-project/parley/pkg/bus"
	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/preempt"
	"github.com/parley-project/parley/pkg/stream"
	"github.com/parley-project/parley/pkg/turn"
)

type harness struct {
	bus  *bus.Bus
	reg  *stream.Registry
	mux  *preempt.Mux
	ctrl *Controller

	done chan struct{}
}

func newHarness(t *testing.T, p Policy) *harness {
	t.Helper()
	b, err := bus.Open(bus.Config{
		QueueDepth:           1024,
		SubscriberQueueDepth: 256,
		SkewTolerance:        50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	reg := stream.NewRegistry(4, nil)
	mux := preempt.NewMux(nil)
	runner := turn.NewRunner(b, nil, turn.Config{
		FlushBytes: 256,
		FlushEvery: 20 * time.Millisecond,
		ByteBudget: 64 << 10,
		Deadline:   2 * time.Second,
		Grace:      100 * time.Millisecond,
	}, reg, nil)

	return &harness{
		bus:  b,
		reg:  reg,
		mux:  mux,
		ctrl: NewController(b, reg, runner, mux, p, nil),
		done: make(chan struct{}),
	}
}

func (h *harness) start(ctx context.Context) {
	go func() {
		defer close(h.done)
		_ = h.ctrl.Run(ctx)
	}()
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func grantsByStream(events []event.Event) map[string][]event.Event {
	out := make(map[string][]event.Event)
	for _, e := range events {
		if e.Act == event.ActFloorGrant {
			out[e.Stream] = append(out[e.Stream], e)
		}
	}
	return out
}

func TestControllerAlternatesBetweenAgents(t *testing.T) {
	h := newHarness(t, Policy{TMin: 5 * time.Millisecond, TStarve: time.Minute, Heartbeat: time.Minute})

	require.NoError(t, h.ctrl.RegisterSpeaker(agent.NewScriptedSpeaker(
		"agent.strategist", event.RoleStrategist,
		[][]agent.Chunk{{{Text: "plan", Act: event.ActPlan}}}, 0)))
	require.NoError(t, h.ctrl.RegisterSpeaker(agent.NewScriptedSpeaker(
		"agent.implementer", event.RoleImplementer,
		[][]agent.Chunk{{{Text: "do"}}}, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	// Let a handful of turns run, then stop.
	time.Sleep(300 * time.Millisecond)
	h.mux.Signal(preempt.CauseShutdown)
	h.waitDone(t)
	cancel()

	events := h.bus.Tail(1024)
	grants := grantsByStream(events)
	assert.GreaterOrEqual(t, len(grants["agent.strategist"]), 2)
	assert.GreaterOrEqual(t, len(grants["agent.implementer"]), 2)

	// Grants strictly alternate and every grant has a matching release with
	// the same turn id.
	var lastGrantStream string
	releases := make(map[string]bool)
	for _, e := range events {
		switch e.Act {
		case event.ActFloorGrant:
			assert.NotEqual(t, lastGrantStream, e.Stream, "consecutive grants must alternate")
			lastGrantStream = e.Stream
		case event.ActFloorRelease:
			releases[e.TurnID] = true
		}
	}
	for _, list := range grants {
		for _, g := range list {
			assert.True(t, releases[g.TurnID], "grant %s has no release", g.TurnID)
		}
	}
}

func TestControllerUserInputPreemptsAndRoutesToStrategist(t *testing.T) {
	h := newHarness(t, Policy{TMin: 5 * time.Millisecond, TStarve: time.Minute, Heartbeat: time.Minute})

	// The implementer talks slowly so the user can interject mid-turn.
	require.NoError(t, h.ctrl.RegisterSpeaker(agent.NewScriptedSpeaker(
		"agent.strategist", event.RoleStrategist,
		[][]agent.Chunk{{{Text: "noted"}}}, 0)))
	slow := make([]agent.Chunk, 50)
	for i := range slow {
		slow[i] = agent.Chunk{Text: "rambling on "}
	}
	require.NoError(t, h.ctrl.RegisterSpeaker(agent.NewScriptedSpeaker(
		"agent.implementer", event.RoleImplementer,
		[][]agent.Chunk{slow}, 20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	time.Sleep(100 * time.Millisecond)

	// Post user input the way the kernel does: append, then preempt.
	_, err := h.bus.Append(event.Event{
		Role:    event.RoleUser,
		Stream:  event.StreamUser,
		Act:     event.ActSay,
		Payload: event.TextPayload{Text: "wait, stop"},
	})
	require.NoError(t, err)
	h.mux.Signal(preempt.CauseUserInput)

	// Give the controller time to preempt and grant the reply turn.
	deadline := time.Now().Add(3 * time.Second)
	var replyGrant *event.Event
	for time.Now().Before(deadline) && replyGrant == nil {
		for _, e := range h.bus.Tail(1024) {
			if e.Act == event.ActFloorGrant {
				if p, ok := e.Payload.(event.ControlPayload); ok && p.Reason == ReasonUserReply {
					g := e
					replyGrant = &g
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.mux.Signal(preempt.CauseShutdown)
	h.waitDone(t)

	require.NotNil(t, replyGrant, "no user_reply grant appeared")
	assert.Equal(t, "agent.strategist", replyGrant.Stream)

	// Some release records the preemption.
	preempted := false
	for _, e := range h.bus.Tail(1024) {
		if e.Act == event.ActFloorRelease {
			if p, ok := e.Payload.(event.ControlPayload); ok && p.Status == event.StatusPreempted {
				preempted = true
			}
		}
	}
	assert.True(t, preempted, "the interrupted turn must release as preempted")
}

func TestControllerHeartbeatsWhenNoAgents(t *testing.T) {
	h := newHarness(t, Policy{TMin: time.Millisecond, Heartbeat: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	h.waitDone(t)

	beats := 0
	for _, e := range h.bus.Tail(1024) {
		if e.Act == event.ActHeartbeat {
			beats++
			assert.Equal(t, event.StreamKernel, e.Stream)
		}
	}
	assert.GreaterOrEqual(t, beats, 2, "an idle kernel emits heartbeats")
}

// failingSpeaker errors on every turn.
type failingSpeaker struct {
	name string
	role event.Role
}

func (s *failingSpeaker) Name() string     { return s.name }
func (s *failingSpeaker) Role() event.Role { return s.role }
func (s *failingSpeaker) Speak(ctx context.Context, req agent.SpeakRequest, out chan<- agent.Chunk) {
	defer close(out)
	select {
	case out <- agent.Chunk{Err: errors.New("model offline")}:
	case <-ctx.Done():
	}
}

func TestControllerKillsStreamAfterRepeatedErrorsAndStops(t *testing.T) {
	if testing.Short() {
		t.Skip("waits through error backoffs")
	}
	h := newHarness(t, Policy{TMin: time.Millisecond, TStarve: time.Minute, Heartbeat: 20 * time.Millisecond})
	require.NoError(t, h.ctrl.RegisterSpeaker(&failingSpeaker{
		name: "agent.strategist", role: event.RoleStrategist}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)
	h.waitDone(t)

	errored := 0
	fatal := false
	for _, e := range h.bus.Tail(4096) {
		if e.Act == event.ActFloorRelease {
			if p, ok := e.Payload.(event.ControlPayload); ok && p.Status == event.StatusErrored {
				errored++
			}
		}
		if e.Act == event.ActError && e.Stream == event.StreamKernel {
			if p, ok := e.Payload.(event.ErrorPayload); ok && p.Message == "all agent streams dead" {
				fatal = true
			}
		}
	}
	assert.Equal(t, maxConsecutiveErrors, errored, "each failure releases errored before the stream dies")
	assert.True(t, fatal, "the controller reports why it stopped")

	for _, info := range h.reg.Snapshot() {
		if info.Name == "agent.strategist" {
			assert.Equal(t, stream.StateDead, info.State)
		}
	}
}

func TestControllerShutdownStopsBeforeNextGrant(t *testing.T) {
	h := newHarness(t, Policy{TMin: time.Millisecond, TStarve: time.Minute, Heartbeat: time.Minute})
	require.NoError(t, h.ctrl.RegisterSpeaker(agent.NewScriptedSpeaker(
		"agent.strategist", event.RoleStrategist,
		[][]agent.Chunk{{{Text: "x"}}}, 0)))

	h.mux.Signal(preempt.CauseShutdown)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)
	h.waitDone(t)

	for _, e := range h.bus.Tail(1024) {
		assert.NotEqual(t, event.ActFloorGrant, e.Act, "no grant after shutdown was signalled")
	}
}
