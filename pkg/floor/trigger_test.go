package floor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/stream"
)

func testPolicy() Policy {
	return Policy{
		TMin:      400 * time.Millisecond,
		TMax:      8 * time.Second,
		TStarve:   30 * time.Second,
		Heartbeat: 5 * time.Second,
	}
}

func twoAgents() []stream.Info {
	return []stream.Info{
		{Name: "agent.implementer", Role: event.RoleImplementer, State: stream.StateIdle},
		{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateIdle},
	}
}

func TestDecideIsPure(t *testing.T) {
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.strategist",
		LastEventMS: 9_000,
	}
	first := Decide(testPolicy(), in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(testPolicy(), in), "identical inputs must yield identical decisions")
	}
}

func TestShutdownBeatsEverything(t *testing.T) {
	in := Inputs{
		Streams:           twoAgents(),
		ShutdownRequested: true,
		Window: []event.Event{
			{Seq: 5, Role: event.RoleUser, Act: event.ActSay},
		},
	}
	d := Decide(testPolicy(), in)
	assert.Equal(t, KindShutdown, d.Kind)
}

func TestAlternationPrefersOtherAgent(t *testing.T) {
	in := Inputs{NowMS: 10_000, Streams: twoAgents(), LastSpeaker: "agent.strategist"}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.implementer", d.Stream)
	assert.Equal(t, ReasonAlternation, d.Reason)

	in.LastSpeaker = "agent.implementer"
	d = Decide(testPolicy(), in)
	assert.Equal(t, "agent.strategist", d.Stream)
}

func TestSingleAgentKeepsFloor(t *testing.T) {
	in := Inputs{
		NowMS: 10_000,
		Streams: []stream.Info{
			{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateIdle},
		},
		LastSpeaker: "agent.strategist",
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.strategist", d.Stream)
}

func TestNoAgentsIdlesOrHeartbeats(t *testing.T) {
	d := Decide(testPolicy(), Inputs{NowMS: 1_000, LastEventMS: 900})
	assert.Equal(t, KindWait, d.Kind)

	d = Decide(testPolicy(), Inputs{NowMS: 10_000, LastEventMS: 1_000})
	assert.Equal(t, KindHeartbeat, d.Kind, "5s of silence produces a heartbeat")
}

func TestUserInputRoutesToOtherAgent(t *testing.T) {
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.implementer",
		HandledSeq:  4,
		Window: []event.Event{
			{Seq: 4, Role: event.RoleImplementer, Act: event.ActSay},
			{Seq: 5, Role: event.RoleUser, Stream: event.StreamUser, Act: event.ActSay},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.strategist", d.Stream)
	assert.Equal(t, ReasonUserReply, d.Reason)

	// The interrupted speaker is never regranted while its partner is
	// eligible.
	in.LastSpeaker = "agent.strategist"
	in.Window[0].Role = event.RoleStrategist
	d = Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.implementer", d.Stream)
	assert.Equal(t, ReasonUserReply, d.Reason)
}

func TestUserInputFallsBackToSoleAgent(t *testing.T) {
	in := Inputs{
		NowMS: 10_000,
		Streams: []stream.Info{
			{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateIdle},
		},
		LastSpeaker: "agent.strategist",
		HandledSeq:  4,
		Window: []event.Event{
			{Seq: 5, Role: event.RoleUser, Stream: event.StreamUser, Act: event.ActSay},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.strategist", d.Stream)
	assert.Equal(t, ReasonUserReply, d.Reason)
}

func TestHandledUserInputDoesNotRetrigger(t *testing.T) {
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.strategist",
		HandledSeq:  5,
		Window: []event.Event{
			{Seq: 5, Role: event.RoleUser, Stream: event.StreamUser, Act: event.ActSay},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, ReasonAlternation, d.Reason, "already-handled user input falls through to alternation")
}

func TestToolCompletionElevatesInvoker(t *testing.T) {
	parent := uint64(10)
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.implementer",
		HandledSeq:  11,
		Invokers:    map[uint64]string{10: "agent.implementer"},
		Window: []event.Event{
			{Seq: 12, Role: event.RoleTool, Act: event.ActToolEnd, ParentSeq: &parent},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.implementer", d.Stream, "elevation overrides alternation")
	assert.Equal(t, ReasonElevation, d.Reason)
}

func TestToolCompletionResolvesInvokerFromWindow(t *testing.T) {
	parent := uint64(10)
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.implementer",
		HandledSeq:  11,
		Window: []event.Event{
			{Seq: 10, Role: event.RoleImplementer, Stream: "agent.implementer", Act: event.ActToolInvoke},
			{Seq: 12, Role: event.RoleTool, Act: event.ActToolEnd, ParentSeq: &parent},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, ReasonElevation, d.Reason)
	assert.Equal(t, "agent.implementer", d.Stream)
}

func TestUserInputBeatsSimultaneousToolCompletion(t *testing.T) {
	parent := uint64(10)
	in := Inputs{
		NowMS:       10_000,
		Streams:     twoAgents(),
		LastSpeaker: "agent.implementer",
		HandledSeq:  11,
		Invokers:    map[uint64]string{10: "agent.implementer"},
		Window: []event.Event{
			{Seq: 12, Role: event.RoleTool, Act: event.ActToolEnd, ParentSeq: &parent},
			{Seq: 13, Role: event.RoleUser, Stream: event.StreamUser, Act: event.ActSay},
		},
	}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, ReasonUserReply, d.Reason)
	assert.Equal(t, "agent.strategist", d.Stream)
}

func TestStarvationBeatsAlternation(t *testing.T) {
	streams := []stream.Info{
		{Name: "agent.implementer", Role: event.RoleImplementer, State: stream.StateIdle, LastActiveMS: 90_000},
		{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateIdle, LastActiveMS: 10_000},
	}
	in := Inputs{NowMS: 100_000, Streams: streams, LastSpeaker: "agent.implementer"}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	// Alternation would pick the strategist anyway, but the reason records
	// starvation: it has waited 90s against a 30s threshold.
	assert.Equal(t, "agent.strategist", d.Stream)
	assert.Equal(t, ReasonStarvation, d.Reason)
}

func TestNeverGrantedAgentDoesNotStarve(t *testing.T) {
	streams := []stream.Info{
		{Name: "agent.implementer", Role: event.RoleImplementer, State: stream.StateIdle, LastActiveMS: 0},
		{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateIdle, LastActiveMS: 99_000},
	}
	in := Inputs{NowMS: 100_000, Streams: streams, LastSpeaker: "agent.strategist"}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, ReasonAlternation, d.Reason)
	assert.Equal(t, "agent.implementer", d.Stream)
}

func TestBackoffSuppressesEligibility(t *testing.T) {
	streams := twoAgents()
	streams[0].BackoffUntilMS = 20_000 // implementer backing off
	in := Inputs{NowMS: 10_000, Streams: streams, LastSpeaker: "agent.strategist"}
	d := Decide(testPolicy(), in)
	require.Equal(t, KindGrant, d.Kind)
	assert.Equal(t, "agent.strategist", d.Stream, "backed-off agent is skipped")

	// Once the backoff expires the implementer is preferred again.
	in.NowMS = 25_000
	d = Decide(testPolicy(), in)
	assert.Equal(t, "agent.implementer", d.Stream)
}

func TestDeadAndSpeakingStreamsAreIneligible(t *testing.T) {
	streams := []stream.Info{
		{Name: "agent.implementer", Role: event.RoleImplementer, State: stream.StateDead},
		{Name: "agent.strategist", Role: event.RoleStrategist, State: stream.StateSpeaking},
	}
	d := Decide(testPolicy(), Inputs{NowMS: 10_000, Streams: streams, LastEventMS: 9_999})
	assert.Equal(t, KindWait, d.Kind)
}
