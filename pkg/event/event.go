// Package event defines the immutable event record that flows over the bus,
// the closed set of speech acts, and the tagged payload variant with its
// JSONL codec.
//
// Events are created by producers, sealed by the bus (which assigns seq and
// timestamps), and never mutated afterwards. One event serializes to exactly
// one JSONL line.
package event

// Role identifies the kind of participant that produced an event.
type Role string

// Participant roles.
const (
	RoleStrategist  Role = "strategist"
	RoleImplementer Role = "implementer"
	RoleTool        Role = "tool"
	RoleUser        Role = "user"
	RoleSystem      Role = "system"
)

// Act is the speech-act tag classifying what an event does.
type Act string

// The closed speech-act set. The JSONL codec rejects anything else.
const (
	ActSay          Act = "say"
	ActPropose      Act = "propose"
	ActAsk          Act = "ask"
	ActAnswer       Act = "answer"
	ActObserve      Act = "observe"
	ActPlan         Act = "plan"
	ActDecide       Act = "decide"
	ActToolInvoke   Act = "tool_invoke"
	ActToolChunk    Act = "tool_chunk"
	ActToolEnd      Act = "tool_end"
	ActInterrupt    Act = "interrupt"
	ActFloorGrant   Act = "floor_grant"
	ActFloorRelease Act = "floor_release"
	ActError        Act = "error"
	ActHeartbeat    Act = "heartbeat"
)

// Well-known stream names. Agent and tool streams are named at registration
// (e.g. "agent.strategist", "tool.shell.1").
const (
	StreamUser   = "user"
	StreamKernel = "system.kernel"
)

// Terminal turn statuses carried on floor_release and tool_end control
// payloads.
const (
	StatusCompleted = "completed"
	StatusPreempted = "preempted"
	StatusErrored   = "errored"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// Release reasons carried on floor_release control payloads.
const (
	ReasonByteBudget = "byte_budget"
	ReasonDeadline   = "deadline"
	ReasonUserInput  = "user_input"
	ReasonShutdown   = "shutdown"
	ReasonPolicy     = "policy_override"
)

// Event is one immutable record on the bus. Seq, EventTimeMS and WatermarkMS
// are assigned at bus append; everything else is set by the producer.
type Event struct {
	// Seq is strictly increasing and gap-free for the process lifetime.
	Seq uint64

	// EventTimeMS is the wall-clock production time in UTC milliseconds.
	EventTimeMS int64

	// WatermarkMS is the non-decreasing event-time watermark at append.
	// Always <= EventTimeMS + skew tolerance.
	WatermarkMS int64

	Role   Role
	Stream string

	// TurnID is the ULID of the turn that produced this event. Empty for
	// events produced outside any turn (user ingestion, kernel notices).
	TurnID string

	Act     Act
	Payload Payload

	// Final marks the last event of a turn.
	Final bool

	// ParentSeq links tool chunks and answers back to the invocation or
	// question they respond to.
	ParentSeq *uint64
}

// IsFloorExempt reports whether this event may be appended without its
// producer holding the floor.
func (e Event) IsFloorExempt() bool {
	switch e.Act {
	case ActInterrupt, ActHeartbeat, ActToolChunk, ActToolEnd:
		return true
	}
	return false
}

// validActs is used by the codec to reject unknown speech acts on decode.
var validActs = map[Act]bool{
	ActSay: true, ActPropose: true, ActAsk: true, ActAnswer: true,
	ActObserve: true, ActPlan: true, ActDecide: true,
	ActToolInvoke: true, ActToolChunk: true, ActToolEnd: true,
	ActInterrupt: true, ActFloorGrant: true, ActFloorRelease: true,
	ActError: true, ActHeartbeat: true,
}

// ValidAct reports whether a is one of the closed speech-act set.
func ValidAct(a Act) bool {
	return validActs[a]
}
