package agent

import (
	"context"

	"github.com/parley-project/parley/pkg/event"
)

// Chunk is one unit of speaker output. Exactly one of Text, ToolCall, or
// Err is meaningful; Act selects how Text is framed on the bus.
type Chunk struct {
	// Text carries incremental content for say/propose/critique/... acts.
	Text string
	// Act frames the text. Zero value means event.ActSay.
	Act event.Act
	// ToolCall, when non-nil, asks the kernel to launch a tool. The speaker
	// keeps streaming; tool output arrives on its own floor-exempt stream.
	ToolCall *event.ToolCallPayload
	// Err aborts the turn with status errored.
	Err error
}

// BusView is the read-only window a speaker gets over the conversation. It
// deliberately exposes replay, not append: speakers produce through their
// turn, never by writing the bus directly.
type BusView interface {
	// Tail returns up to n most recent events in seq order.
	Tail(n int) []event.Event
	// LastSeq returns the seq of the newest event, 0 when empty.
	LastSeq() uint64
}

// SpeakRequest describes one granted turn.
type SpeakRequest struct {
	// TurnID is the ULID bracketing this turn's events.
	TurnID string
	// SoftStop closes when the runner wants the speaker to wrap up within
	// the grace window. Ignoring it leads to a hard cancel via ctx.
	SoftStop <-chan struct{}
	// View is the conversation visible to the speaker at grant time.
	View BusView
}

// Speaker produces one turn of output. Implementations send chunks on out
// until done, then close it. They must stop promptly when ctx is cancelled;
// the runner drains whatever was sent and marks the turn preempted.
type Speaker interface {
	// Name returns the stream name the speaker produces on.
	Name() string
	// Role returns the speaker's role (strategist or implementer).
	Role() event.Role
	// Speak streams one turn into out. Closing out without an Err chunk
	// ends the turn normally.
	Speak(ctx context.Context, req SpeakRequest, out chan<- Chunk)
}
