// Package floor decides who speaks next. The trigger engine is a pure
// function over a snapshot of the conversation; the controller feeds it and
// executes its decisions.
package floor

import (
	"time"

	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/stream"
)

// Grant reasons recorded on floor_grant events.
const (
	ReasonUserReply   = "user_reply"
	ReasonElevation   = "elevation"
	ReasonAlternation = "alternation"
	ReasonStarvation  = "starvation"
)

// Kind classifies a scheduling decision.
type Kind string

const (
	// KindGrant hands the floor to Decision.Stream.
	KindGrant Kind = "grant"
	// KindHeartbeat emits a liveness heartbeat; the conversation is idle.
	KindHeartbeat Kind = "heartbeat"
	// KindWait means nothing to do until new events or time passes.
	KindWait Kind = "wait"
	// KindShutdown ends the scheduling loop.
	KindShutdown Kind = "shutdown"
)

// Policy is the scheduling configuration.
type Policy struct {
	// TMin is the minimum spacing between consecutive grant starts.
	TMin time.Duration
	// TMax is the hard turn deadline (enforced by the turn runner).
	TMax time.Duration
	// TQuiet is the idle gap after a release before the next grant.
	TQuiet time.Duration
	// TStarve promotes an agent that has not held the floor this long.
	TStarve time.Duration
	// Heartbeat is the idle interval after which a heartbeat is emitted.
	Heartbeat time.Duration
	// PreemptTarget is the propagation SLA from preemption signal to
	// floor_release; exceeding it is logged, not enforced.
	PreemptTarget time.Duration
}

// Inputs is everything a decision may depend on. Decide never reads clocks
// or global state: identical inputs produce identical decisions.
type Inputs struct {
	// NowMS is the current watermark.
	NowMS int64
	// Window is the recent bus suffix in seq order.
	Window []event.Event
	// Streams is the registry snapshot, sorted by name.
	Streams []stream.Info
	// LastSpeaker is the agent stream that held the previous turn.
	LastSpeaker string
	// HandledSeq is the newest seq the controller has already acted on;
	// only events after it can trigger.
	HandledSeq uint64
	// Invokers maps tool_invoke seqs to the agent stream that issued them.
	Invokers map[uint64]string
	// LastEventMS is the watermark of the newest bus event, 0 when empty.
	LastEventMS int64
	// ShutdownRequested stops scheduling.
	ShutdownRequested bool
}

// Decision is what the controller should do next.
type Decision struct {
	Kind   Kind
	Stream string
	Reason string
}

// Decide applies the floor policy, strictest trigger first: shutdown, then
// pending user input, then tool-completion elevation, then starvation, then
// alternation, then idle heartbeat.
func Decide(p Policy, in Inputs) Decision {
	if in.ShutdownRequested {
		return Decision{Kind: KindShutdown}
	}

	eligible := eligibleAgents(in)
	if len(eligible) == 0 {
		return idleOrHeartbeat(p, in)
	}

	// Pending user input: the reply goes to the agent that did not just
	// hold the floor, so an interrupted speaker is never regranted while
	// its partner is eligible.
	if userPending(in) {
		for _, s := range eligible {
			if s.Name != in.LastSpeaker {
				return Decision{Kind: KindGrant, Stream: s.Name, Reason: ReasonUserReply}
			}
		}
		// The interrupted speaker is the only agent left standing.
		return Decision{Kind: KindGrant, Stream: eligible[0].Name, Reason: ReasonUserReply}
	}

	// Tool-completion elevation: the invoker reacts to its tool's result.
	if invoker, ok := completedInvoker(in); ok {
		for _, s := range eligible {
			if s.Name == invoker {
				return Decision{Kind: KindGrant, Stream: s.Name, Reason: ReasonElevation}
			}
		}
	}

	// Starvation beats alternation. Oldest LastActiveMS wins ties by name.
	if s, ok := starving(p, in, eligible); ok {
		return Decision{Kind: KindGrant, Stream: s.Name, Reason: ReasonStarvation}
	}

	// Alternation: prefer the agent that did not speak last.
	for _, s := range eligible {
		if s.Name != in.LastSpeaker {
			return Decision{Kind: KindGrant, Stream: s.Name, Reason: ReasonAlternation}
		}
	}
	// Single eligible agent: it keeps the floor.
	return Decision{Kind: KindGrant, Stream: eligible[0].Name, Reason: ReasonAlternation}
}

func idleOrHeartbeat(p Policy, in Inputs) Decision {
	if p.Heartbeat > 0 && in.NowMS-in.LastEventMS >= p.Heartbeat.Milliseconds() {
		return Decision{Kind: KindHeartbeat}
	}
	return Decision{Kind: KindWait}
}

// eligibleAgents returns live, non-backed-off agent streams in name order.
func eligibleAgents(in Inputs) []stream.Info {
	var out []stream.Info
	for _, s := range in.Streams {
		if s.Role != event.RoleStrategist && s.Role != event.RoleImplementer {
			continue
		}
		if s.State == stream.StateDead || s.State == stream.StateSpeaking {
			continue
		}
		if s.BackoffUntilMS > in.NowMS {
			continue
		}
		out = append(out, s)
	}
	return out
}

// userPending reports an unhandled user event after HandledSeq.
func userPending(in Inputs) bool {
	for i := len(in.Window) - 1; i >= 0; i-- {
		e := in.Window[i]
		if e.Seq <= in.HandledSeq {
			break
		}
		if e.Role == event.RoleUser {
			return true
		}
	}
	return false
}

// completedInvoker finds the newest unhandled tool_end and resolves the
// agent that issued the matching tool_invoke.
func completedInvoker(in Inputs) (string, bool) {
	for i := len(in.Window) - 1; i >= 0; i-- {
		e := in.Window[i]
		if e.Seq <= in.HandledSeq {
			break
		}
		if e.Act != event.ActToolEnd || e.ParentSeq == nil {
			continue
		}
		if agent, ok := in.Invokers[*e.ParentSeq]; ok {
			return agent, true
		}
		// Fall back to the window when the controller's map misses.
		for _, cand := range in.Window {
			if cand.Seq == *e.ParentSeq && cand.Act == event.ActToolInvoke {
				return cand.Stream, true
			}
		}
	}
	return "", false
}

// starving picks the longest-unserved agent past TStarve. Agents that have
// never held the floor (LastActiveMS == 0) do not starve; alternation
// reaches them.
func starving(p Policy, in Inputs, eligible []stream.Info) (stream.Info, bool) {
	if p.TStarve <= 0 {
		return stream.Info{}, false
	}
	var (
		best  stream.Info
		found bool
	)
	for _, s := range eligible {
		if s.LastActiveMS == 0 {
			continue
		}
		if in.NowMS-s.LastActiveMS < p.TStarve.Milliseconds() {
			continue
		}
		if !found || s.LastActiveMS < best.LastActiveMS {
			best = s
			found = true
		}
	}
	return best, found
}
