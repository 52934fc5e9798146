// Package turn runs a single granted turn: it brackets the speaker's output
// between floor_grant and floor_release events, coalesces text into flushes,
// enforces the byte budget and deadline, and drains partial output when the
// turn is cut short.
package turn

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parley-project/parley/pkg/agent"
	"github.com/parley-project/parley/pkg/event"
)

// NewTurnID returns a fresh ULID. ULIDs sort by creation time, so turn IDs
// order the same way their grants do.
func NewTurnID() string {
	return ulid.Make().String()
}

// Appender is the single-writer side of the bus.
type Appender interface {
	Append(e event.Event) (event.Event, error)
}

// Invocation asks the tool layer to launch a subprocess on behalf of a turn.
type Invocation struct {
	AgentStream string
	TurnID      string
	// ParentSeq is the seq of the tool_invoke event; all chunks from the
	// launched stream point back at it.
	ParentSeq uint64
	Call      event.ToolCallPayload
}

// ToolLauncher starts tool streams. Launch returns once the stream is
// registered and pumping; output arrives on the bus asynchronously and a
// completed tool outlives the turn that started it. CancelTurn kills the
// tools a preempted turn left running.
type ToolLauncher interface {
	Launch(ctx context.Context, inv Invocation) error
	CancelTurn(turnID string)
}

// Config bounds one turn.
type Config struct {
	// FlushBytes triggers a flush once this much text is buffered.
	FlushBytes int
	// FlushEvery flushes whatever is buffered on this cadence.
	FlushEvery time.Duration
	// ByteBudget ends the turn (reason byte_budget) once this many content
	// bytes have been emitted. Zero means unbounded.
	ByteBudget int
	// Deadline is the hard wall-clock limit for the turn. Zero means none.
	Deadline time.Duration
	// Grace is how long before the deadline the soft stop fires.
	Grace time.Duration
}

// Result summarizes a finished turn.
type Result struct {
	TurnID       string
	Status       string
	Reason       string
	BytesEmitted int
	// GrantSeq and ReleaseSeq bracket the turn on the bus.
	GrantSeq   uint64
	ReleaseSeq uint64
}

// Request describes one grant handed to Run.
type Request struct {
	Speaker agent.Speaker
	View    agent.BusView
	// GrantReason is recorded on the floor_grant event (alternation,
	// elevation, preferred, ...).
	GrantReason string
	// PreemptCause maps a cancelled ctx to a release reason. Nil defaults
	// to user_input.
	PreemptCause func() string
}

// PendingTracker mirrors a turn's buffered-but-unflushed bytes into the
// stream registry so scheduling surfaces can report them.
type PendingTracker interface {
	AddPending(name string, delta int64)
}

// Runner executes turns against the bus. Safe for reuse; one turn at a time.
type Runner struct {
	bus     Appender
	tools   ToolLauncher
	cfg     Config
	pending PendingTracker
	logger  *slog.Logger
}

// NewRunner creates a runner. tools may be nil when no tool layer is wired;
// tool_invoke chunks then end the turn with an error event. pending may be
// nil when no registry tracks buffered bytes.
func NewRunner(bus Appender, tools ToolLauncher, cfg Config, pending PendingTracker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 100 * time.Millisecond
	}
	return &Runner{bus: bus, tools: tools, cfg: cfg, pending: pending, logger: logger}
}

// Run executes one turn to completion. It always attempts to append a
// floor_release, even on error paths, so grants and releases pair up.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	sp := req.Speaker
	turnID := NewTurnID()
	res := Result{TurnID: turnID, Status: event.StatusCompleted}

	grant, err := r.bus.Append(event.Event{
		Role:    event.RoleSystem,
		Stream:  sp.Name(),
		TurnID:  turnID,
		Act:     event.ActFloorGrant,
		Payload: event.ControlPayload{Reason: req.GrantReason},
	})
	if err != nil {
		return res, fmt.Errorf("failed to grant floor to %s: %w", sp.Name(), err)
	}
	res.GrantSeq = grant.Seq

	spCtx, spCancel := context.WithCancel(ctx)
	defer spCancel()

	softStop := make(chan struct{})
	out := make(chan agent.Chunk, 16)
	go sp.Speak(spCtx, agent.SpeakRequest{TurnID: turnID, SoftStop: softStop, View: req.View}, out)

	flush := time.NewTicker(r.cfg.FlushEvery)
	defer flush.Stop()

	var softC, hardC <-chan time.Time
	if r.cfg.Deadline > 0 {
		hard := time.NewTimer(r.cfg.Deadline)
		defer hard.Stop()
		hardC = hard.C
		if r.cfg.Grace > 0 && r.cfg.Grace < r.cfg.Deadline {
			soft := time.NewTimer(r.cfg.Deadline - r.cfg.Grace)
			defer soft.Stop()
			softC = soft.C
		}
	}

	var (
		buf        bytes.Buffer
		bufAct     = event.ActSay
		softClosed bool
		appendErr  error
	)

	closeSoft := func() {
		if !softClosed {
			softClosed = true
			close(softStop)
		}
	}

	// flushBuf appends the buffered text as one event. partial marks drain
	// flushes; final marks the last flush of a clean turn.
	flushBuf := func(partial, final bool) {
		n := buf.Len()
		if n == 0 || appendErr != nil {
			return
		}
		_, err := r.bus.Append(event.Event{
			Role:    sp.Role(),
			Stream:  sp.Name(),
			TurnID:  turnID,
			Act:     bufAct,
			Payload: event.TextPayload{Text: buf.String(), Partial: partial},
			Final:   final,
		})
		if err != nil {
			appendErr = err
			return
		}
		res.BytesEmitted += n
		buf.Reset()
		if r.pending != nil {
			r.pending.AddPending(sp.Name(), -int64(n))
		}
	}

	done := false
	for !done && appendErr == nil {
		select {
		case c, ok := <-out:
			if !ok {
				flushBuf(false, true)
				done = true
				break
			}
			switch {
			case c.Err != nil:
				r.appendError(turnID, sp, c.Err)
				res.Status = event.StatusErrored
				spCancel()
				done = true
			case c.ToolCall != nil:
				// Flush first so the invocation lands after the text that
				// motivated it.
				flushBuf(true, false)
				r.launchTool(ctx, turnID, sp, *c.ToolCall)
			default:
				act := c.Act
				if act == "" {
					act = event.ActSay
				}
				if act != bufAct && buf.Len() > 0 {
					flushBuf(true, false)
				}
				bufAct = act
				buf.WriteString(c.Text)
				if r.pending != nil {
					r.pending.AddPending(sp.Name(), int64(len(c.Text)))
				}
				if buf.Len() >= r.cfg.FlushBytes {
					flushBuf(true, false)
				}
				if r.cfg.ByteBudget > 0 && res.BytesEmitted+buf.Len() >= r.cfg.ByteBudget {
					flushBuf(true, false)
					res.Status = event.StatusCompleted
					res.Reason = event.ReasonByteBudget
					spCancel()
					done = true
				}
			}
		case <-flush.C:
			flushBuf(true, false)
		case <-softC:
			softC = nil
			closeSoft()
		case <-hardC:
			res.Status = event.StatusTimedOut
			res.Reason = event.ReasonDeadline
			if r.tools != nil {
				r.tools.CancelTurn(turnID)
			}
			spCancel()
			done = true
		case <-ctx.Done():
			res.Status = event.StatusPreempted
			res.Reason = event.ReasonUserInput
			if req.PreemptCause != nil {
				if c := req.PreemptCause(); c != "" {
					res.Reason = c
				}
			}
			// Preemption cancels the turn's tools too; their tool_end
			// events arrive with status cancelled.
			if r.tools != nil {
				r.tools.CancelTurn(turnID)
			}
			spCancel()
			done = true
		}
	}

	// Drain: the speaker must close out promptly after cancellation. Chunks
	// already in flight are discarded; buffered text flushes as partial.
	spCancel()
	for range out {
	}
	flushBuf(true, false)
	// An append failure can strand buffered bytes; the gauge still
	// returns to zero when the turn ends.
	if r.pending != nil && buf.Len() > 0 {
		r.pending.AddPending(sp.Name(), -int64(buf.Len()))
	}

	release, relErr := r.bus.Append(event.Event{
		Role:    event.RoleSystem,
		Stream:  sp.Name(),
		TurnID:  turnID,
		Act:     event.ActFloorRelease,
		Payload: event.ControlPayload{Status: res.Status, Reason: res.Reason},
		Final:   true,
	})
	if relErr == nil {
		res.ReleaseSeq = release.Seq
	}

	r.logger.Info("Turn finished",
		"turn_id", turnID,
		"stream", sp.Name(),
		"status", res.Status,
		"reason", res.Reason,
		"bytes", res.BytesEmitted)

	if appendErr != nil {
		return res, fmt.Errorf("turn %s aborted on append failure: %w", turnID, appendErr)
	}
	return res, relErr
}

// launchTool appends the tool_invoke event and hands the invocation to the
// tool layer. Launch failures surface as error events, not turn failures.
func (r *Runner) launchTool(ctx context.Context, turnID string, sp agent.Speaker, call event.ToolCallPayload) {
	sealed, err := r.bus.Append(event.Event{
		Role:    sp.Role(),
		Stream:  sp.Name(),
		TurnID:  turnID,
		Act:     event.ActToolInvoke,
		Payload: call,
	})
	if err != nil {
		r.logger.Error("Failed to append tool_invoke", "turn_id", turnID, "tool", call.Tool, "error", err)
		return
	}
	if r.tools == nil {
		r.appendError(turnID, sp, fmt.Errorf("no tool launcher configured for %s", call.Tool))
		return
	}
	err = r.tools.Launch(ctx, Invocation{
		AgentStream: sp.Name(),
		TurnID:      turnID,
		ParentSeq:   sealed.Seq,
		Call:        call,
	})
	if err != nil {
		r.logger.Error("Tool launch failed", "turn_id", turnID, "tool", call.Tool, "error", err)
		r.appendError(turnID, sp, fmt.Errorf("failed to launch %s: %w", call.Tool, err))
	}
}

func (r *Runner) appendError(turnID string, sp agent.Speaker, cause error) {
	_, err := r.bus.Append(event.Event{
		Role:    event.RoleSystem,
		Stream:  sp.Name(),
		TurnID:  turnID,
		Act:     event.ActError,
		Payload: event.ErrorPayload{Message: cause.Error()},
	})
	if err != nil {
		r.logger.Error("Failed to append error event", "turn_id", turnID, "error", err)
	}
}
