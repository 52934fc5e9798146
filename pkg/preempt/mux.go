package preempt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cause identifies which source fired a preemption.
type Cause string

const (
	CauseUserInput      Cause = "user_input"
	CausePolicyOverride Cause = "policy_override"
	CauseShutdown       Cause = "shutdown"
)

// Mux merges independent preemption sources (user input, policy overrides,
// shutdown) into a single cancellation signal for the running turn. The
// first signal wins: later signals within the same turn are ignored, except
// that shutdown is sticky and survives Reset.
type Mux struct {
	mu sync.Mutex

	fired    bool
	cause    Cause
	firedAt  time.Time
	shutdown bool
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewMux creates an idle mux with no armed turn.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{logger: logger}
}

// Derive returns a child of parent that the mux cancels when a preemption
// source fires. Arm it once per turn, before the turn starts producing. If
// shutdown has already fired the returned context is cancelled immediately.
func (m *Mux) Derive(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	if m.shutdown {
		cancel()
	}
	return ctx
}

// Signal fires a preemption. Returns true when this signal won the turn;
// false when an earlier signal already fired. Shutdown always records its
// stickiness even when it loses the race for the current turn.
func (m *Mux) Signal(cause Cause) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cause == CauseShutdown {
		m.shutdown = true
	}
	if m.fired {
		return false
	}
	m.fired = true
	m.cause = cause
	m.firedAt = time.Now()
	if m.cancel != nil {
		m.cancel()
	}
	m.logger.Info("Preemption fired", "cause", string(cause))
	return true
}

// Cause returns the winning cause for the current turn, or "" when nothing
// has fired since the last Reset.
func (m *Mux) Cause() Cause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// FiredAt returns when the winning signal fired; zero when nothing has.
func (m *Mux) FiredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firedAt
}

// ShutdownRequested reports whether a shutdown signal has ever fired.
func (m *Mux) ShutdownRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Reset clears the fired state between turns. Shutdown is sticky: after a
// shutdown signal, Reset re-arms the mux already fired so no further turn
// can start uninterrupted.
func (m *Mux) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.shutdown {
		m.fired = true
		m.cause = CauseShutdown
		return
	}
	m.fired = false
	m.cause = ""
}
