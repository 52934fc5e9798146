package stream

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parley-project/parley/pkg/event"
)

// State is the lifecycle phase of a registered stream.
type State string

const (
	// StateIdle means the stream is registered and eligible for the floor.
	StateIdle State = "idle"
	// StateSpeaking means the stream currently holds the floor.
	StateSpeaking State = "speaking"
	// StateDraining means the stream was cut off and its partial output is
	// being flushed before release.
	StateDraining State = "draining"
	// StateDead means the stream has been deregistered or its backing
	// process exited. Dead tool streams are reaped lazily.
	StateDead State = "dead"
)

// Info is a snapshot of one stream's scheduling state.
type Info struct {
	Name           string     `json:"name"`
	Role           event.Role `json:"role"`
	State          State      `json:"state"`
	LastActiveMS   int64      `json:"last_active_ms"`
	BackoffUntilMS int64      `json:"backoff_until_ms"`
	PendingBytes   int64      `json:"pending_bytes"`
}

// Errors returned by the registry.
var (
	ErrStreamExists   = fmt.Errorf("stream already registered")
	ErrStreamUnknown  = fmt.Errorf("stream not registered")
	ErrTooManyStreams = fmt.Errorf("tool stream limit reached")
)

// invocation links a running tool stream back to the agent stream that
// invoked it, so the floor controller can elevate the invoker when the tool
// completes.
type invocation struct {
	toolStream  string
	agentStream string
	parentSeq   uint64
}

// Registry tracks every stream the kernel schedules: the two agent streams,
// the user stream, and a bounded set of ephemeral tool streams. All methods
// are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	streams     map[string]*Info
	invocations map[string]invocation // tool stream name -> invocation
	maxTool     int
	logger      *slog.Logger
}

// NewRegistry creates a registry that admits at most maxToolStreams live
// tool streams at once.
func NewRegistry(maxToolStreams int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams:     make(map[string]*Info),
		invocations: make(map[string]invocation),
		maxTool:     maxToolStreams,
		logger:      logger,
	}
}

// Register adds a stream in the idle state. Agent and user streams are
// long-lived; tool streams count against the tool stream limit.
func (r *Registry) Register(name string, role event.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.streams[name]; ok && info.State != StateDead {
		return fmt.Errorf("%w: %s", ErrStreamExists, name)
	}
	if role == event.RoleTool && r.liveToolCountLocked() >= r.maxTool {
		return fmt.Errorf("%w: limit %d", ErrTooManyStreams, r.maxTool)
	}
	r.streams[name] = &Info{Name: name, Role: role, State: StateIdle}
	r.logger.Debug("Registered stream", "stream", name, "role", string(role))
	return nil
}

// BindInvocation records that toolStream was spawned by agentStream's
// tool_invoke event at parentSeq. The binding survives until Reap.
func (r *Registry) BindInvocation(toolStream, agentStream string, parentSeq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[toolStream]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamUnknown, toolStream)
	}
	r.invocations[toolStream] = invocation{
		toolStream:  toolStream,
		agentStream: agentStream,
		parentSeq:   parentSeq,
	}
	return nil
}

// Invoker returns the agent stream that spawned the given tool stream, or
// false when no binding exists.
func (r *Registry) Invoker(toolStream string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[toolStream]
	if !ok {
		return "", false
	}
	return inv.agentStream, true
}

// SetState transitions a stream. Transitions out of StateDead are rejected;
// a dead stream must be re-registered.
func (r *Registry) SetState(name string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamUnknown, name)
	}
	if info.State == StateDead && s != StateDead {
		return fmt.Errorf("stream %s is dead", name)
	}
	info.State = s
	return nil
}

// Touch records scheduling activity at the given watermark. The floor
// controller uses LastActiveMS for starvation and alternation decisions.
func (r *Registry) Touch(name string, watermarkMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.streams[name]; ok {
		if watermarkMS > info.LastActiveMS {
			info.LastActiveMS = watermarkMS
		}
	}
}

// Backoff suppresses a stream's floor eligibility until the given watermark.
func (r *Registry) Backoff(name string, untilMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.streams[name]; ok {
		info.BackoffUntilMS = untilMS
	}
}

// AddPending adjusts the count of buffered-but-unflushed bytes for a stream.
func (r *Registry) AddPending(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.streams[name]; ok {
		info.PendingBytes += delta
		if info.PendingBytes < 0 {
			info.PendingBytes = 0
		}
	}
}

// Lookup returns a copy of one stream's state.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.streams[name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Snapshot returns copies of all registered streams, sorted by name so
// scheduling decisions are deterministic.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.streams))
	for _, info := range r.streams {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agents returns the registered agent streams (strategist and implementer),
// sorted by name.
func (r *Registry) Agents() []Info {
	var out []Info
	for _, info := range r.Snapshot() {
		if info.Role == event.RoleStrategist || info.Role == event.RoleImplementer {
			out = append(out, info)
		}
	}
	return out
}

// Reap marks a tool stream dead and removes its invocation binding. The
// slot it held becomes available for the next tool launch.
func (r *Registry) Reap(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.streams[name]; ok {
		info.State = StateDead
	}
	delete(r.invocations, name)
	r.logger.Debug("Reaped stream", "stream", name)
}

func (r *Registry) liveToolCountLocked() int {
	n := 0
	for _, info := range r.streams {
		if info.Role == event.RoleTool && info.State != StateDead {
			n++
		}
	}
	return n
}
