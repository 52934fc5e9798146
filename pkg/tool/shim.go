package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/parley-project/parley/pkg/event"
	"github.com/parley-project/parley/pkg/stream"
	"github.com/parley-project/parley/pkg/turn"
)

// Appender is the bus write surface the shim needs.
type Appender interface {
	Append(e event.Event) (event.Event, error)
}

// ShimConfig bounds tool output pumping.
type ShimConfig struct {
	// ChunkBytes is the read buffer size per tool_chunk event.
	ChunkBytes int
}

// Shim owns all live tool processes. It implements turn.ToolLauncher: a
// launched tool gets its own ephemeral stream, its output is appended as
// floor-exempt tool_chunk events pointing at the invoking tool_invoke, and
// a tool_end closes the invocation. Tool streams outlive a turn that ends
// normally; a cancelled turn takes its tools down with it.
type Shim struct {
	bus     Appender
	streams *stream.Registry
	cfg     ShimConfig
	logger  *slog.Logger

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	counter atomic.Uint64

	mu       sync.Mutex
	adapters map[string]Adapter
	procs    map[string]*running
}

// running tracks one live tool process.
type running struct {
	proc      Process
	turnID    string
	cancelled bool
}

// NewShim creates a shim with no adapters registered.
func NewShim(bus Appender, streams *stream.Registry, cfg ShimConfig, logger *slog.Logger) *Shim {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4096
	}
	root, stop := context.WithCancel(context.Background())
	return &Shim{
		bus:      bus,
		streams:  streams,
		cfg:      cfg,
		logger:   logger,
		root:     root,
		stop:     stop,
		adapters: make(map[string]Adapter),
		procs:    make(map[string]*running),
	}
}

// RegisterAdapter makes a tool available to agents by name.
func (s *Shim) RegisterAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Name()] = a
}

// Launch starts one tool invocation. The ctx governs startup only; the
// running process is bound to the shim's lifetime, not the turn's.
func (s *Shim) Launch(ctx context.Context, inv turn.Invocation) error {
	s.mu.Lock()
	adapter, ok := s.adapters[inv.Call.Tool]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", inv.Call.Tool)
	}

	name := fmt.Sprintf("tool.%s.%d", inv.Call.Tool, s.counter.Add(1))
	if err := s.streams.Register(name, event.RoleTool); err != nil {
		return fmt.Errorf("cannot admit tool stream: %w", err)
	}

	proc, err := adapter.Start(s.root, inv.Call)
	if err != nil {
		s.streams.Reap(name)
		return fmt.Errorf("tool %s failed to start: %w", inv.Call.Tool, err)
	}
	if err := s.streams.BindInvocation(name, inv.AgentStream, inv.ParentSeq); err != nil {
		_ = proc.Cancel()
		s.streams.Reap(name)
		return err
	}

	run := &running{proc: proc, turnID: inv.TurnID}
	s.mu.Lock()
	s.procs[name] = run
	s.mu.Unlock()

	s.logger.Info("Tool launched",
		"tool", inv.Call.Tool, "stream", name,
		"invoker", inv.AgentStream, "parent_seq", inv.ParentSeq)

	s.wg.Add(1)
	go s.pump(name, run, inv)
	return nil
}

// Cancel kills one running tool stream. The pump still appends its tool_end.
func (s *Shim) Cancel(streamName string) error {
	s.mu.Lock()
	run, ok := s.procs[streamName]
	if ok {
		run.cancelled = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no running tool stream %q", stream.ErrStreamUnknown, streamName)
	}
	return run.proc.Cancel()
}

// CancelTurn kills every tool the given turn launched. Called by the turn
// runner when the turn itself is cancelled.
func (s *Shim) CancelTurn(turnID string) {
	s.mu.Lock()
	var victims []*running
	for _, run := range s.procs {
		if run.turnID == turnID {
			run.cancelled = true
			victims = append(victims, run)
		}
	}
	s.mu.Unlock()
	for _, run := range victims {
		_ = run.proc.Cancel()
	}
}

// Close cancels every running tool and waits for all pumps to finish.
func (s *Shim) Close() {
	s.stop()
	s.mu.Lock()
	for _, run := range s.procs {
		run.cancelled = true
		_ = run.proc.Cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// pump drains stdout and stderr concurrently, appends the tool_end, and
// reaps the stream.
func (s *Shim) pump(name string, run *running, inv turn.Invocation) {
	defer s.wg.Done()

	readErrs := make(chan error, 2)
	var rd sync.WaitGroup
	rd.Add(2)
	go s.pumpChannel(&rd, name, inv, event.ChannelStdout, run.proc.Stdout(), readErrs)
	go s.pumpChannel(&rd, name, inv, event.ChannelStderr, run.proc.Stderr(), readErrs)
	rd.Wait()
	close(readErrs)
	var readErr error
	for err := range readErrs {
		if readErr == nil {
			readErr = err
		}
	}

	exit, waitErr := run.proc.Wait()
	s.mu.Lock()
	cancelled := run.cancelled
	s.mu.Unlock()
	status := event.StatusCompleted
	switch {
	case cancelled || s.root.Err() != nil:
		status = event.StatusCancelled
	case waitErr != nil || readErr != nil:
		status = event.StatusErrored
	}

	parent := inv.ParentSeq

	// Adapter failures go on the record before the terminal tool_end.
	if status == event.StatusErrored {
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		if _, err := s.bus.Append(event.Event{
			Role:      event.RoleTool,
			Stream:    name,
			TurnID:    inv.TurnID,
			Act:       event.ActError,
			Payload:   event.ErrorPayload{Message: cause.Error()},
			ParentSeq: &parent,
		}); err != nil {
			s.logger.Error("Failed to append tool error", "stream", name, "error", err)
		}
	}

	_, err := s.bus.Append(event.Event{
		Role:      event.RoleTool,
		Stream:    name,
		TurnID:    inv.TurnID,
		Act:       event.ActToolEnd,
		Payload:   event.ToolEndPayload{ExitCode: exit, Status: status},
		ParentSeq: &parent,
	})
	if err != nil {
		s.logger.Error("Failed to append tool_end", "stream", name, "error", err)
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	s.streams.Reap(name)

	s.logger.Info("Tool finished", "stream", name, "exit_code", exit, "status", status)
}

func (s *Shim) pumpChannel(rd *sync.WaitGroup, name string, inv turn.Invocation, channel string, r io.Reader, errs chan<- error) {
	defer rd.Done()

	buf := make([]byte, s.cfg.ChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			parent := inv.ParentSeq
			_, aerr := s.bus.Append(event.Event{
				Role:      event.RoleTool,
				Stream:    name,
				TurnID:    inv.TurnID,
				Act:       event.ActToolChunk,
				Payload:   event.ToolChunkPayload{Channel: channel, Data: data},
				ParentSeq: &parent,
			})
			if aerr != nil {
				s.logger.Error("Failed to append tool_chunk", "stream", name, "channel", channel, "error", aerr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				errs <- err
			}
			return
		}
	}
}
