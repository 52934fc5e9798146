// Package tool bridges subprocess tools onto the bus. Adapters start
// processes; the shim pumps their output as floor-exempt tool_chunk events
// and closes each invocation with a tool_end.
package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/parley-project/parley/pkg/event"
)

// Process is one running tool invocation. Stdout and Stderr are drained
// concurrently by the shim; Wait reports the exit code after both close.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code. A
	// non-nil error means the process failed to report an exit at all.
	Wait() (int, error)
	// Cancel kills the process. Wait still returns afterwards.
	Cancel() error
}

// Adapter starts processes for one named tool.
type Adapter interface {
	// Name is the tool name agents address in tool_call payloads.
	Name() string
	Start(ctx context.Context, call event.ToolCallPayload) (Process, error)
}

// ExecAdapter runs tool invocations as local subprocesses.
type ExecAdapter struct {
	name string
}

// NewExecAdapter creates an adapter that execs call.Command directly.
func NewExecAdapter(name string) *ExecAdapter {
	return &ExecAdapter{name: name}
}

func (a *ExecAdapter) Name() string { return a.name }

// Start launches the subprocess with pipes attached. The process inherits
// the parent environment plus the call's env overrides.
func (a *ExecAdapter) Start(ctx context.Context, call event.ToolCallPayload) (Process, error) {
	if call.Command == "" {
		return nil, fmt.Errorf("tool %s: empty command", a.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, call.Command, call.Args...)
	cmd.Env = os.Environ()
	for k, v := range call.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tool %s: stdout pipe: %w", a.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tool %s: stderr pipe: %w", a.name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("tool %s: start %s: %w", a.name, call.Command, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, cancel: cancel}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	cancel context.CancelFunc
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	defer p.cancel()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Cancel() error {
	p.cancel()
	return nil
}
