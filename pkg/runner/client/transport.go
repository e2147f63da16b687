package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport starts and stops the engine bridge process.
type Transport interface {
	// Start launches the bridge and returns its stdin and stdout.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Stop waits for the bridge to exit after its stdin was closed, killing
	// it when it does not.
	Stop(ctx context.Context) error
}

// DefaultStopGrace is how long a bridge may take to exit once its stdin is
// closed.
const DefaultStopGrace = 5 * time.Second

// CommandTransport runs the bridge as a local subprocess. Env entries are
// appended to the current environment.
type CommandTransport struct {
	Command string
	Args    []string
	Env     []string

	// Stderr receives the bridge's stderr; nil discards it.
	Stderr io.Writer

	// StopGrace overrides DefaultStopGrace.
	StopGrace time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// Start launches the command. The process outlives ctx; Stop ends it.
func (t *CommandTransport) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("engine bridge %s already running", t.Command)
	}
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return nil, nil, fmt.Errorf("engine bridge not found: %w", err)
	}

	cmd := exec.Command(path, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start engine bridge: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	t.cmd = cmd
	t.done = done
	return stdin, stdout, nil
}

// Stop waits up to the grace period for the process to exit, then kills it.
func (t *CommandTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd, done := t.cmd, t.done
	t.cmd, t.done = nil, nil
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	grace := t.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return exitError(err)
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill engine bridge: %w", err)
	}
	<-done
	return fmt.Errorf("engine bridge %s killed after not exiting", t.Command)
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("engine bridge exited: %w", err)
}
