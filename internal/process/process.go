// Package process spawns and tracks engine OS processes.
//
// A Handle exposes process exit as a channel (Done) so callers can select on
// termination instead of racing callbacks against explicit stops.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/logger"
)

var (
	ErrNoCommand   = errors.New("empty command")
	ErrNoProcess   = errors.New("no such process")
	ErrExitedEarly = errors.New("process exited during start grace period")
)

// DefaultAdoptPoll is the exit polling interval for adopted processes.
const DefaultAdoptPoll = 500 * time.Millisecond

// Spec describes how to launch one engine process.
type Spec struct {
	Name    string
	Argv    []string
	WorkDir string
	Env     []string
	Log     logger.Config
}

// Handle is a live or finished OS process, either spawned here or adopted.
type Handle struct {
	pid       int
	cmd       *exec.Cmd
	adopted   bool
	startedAt time.Time

	done     chan struct{}
	release  chan struct{}
	once     sync.Once
	relOnce  sync.Once
	mu       sync.Mutex
	exitErr  error
	closers  []io.Closer
}

// Start launches spec in its own process group and begins watching it.
func Start(spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrNoCommand
	}
	// #nosec G204 -- argv comes from engine definitions, not a shell string
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	h := &Handle{done: make(chan struct{}), release: make(chan struct{})}
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			if err := os.MkdirAll(spec.Log.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("open %s logs: %w", spec.Name, err)
		}
		if outW != nil {
			cmd.Stdout = outW
			h.closers = append(h.closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			h.closers = append(h.closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	h.pid = cmd.Process.Pid
	h.cmd = cmd
	h.startedAt = time.Now()
	go func() {
		err := cmd.Wait()
		h.closeWriters()
		h.finish(err)
	}()
	return h, nil
}

// Adopt wraps a process this program did not spawn. Exit is detected by
// polling for the pid every poll interval until Release is called.
func Adopt(pid int, poll time.Duration) (*Handle, error) {
	if !Exists(pid) {
		return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}
	if poll <= 0 {
		poll = DefaultAdoptPoll
	}
	h := &Handle{
		pid:       pid,
		adopted:   true,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	go func() {
		t := time.NewTicker(poll)
		defer t.Stop()
		for {
			select {
			case <-h.release:
				return
			case <-t.C:
				if !Exists(pid) {
					h.finish(nil)
					return
				}
			}
		}
	}()
	return h, nil
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	cs := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) Adopted() bool        { return h.adopted }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the wait error of a spawned process after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Release stops exit polling for an adopted handle without touching the process.
func (h *Handle) Release() {
	h.relOnce.Do(func() { close(h.release) })
}

// Released is closed once Release has been called.
func (h *Handle) Released() <-chan struct{} { return h.release }

// Alive probes the OS for the process.
func (h *Handle) Alive() bool {
	if h.Exited() {
		return false
	}
	if isZombie(h.pid) {
		return false
	}
	return Exists(h.pid)
}

// Terminate asks the process to shut down gracefully and returns without waiting.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminate(h.pid, !h.adopted)
}

// Kill forcibly stops the process.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return kill(h.pid, !h.adopted)
}

// WaitStarted returns nil if the process is still running after grace.
func (h *Handle) WaitStarted(grace time.Duration) error {
	if grace <= 0 {
		if h.Exited() {
			return h.earlyExit()
		}
		return nil
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		return h.earlyExit()
	case <-t.C:
		return nil
	}
}

func (h *Handle) earlyExit() error {
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("%w: %v", ErrExitedEarly, err)
	}
	return ErrExitedEarly
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the process, escalating to kill when it outlives grace.
// It returns once the process is gone or the kill has been sent.
func (h *Handle) Stop(grace time.Duration) error {
	if h.Exited() {
		return nil
	}
	if err := h.Terminate(); err != nil && !errors.Is(err, ErrNoProcess) {
		return err
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		return nil
	case <-t.C:
	}
	_ = h.Kill()
	select {
	case <-h.done:
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}
