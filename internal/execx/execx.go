// Package execx runs external tools (lsof, systemctl, launchctl, engine
// initialisers) behind an interface so callers can be tested with fakes.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns stdout and stderr joined, trimmed.
func (r *Result) Combined() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stdout) + "\n" + string(r.Stderr))
}

// Cmd describes one invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Cmd) String() string { return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " ")) }

// Executor runs commands. Run returns a non-nil Result together with an
// *ExitError when the command ran but exited non-zero.
type Executor interface {
	Run(ctx context.Context, c Cmd) (*Result, error)
	LookPath(name string) (string, error)
}

// ExitError reports a non-zero exit with captured output.
type ExitError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.ExitCode, e.Output)
}

// OS runs commands on the host.
type OS struct{}

func (OS) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (OS) Run(ctx context.Context, c Cmd) (*Result, error) {
	// #nosec G204 -- callers pass fixed tool names with structured args
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{Cmd: c.String(), ExitCode: res.ExitCode, Output: res.Combined()}
	}
	return nil, fmt.Errorf("run %s: %w", c.Name, err)
}
