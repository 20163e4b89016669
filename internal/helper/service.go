package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/pkg/template"
)

// Scope chooses between a per-user and a system-wide service.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

var ErrUnsupportedPlatform = errors.New("no supported service manager on this platform")

// ServiceManager drives the OS service manager for one service. Every
// method treats "already in the target state" as success.
type ServiceManager interface {
	Kind() template.Kind
	DescriptorPath() string
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// NewServiceManager picks the service manager for the running OS.
func NewServiceManager(label string, scope Scope, exec execx.Executor) (ServiceManager, error) {
	if exec == nil {
		exec = execx.OS{}
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "linux":
		return &Systemd{Unit: label, Scope: scope, Home: home, Exec: exec}, nil
	case "darwin":
		uid := "0"
		if u, err := user.Current(); err == nil {
			uid = u.Uid
		}
		return &Launchd{Label: label, Scope: scope, Home: home, UID: uid, Exec: exec}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}
}

// tolerate turns a failure whose output mentions one of phrases into nil.
func tolerate(err error, phrases ...string) error {
	if err == nil {
		return nil
	}
	var ee *execx.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	out := strings.ToLower(ee.Output)
	for _, p := range phrases {
		if strings.Contains(out, p) {
			return nil
		}
	}
	return err
}

// Systemd manages a unit through systemctl.
type Systemd struct {
	Unit  string
	Scope Scope
	Home  string
	Exec  execx.Executor
}

func (s *Systemd) Kind() template.Kind { return template.KindSystemd }

func (s *Systemd) unitName() string { return s.Unit + ".service" }

func (s *Systemd) DescriptorPath() string {
	if s.Scope == ScopeSystem {
		return filepath.Join("/etc/systemd/system", s.unitName())
	}
	return filepath.Join(s.Home, ".config", "systemd", "user", s.unitName())
}

func (s *Systemd) run(ctx context.Context, args ...string) (*execx.Result, error) {
	if s.Scope != ScopeSystem {
		args = append([]string{"--user"}, args...)
	}
	return s.Exec.Run(ctx, execx.Cmd{Name: "systemctl", Args: args})
}

func (s *Systemd) Register(ctx context.Context) error {
	if _, err := s.run(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if _, err := s.run(ctx, "enable", s.unitName()); err != nil {
		return fmt.Errorf("enable %s: %w", s.unitName(), err)
	}
	return nil
}

func (s *Systemd) Deregister(ctx context.Context) error {
	_, err := s.run(ctx, "disable", s.unitName())
	if err = tolerate(err, "not loaded", "does not exist", "not found"); err != nil {
		return fmt.Errorf("disable %s: %w", s.unitName(), err)
	}
	_, _ = s.run(ctx, "daemon-reload")
	return nil
}

func (s *Systemd) Start(ctx context.Context) error {
	if _, err := s.run(ctx, "start", s.unitName()); err != nil {
		return fmt.Errorf("start %s: %w", s.unitName(), err)
	}
	return nil
}

func (s *Systemd) Stop(ctx context.Context) error {
	_, err := s.run(ctx, "stop", s.unitName())
	if err = tolerate(err, "not loaded", "not found", "inactive"); err != nil {
		return fmt.Errorf("stop %s: %w", s.unitName(), err)
	}
	return nil
}

// Running asks is-active, which exits non-zero for anything but active.
func (s *Systemd) Running(ctx context.Context) (bool, error) {
	res, err := s.run(ctx, "is-active", s.unitName())
	if err != nil {
		var ee *execx.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(res.Stdout)) == "active", nil
}

// Launchd manages a job through launchctl.
type Launchd struct {
	Label string
	Scope Scope
	Home  string
	UID   string
	Exec  execx.Executor
}

func (l *Launchd) Kind() template.Kind { return template.KindLaunchd }

func (l *Launchd) DescriptorPath() string {
	if l.Scope == ScopeSystem {
		return filepath.Join("/Library/LaunchDaemons", l.Label+".plist")
	}
	return filepath.Join(l.Home, "Library", "LaunchAgents", l.Label+".plist")
}

func (l *Launchd) domain() string {
	if l.Scope == ScopeSystem {
		return "system"
	}
	return "gui/" + l.UID
}

func (l *Launchd) target() string { return l.domain() + "/" + l.Label }

func (l *Launchd) run(ctx context.Context, args ...string) (*execx.Result, error) {
	return l.Exec.Run(ctx, execx.Cmd{Name: "launchctl", Args: args})
}

// Register is a no-op: launchd reads the plist when the job is bootstrapped.
func (l *Launchd) Register(context.Context) error { return nil }

func (l *Launchd) Deregister(ctx context.Context) error { return l.Stop(ctx) }

func (l *Launchd) Start(ctx context.Context) error {
	_, err := l.run(ctx, "bootstrap", l.domain(), l.DescriptorPath())
	if err = tolerate(err, "already", "in progress"); err != nil {
		return fmt.Errorf("bootstrap %s: %w", l.Label, err)
	}
	if _, err := l.run(ctx, "kickstart", l.target()); err != nil {
		return fmt.Errorf("kickstart %s: %w", l.Label, err)
	}
	return nil
}

func (l *Launchd) Stop(ctx context.Context) error {
	_, err := l.run(ctx, "bootout", l.target())
	if err = tolerate(err, "no such process", "could not find", "not find service"); err != nil {
		return fmt.Errorf("bootout %s: %w", l.Label, err)
	}
	return nil
}

func (l *Launchd) Running(ctx context.Context) (bool, error) {
	res, err := l.run(ctx, "print", l.target())
	if err != nil {
		var ee *execx.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(string(res.Stdout), "state = running"), nil
}
