// Package helper installs and controls the privileged helper daemon and
// contains the daemon's own runtime.
package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/loykin/dbhelm/internal/ipc"
	"github.com/loykin/dbhelm/pkg/template"
)

const (
	DefaultLabel        = "io.dbhelm.helper"
	DefaultRestartDelay = time.Second
	readyTimeout        = 5 * time.Second
)

var ErrInstallInProgress = errors.New("helper install already in progress")

type Options struct {
	Service   ServiceManager
	Client    *ipc.Client
	Templates *template.Generator
	// InstallDir receives the helper binary and its config.
	InstallDir string
	// SourceBinary defaults to the running executable.
	SourceBinary string
	// SourceConfig is copied next to the binary when set.
	SourceConfig string
	LogPath      string
	Label        string
	User         string
	Group        string
	RestartDelay time.Duration
	Logger       *slog.Logger
}

// State is always computed from the service manager.
type State struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
}

type Health struct {
	State
	Reachable bool              `json:"reachable"`
	LatencyMs int64             `json:"latencyMs"`
	Daemon    *ipc.DaemonStatus `json:"daemon,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type Manager struct {
	svc    ServiceManager
	client *ipc.Client
	tmpl   *template.Generator
	opts   Options
	logger *slog.Logger

	installing atomic.Bool
	tracked    atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.Templates == nil {
		opts.Templates = template.NewGenerator()
	}
	if opts.Label == "" {
		opts.Label = DefaultLabel
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.SourceBinary == "" {
		if exe, err := os.Executable(); err == nil {
			opts.SourceBinary = exe
		}
	}
	if opts.User == "" || opts.Group == "" {
		u, g := currentIdentity()
		if opts.User == "" {
			opts.User = u
		}
		if opts.Group == "" {
			opts.Group = g
		}
	}
	if opts.LogPath == "" && opts.InstallDir != "" {
		opts.LogPath = filepath.Join(opts.InstallDir, "helper.log")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		svc:    opts.Service,
		client: opts.Client,
		tmpl:   opts.Templates,
		opts:   opts,
		logger: opts.Logger.With("component", "helper"),
	}
}

func currentIdentity() (string, string) {
	u, err := user.Current()
	if err != nil {
		return "", ""
	}
	group := u.Gid
	if g, err := user.LookupGroupId(u.Gid); err == nil {
		group = g.Name
	}
	return u.Username, group
}

func (m *Manager) binaryPath() string {
	return filepath.Join(m.opts.InstallDir, "bin", filepath.Base(m.opts.SourceBinary))
}

func (m *Manager) configPath() string {
	return filepath.Join(m.opts.InstallDir, "helper.toml")
}

// Install copies the helper into place, renders its descriptor and
// registers it. Concurrent calls fail fast with ErrInstallInProgress.
func (m *Manager) Install(ctx context.Context) error {
	if !m.installing.CompareAndSwap(false, true) {
		return ErrInstallInProgress
	}
	defer m.installing.Store(false)

	if m.svc == nil {
		return ErrUnsupportedPlatform
	}
	if m.opts.InstallDir == "" || m.opts.SourceBinary == "" {
		return errors.New("helper install dir and source binary are required")
	}
	if err := os.MkdirAll(filepath.Join(m.opts.InstallDir, "bin"), 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	copied, err := CopyIfNewer(m.opts.SourceBinary, m.binaryPath(), 0o755)
	if err != nil {
		return fmt.Errorf("install helper binary: %w", err)
	}
	if copied {
		m.logger.Info("installed helper binary", "path", m.binaryPath())
	}
	if m.opts.SourceConfig != "" {
		if _, err := CopyIfNewer(m.opts.SourceConfig, m.configPath(), 0o600); err != nil {
			return fmt.Errorf("install helper config: %w", err)
		}
	} else if _, err := os.Stat(m.configPath()); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(m.configPath(), nil, 0o600); err != nil {
			return fmt.Errorf("create helper config: %w", err)
		}
	}

	desc, err := m.tmpl.Render(m.svc.Kind(), template.Vars{
		ExecPath:   m.binaryPath(),
		ScriptPath: m.configPath(),
		User:       m.opts.User,
		Group:      m.opts.Group,
		LogPath:    m.opts.LogPath,
		WorkDir:    m.opts.InstallDir,
		Label:      m.opts.Label,
	})
	if err != nil {
		return fmt.Errorf("render descriptor: %w", err)
	}
	path := m.svc.DescriptorPath()
	if cur, err := os.ReadFile(path); err != nil || !bytes.Equal(cur, desc) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create descriptor dir: %w", err)
		}
		if err := os.WriteFile(path, desc, 0o644); err != nil {
			return fmt.Errorf("write descriptor: %w", err)
		}
		m.logger.Info("wrote helper descriptor", "path", path)
	}
	if err := m.svc.Register(ctx); err != nil {
		return err
	}
	return nil
}

// Start brings the daemon up, adopting one that is already running.
func (m *Manager) Start(ctx context.Context) error {
	if m.tracked.Load() {
		return nil
	}
	if m.svc == nil {
		return ErrUnsupportedPlatform
	}
	running, err := m.svc.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		m.logger.Info("helper already running, adopting")
		m.tracked.Store(true)
		return nil
	}
	if !m.installed() {
		if err := m.Install(ctx); err != nil {
			return err
		}
	}
	if err := m.svc.Start(ctx); err != nil {
		return err
	}
	m.tracked.Store(true)
	m.waitReachable(ctx)
	return nil
}

func (m *Manager) waitReachable(ctx context.Context) {
	if m.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if m.client.Reachable(ctx) {
			m.logger.Info("helper is reachable", "addr", m.client.Address())
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Warn("helper started but does not answer yet", "addr", m.client.Address())
			return
		case <-tick.C:
		}
	}
}

// Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	if m.svc == nil {
		return ErrUnsupportedPlatform
	}
	if err := m.svc.Stop(ctx); err != nil {
		return err
	}
	m.tracked.Store(false)
	return nil
}

func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.RestartDelay):
	}
	return m.Start(ctx)
}

// Uninstall stops and deregisters the daemon, then removes its descriptor.
func (m *Manager) Uninstall(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	if err := m.svc.Deregister(ctx); err != nil {
		return err
	}
	if err := os.Remove(m.svc.DescriptorPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove descriptor: %w", err)
	}
	m.logger.Info("helper uninstalled")
	return nil
}

func (m *Manager) installed() bool {
	_, err := os.Stat(m.svc.DescriptorPath())
	return err == nil
}

// Status queries the service manager every time.
func (m *Manager) Status(ctx context.Context) (State, error) {
	if m.svc == nil {
		return State{}, nil
	}
	st := State{Installed: m.installed()}
	running, err := m.svc.Running(ctx)
	if err != nil {
		return st, err
	}
	st.Running = running
	return st, nil
}

// Health combines Status with an IPC round trip.
func (m *Manager) Health(ctx context.Context) Health {
	var h Health
	st, err := m.Status(ctx)
	h.State = st
	if err != nil {
		h.Error = err.Error()
	}
	if m.client == nil {
		return h
	}
	rtt, err := m.client.Ping(ctx)
	if err != nil {
		if h.Error == "" {
			h.Error = err.Error()
		}
		return h
	}
	h.Reachable = true
	h.LatencyMs = rtt.Milliseconds()
	if ds, err := m.client.Status(ctx); err == nil {
		h.Daemon = &ds
	}
	return h
}

// CopyIfNewer copies src to dst unless dst is at least as new as src.
// It reports whether a copy happened.
func CopyIfNewer(src, dst string, mode os.FileMode) (bool, error) {
	si, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if di, err := os.Stat(dst); err == nil && !di.ModTime().Before(si.ModTime()) {
		return false, nil
	}
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return false, err
	}
	if err := os.Chtimes(tmp.Name(), si.ModTime(), si.ModTime()); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return false, err
	}
	return true, nil
}
