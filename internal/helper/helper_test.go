package helper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/pkg/template"
)

type fakeService struct {
	mu         sync.Mutex
	path       string
	running    bool
	calls      []string
	registerIn chan struct{}
	registerGo chan struct{}
}

func (f *fakeService) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Kind() template.Kind   { return template.KindSystemd }
func (f *fakeService) DescriptorPath() string { return f.path }

func (f *fakeService) Register(context.Context) error {
	f.record("register")
	if f.registerIn != nil {
		close(f.registerIn)
		<-f.registerGo
	}
	return nil
}

func (f *fakeService) Deregister(context.Context) error { f.record("deregister"); return nil }

func (f *fakeService) Start(context.Context) error {
	f.record("start")
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.record("stop")
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Running(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func newManager(t *testing.T) (*Manager, *fakeService, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "dbhelm")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))
	svc := &fakeService{path: filepath.Join(dir, "units", "io.dbhelm.helper.service")}
	m := NewManager(Options{
		Service:      svc,
		InstallDir:   filepath.Join(dir, "install"),
		SourceBinary: src,
		User:         "alice",
		Group:        "staff",
		RestartDelay: time.Millisecond,
	})
	return m, svc, dir
}

func TestInstallRendersDescriptor(t *testing.T) {
	ctx := context.Background()
	m, svc, dir := newManager(t)

	require.NoError(t, m.Install(ctx))
	bin := filepath.Join(dir, "install", "bin", "dbhelm")
	assert.FileExists(t, bin)
	assert.FileExists(t, filepath.Join(dir, "install", "helper.toml"))

	desc, err := os.ReadFile(svc.path)
	require.NoError(t, err)
	assert.Contains(t, string(desc), "ExecStart="+bin+" helper run")
	assert.Contains(t, string(desc), "User=alice")
	assert.Contains(t, string(desc), "append:"+filepath.Join(dir, "install", "helper.log"))
	assert.Equal(t, []string{"register"}, svc.Calls())

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{Installed: true}, st)
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, dir := newManager(t)
	require.NoError(t, m.Install(ctx))

	bin := filepath.Join(dir, "install", "bin", "dbhelm")
	before, err := os.Stat(bin)
	require.NoError(t, err)

	copied, err := CopyIfNewer(filepath.Join(dir, "dbhelm"), bin, 0o755)
	require.NoError(t, err)
	assert.False(t, copied, "target as new as source")

	require.NoError(t, m.Install(ctx))
	after, err := os.Stat(bin)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	// a newer source is copied again
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "dbhelm"), later, later))
	copied, err = CopyIfNewer(filepath.Join(dir, "dbhelm"), bin, 0o755)
	require.NoError(t, err)
	assert.True(t, copied)
}

func TestConcurrentInstallIsRejected(t *testing.T) {
	m, svc, _ := newManager(t)
	svc.registerIn = make(chan struct{})
	svc.registerGo = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- m.Install(context.Background()) }()
	<-svc.registerIn

	assert.ErrorIs(t, m.Install(context.Background()), ErrInstallInProgress)
	close(svc.registerGo)
	require.NoError(t, <-errc)
}

func TestStartAdoptsRunningDaemon(t *testing.T) {
	m, svc, _ := newManager(t)
	svc.running = true

	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, svc.Calls(), "no install or start for an adopted daemon")

	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, svc.Calls())
}

func TestStartInstallsFirst(t *testing.T) {
	m, svc, _ := newManager(t)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"register", "start"}, svc.Calls())

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{Installed: true, Running: true}, st)
}

func TestRestartAndUninstall(t *testing.T) {
	ctx := context.Background()
	m, svc, _ := newManager(t)
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Restart(ctx))
	assert.Equal(t, []string{"register", "start", "stop", "start"}, svc.Calls())

	require.NoError(t, m.Uninstall(ctx))
	assert.NoFileExists(t, svc.path)
	calls := svc.Calls()
	assert.Equal(t, []string{"stop", "deregister"}, calls[len(calls)-2:])

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, st)

	// stopping again is fine
	require.NoError(t, m.Stop(ctx))
}

func TestStatusIsLive(t *testing.T) {
	ctx := context.Background()
	m, svc, _ := newManager(t)
	require.NoError(t, m.Start(ctx))

	svc.mu.Lock()
	svc.running = false // stopped behind our back
	svc.mu.Unlock()
	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)

	h := m.Health(ctx)
	assert.True(t, h.Installed)
	assert.False(t, h.Reachable)
}

func TestSystemdCommands(t *testing.T) {
	ctx := context.Background()
	fake := execx.NewFake().
		On("systemctl --user is-active io.dbhelm.helper.service", execx.FakeResponse{Stdout: "inactive\n", ExitCode: 3}).
		On("systemctl --user stop", execx.FakeResponse{Stderr: "Failed to stop io.dbhelm.helper.service: Unit io.dbhelm.helper.service not loaded.", ExitCode: 5}).
		On("systemctl --user start", execx.FakeResponse{Stderr: "Job failed", ExitCode: 1})
	s := &Systemd{Unit: "io.dbhelm.helper", Home: "/home/alice", Exec: fake}

	assert.Equal(t, "/home/alice/.config/systemd/user/io.dbhelm.helper.service", s.DescriptorPath())
	running, err := s.Running(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	assert.NoError(t, s.Stop(ctx), "not loaded counts as stopped")
	assert.Error(t, s.Start(ctx))

	require.NoError(t, s.Register(ctx))
	assert.True(t, fake.Called("systemctl --user daemon-reload"))
	assert.True(t, fake.Called("systemctl --user enable io.dbhelm.helper.service"))

	sys := &Systemd{Unit: "io.dbhelm.helper", Scope: ScopeSystem, Exec: execx.NewFake().
		On("systemctl is-active", execx.FakeResponse{Stdout: "active\n"})}
	assert.Equal(t, "/etc/systemd/system/io.dbhelm.helper.service", sys.DescriptorPath())
	running, err = sys.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestLaunchdCommands(t *testing.T) {
	ctx := context.Background()
	fake := execx.NewFake().
		On("launchctl bootstrap", execx.FakeResponse{Stderr: "Bootstrap failed: 5: Service is already loaded", ExitCode: 5}).
		On("launchctl print gui/501/io.dbhelm.helper", execx.FakeResponse{Stdout: "\tstate = running\n\tpid = 812\n"}).
		On("launchctl bootout", execx.FakeResponse{Stderr: "Boot-out failed: 3: No such process", ExitCode: 3})
	l := &Launchd{Label: "io.dbhelm.helper", Home: "/Users/alice", UID: "501", Exec: fake}

	assert.Equal(t, "/Users/alice/Library/LaunchAgents/io.dbhelm.helper.plist", l.DescriptorPath())
	require.NoError(t, l.Start(ctx))
	assert.True(t, fake.Called("launchctl kickstart gui/501/io.dbhelm.helper"))
	running, err := l.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running)
	assert.NoError(t, l.Stop(ctx))
	assert.NoError(t, l.Deregister(ctx))
}
