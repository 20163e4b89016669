//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/credentials"
	"github.com/loykin/dbhelm/internal/engine"
	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/history"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/process"
	"github.com/loykin/dbhelm/internal/store"
)

type fixture struct {
	sup   *Supervisor
	st    *store.Store
	rec   *events.Recorder
	hist  *history.MemorySink
	creds *credentials.Memory
	root  string
}

func newFixture(t *testing.T, eng engine.Engine, mod func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		st:    store.New(filepath.Join(dir, "instances.json"), nil),
		rec:   &events.Recorder{},
		hist:  &history.MemorySink{},
		creds: credentials.NewMemory(),
		root:  filepath.Join(dir, "data"),
	}
	opts := Options{
		Store:       f.st,
		Engines:     engine.NewTable(eng),
		Binaries:    engine.StaticResolver{},
		Credentials: f.creds,
		Notifier:    f.rec,
		History:     history.NewEmitter(nil, f.hist),
		DataRoot:    f.root,
		StartGrace:  100 * time.Millisecond,
		StopGrace:   500 * time.Millisecond,
		AdoptPoll:   50 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	f.sup = New(opts)
	t.Cleanup(func() { _ = f.sup.Shutdown(context.Background()) })
	return f
}

func sleeper(argv ...string) engine.Static {
	if len(argv) == 0 {
		argv = []string{"sleep", "30"}
	}
	return engine.Static{EngineType: instance.EngineRedis, Argv: argv}
}

func (f *fixture) add(t *testing.T, name string) instance.Record {
	t.Helper()
	r, err := instance.New(instance.NewSpec{Name: name, EngineType: instance.EngineRedis, Version: "7", Port: 16379})
	require.NoError(t, err)
	require.NoError(t, f.st.Add(context.Background(), r))
	return r
}

func (f *fixture) get(t *testing.T, id string) instance.Record {
	t.Helper()
	r, err := f.st.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestStartAndStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "cache")

	require.NoError(t, f.sup.Start(ctx, r))

	got := f.get(t, r.ID)
	assert.Equal(t, instance.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, []string{r.ID}, f.sup.Tracked())
	assert.DirExists(t, r.DataDir(f.root))

	err := f.sup.Start(ctx, r)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	st, err := f.sup.Status(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, st)

	pid := *got.PID
	require.NoError(t, f.sup.Stop(ctx, r.ID))
	got = f.get(t, r.ID)
	assert.Equal(t, instance.StatusStopped, got.Status)
	assert.Nil(t, got.PID)
	assert.Empty(t, f.sup.Tracked())

	changes := f.rec.StatusChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, instance.StatusRunning, changes[0].Status)
	assert.Equal(t, pid, *changes[0].PID)
	assert.Equal(t, instance.StatusStopped, changes[1].Status)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, f.hist.Types())

	assert.Eventually(t, func() bool { return !process.Exists(pid) },
		2*time.Second, 20*time.Millisecond, "terminated process goes away")
}

func TestStopWithoutEntryHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "idle")

	before, err := os.ReadFile(f.st.Path())
	require.NoError(t, err)

	err = f.sup.Stop(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "not running", err.Error())

	after, err := os.ReadFile(f.st.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Empty(t, f.rec.Events())
}

func TestSpawnFailureLeavesStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper("sh", "-c", "exit 2"), nil)
	r := f.add(t, "broken")

	err := f.sup.Start(ctx, r)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageGrace, se.Stage)
	assert.Equal(t, r.ID, se.ID)

	assert.Equal(t, instance.StatusStopped, f.get(t, r.ID).Status)
	assert.Empty(t, f.sup.Tracked())
	assert.False(t, f.sup.Registry().Pending(r.ID), "reservation is released")
}

func TestMissingBinaryIsSpawnError(t *testing.T) {
	f := newFixture(t, sleeper("/nonexistent/engine-binary"), nil)
	r := f.add(t, "ghost")

	err := f.sup.Start(context.Background(), r)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSpawn, se.Stage)
}

func TestUnknownEngine(t *testing.T) {
	f := newFixture(t, sleeper(), nil)
	r, err := instance.New(instance.NewSpec{Name: "pg", EngineType: instance.EnginePostgres, Port: 15432})
	require.NoError(t, err)
	require.NoError(t, f.st.Add(context.Background(), r))

	err = f.sup.Start(context.Background(), r)
	assert.ErrorIs(t, err, engine.ErrUnknownEngine)
}

func TestUnexpectedExitMarksStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper("sh", "-c", "sleep 0.4; exit 1"), nil)
	r := f.add(t, "flaky")

	require.NoError(t, f.sup.Start(ctx, r))
	assert.Eventually(t, func() bool {
		return f.get(t, r.ID).Status == instance.StatusStopped && len(f.sup.Tracked()) == 0
	}, 3*time.Second, 20*time.Millisecond)

	changes := f.rec.StatusChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, instance.StatusStopped, changes[1].Status)
	assert.NotEmpty(t, changes[1].Error)
	assert.Contains(t, f.hist.Types(), history.EventExit)
}

type gateResolver struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateResolver) Resolve(context.Context, instance.EngineType, string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return "", nil
}

func TestStopDuringStartCancels(t *testing.T) {
	ctx := context.Background()
	gate := &gateResolver{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, sleeper(), func(o *Options) { o.Binaries = gate })
	r := f.add(t, "racy")

	errc := make(chan error, 1)
	go func() { errc <- f.sup.Start(ctx, r) }()
	<-gate.entered

	st, err := f.sup.Status(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusStarting, st)

	require.NoError(t, f.sup.Stop(ctx, r.ID))
	close(gate.release)

	assert.ErrorIs(t, <-errc, ErrStartCancelled)
	assert.Empty(t, f.sup.Tracked())
	assert.Equal(t, instance.StatusStopped, f.get(t, r.ID).Status)
}

func TestStatusVerifyProbesListener(t *testing.T) {
	ctx := context.Background()
	eng := sleeper()
	eng.ListensTCP = true
	f := newFixture(t, eng, nil)
	r := f.add(t, "deaf")
	require.NoError(t, f.sup.Start(ctx, r))

	st, err := f.sup.Status(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusError, st, "alive process without a listener")

	st, err = f.sup.Status(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, st)
}

type busyPorts struct{}

func (busyPorts) CheckConflict(_ context.Context, p int, _ string) (port.Conflict, error) {
	return port.Conflict{Port: p, InUse: true, External: true, Owner: &port.Owner{Name: "nginx", PID: 7}}, nil
}

func TestStartRefusesBusyPort(t *testing.T) {
	f := newFixture(t, sleeper(), func(o *Options) {
		o.Ports = busyPorts{}
		o.CheckPort = true
	})
	r := f.add(t, "blocked")

	err := f.sup.Start(context.Background(), r)
	var ce *port.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nginx", ce.Conflict.Owner.Name)
	assert.Empty(t, f.sup.Tracked())
}

func TestDeleteRunningInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "doomed")
	require.NoError(t, f.creds.Set(r.CredentialRef, "pw"))
	require.NoError(t, f.sup.Start(ctx, r))
	pid := *f.get(t, r.ID).PID

	require.NoError(t, f.sup.Delete(ctx, r.ID))

	_, err := f.st.Get(ctx, r.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoDirExists(t, r.DataDir(f.root))
	assert.Equal(t, 0, f.creds.Len())
	assert.Empty(t, f.sup.Tracked())
	assert.False(t, process.Exists(pid), "process is gone after delete")
}

func TestShutdownStopsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	a, b := f.add(t, "a"), f.add(t, "b")
	require.NoError(t, f.sup.Start(ctx, a))
	require.NoError(t, f.sup.Start(ctx, b))

	require.NoError(t, f.sup.Shutdown(ctx))
	assert.Empty(t, f.sup.Tracked())
	assert.Equal(t, instance.StatusStopped, f.get(t, a.ID).Status)
	assert.Equal(t, instance.StatusStopped, f.get(t, b.ID).Status)
	assert.ErrorIs(t, f.sup.Start(ctx, a), ErrClosed)
}
