package cleanup

import (
	"context"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/env"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/store"
)

type staticLister []Proc

func (s staticLister) List(context.Context) ([]Proc, error) { return s, nil }

// fakeSignals models processes that die on SIGTERM unless stubborn.
type fakeSignals struct {
	mu       sync.Mutex
	alive    map[int]bool
	stubborn map[int]bool
	sent     []string
}

func newSignals(pids ...int) *fakeSignals {
	f := &fakeSignals{alive: map[int]bool{}, stubborn: map[int]bool{}}
	for _, p := range pids {
		f.alive[p] = true
	}
	return f
}

func (f *fakeSignals) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sig.String())
	if sig == syscall.SIGKILL || !f.stubborn[pid] {
		delete(f.alive, pid)
	}
	return nil
}

func (f *fakeSignals) Exists(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(filepath.Join(t.TempDir(), "instances.json"), nil)
}

func addRecord(t *testing.T, st *store.Store, name string, pid int) instance.Record {
	t.Helper()
	r, err := instance.New(instance.NewSpec{Name: name, EngineType: instance.EngineMySQL, Version: "8", Port: 13306})
	require.NoError(t, err)
	if pid > 0 {
		r = r.WithRunning(pid)
	}
	require.NoError(t, st.Add(context.Background(), r))
	return r
}

func marker(id string) []string { return []string{"PATH=/bin", env.MarkerKey + "=" + id} }

func TestScanClassifiesProcesses(t *testing.T) {
	st := newStore(t)
	root := t.TempDir()
	running := addRecord(t, st, "running", 500)
	stopped := addRecord(t, st, "stopped", 0)
	old := time.Now().Add(-time.Hour)

	procs := staticLister{
		{PID: 500, PPID: 1, Name: "mysqld", Env: marker(running.ID), CreatedAt: old},
		{PID: 501, PPID: 500, Name: "mysqld", Env: marker(running.ID), CreatedAt: old},
		{PID: 600, PPID: 1, Name: "mysqld", Env: marker(running.ID), CreatedAt: old},
		{PID: 700, PPID: 1, Name: "mysqld", Env: marker(stopped.ID), CreatedAt: old},
		{PID: 800, PPID: 1, Name: "mongod", Env: marker("deleted-id"), CreatedAt: old},
		{PID: 900, PPID: 1, Name: "postgres", Cmdline: "postgres -D " + filepath.Join(root, "postgresql", "gone-dir"), CreatedAt: old},
		{PID: 950, PPID: 1, Name: "mysqld", Cmdline: "mysqld --datadir=" + stopped.DataDir(root), CreatedAt: old},
		{PID: 990, PPID: 1, Name: "mysqld", Env: marker(stopped.ID), CreatedAt: time.Now()},
		{PID: 999, PPID: 1, Name: "bash"},
	}
	c := New(Options{Store: st, DataRoot: root, MinAge: time.Minute, Lister: procs, Signals: newSignals()})

	orphans, scanned, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(procs), scanned)

	got := map[int]string{}
	for _, o := range orphans {
		got[o.PID] = o.Reason
	}
	assert.Equal(t, map[int]string{
		600: "instance runs as pid 500",
		700: "instance stopped",
		800: "instance deleted",
		900: "instance deleted",
		950: "instance stopped",
	}, got)
}

func TestRunTerminatesThenKills(t *testing.T) {
	st := newStore(t)
	procs := staticLister{
		{PID: 10, Name: "redis-server", Env: marker("x")},
		{PID: 11, Name: "redis-server", Env: marker("y")},
	}
	sig := newSignals(10, 11)
	sig.stubborn[11] = true
	c := New(Options{Store: st, Lister: procs, Signals: sig, Grace: 100 * time.Millisecond})

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Orphans, 2)
	assert.Equal(t, 2, rep.Killed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, []string{"terminated", "terminated", "killed"}, sig.sent)
}

func TestRunCorrectsDeadRecords(t *testing.T) {
	st := newStore(t)
	dead := addRecord(t, st, "dead", 4321)
	live := addRecord(t, st, "live", 4322)
	c := New(Options{Store: st, Lister: staticLister{}, Signals: newSignals(4322), Correct: true})

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{dead.ID}, rep.Corrected)

	got, err := st.Get(context.Background(), dead.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusStopped, got.Status)
	assert.Nil(t, got.PID)

	got, err = st.Get(context.Background(), live.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, got.Status)
}

func TestRunWithoutCorrectionLeavesRecords(t *testing.T) {
	st := newStore(t)
	dead := addRecord(t, st, "dead", 4321)
	c := New(Options{Store: st, Lister: staticLister{}, Signals: newSignals()})

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Corrected)
	assert.Empty(t, rep.Orphans)
	got, err := st.Get(context.Background(), dead.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, got.Status)
}
