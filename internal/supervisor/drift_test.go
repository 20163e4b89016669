//go:build !windows

package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/instance"
)

// external starts a process this supervisor does not own.
func external(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func (f *fixture) setRunning(t *testing.T, id string, pid int) {
	t.Helper()
	_, err := f.st.Update(context.Background(), id, func(r *instance.Record) error {
		*r = r.WithRunning(pid)
		return nil
	})
	require.NoError(t, err)
}

func TestAdoptExternalProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "foreign")
	cmd := external(t)
	pid := cmd.Process.Pid
	f.setRunning(t, r.ID, pid)

	ok, err := f.sup.Adopt(ctx, r.ID, pid)
	require.NoError(t, err)
	assert.True(t, ok)
	e, tracked := f.sup.Registry().Get(r.ID)
	require.True(t, tracked)
	assert.True(t, e.Adopted)

	ok, err = f.sup.Adopt(ctx, r.ID, pid)
	require.NoError(t, err)
	assert.False(t, ok, "already tracked")

	// exit of an adopted process is observed by polling
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
	assert.Eventually(t, func() bool {
		return !f.sup.Registry().Has(r.ID) && f.get(t, r.ID).Status == instance.StatusStopped
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAdoptRevalidatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "moved")
	cmd := external(t)

	// record says stopped
	ok, err := f.sup.Adopt(ctx, r.ID, cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, ok)

	// record points at another pid
	f.setRunning(t, r.ID, cmd.Process.Pid+100000)
	ok, err = f.sup.Adopt(ctx, r.ID, cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.sup.Adopt(ctx, "missing", cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDropWhenRecordSaysStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "stale")
	require.NoError(t, f.sup.Start(ctx, r))
	e, _ := f.sup.Registry().Get(r.ID)
	defer func() { _ = e.Handle.Kill() }()

	ok, err := f.sup.Drop(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "record still says running")

	_, err = f.st.Update(ctx, r.ID, func(x *instance.Record) error {
		*x = x.WithStopped()
		return nil
	})
	require.NoError(t, err)

	f.rec.Reset()
	ok, err = f.sup.Drop(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.sup.Registry().Has(r.ID))
	select {
	case <-e.Handle.Released():
	default:
		t.Fatal("dropped handle was not released")
	}
	changes := f.rec.StatusChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, instance.StatusStopped, changes[0].Status)
}

func TestDropReleasesAdoptedHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "foreign")
	cmd := external(t)
	pid := cmd.Process.Pid
	f.setRunning(t, r.ID, pid)

	ok, err := f.sup.Adopt(ctx, r.ID, pid)
	require.NoError(t, err)
	require.True(t, ok)
	first, _ := f.sup.Registry().Get(r.ID)

	_, err = f.st.Update(ctx, r.ID, func(x *instance.Record) error {
		*x = x.WithStopped()
		return nil
	})
	require.NoError(t, err)
	ok, err = f.sup.Drop(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case <-first.Handle.Released():
	default:
		t.Fatal("adopted handle still polling after drop")
	}

	// re-adopting the same pid tracks a fresh handle
	f.setRunning(t, r.ID, pid)
	ok, err = f.sup.Adopt(ctx, r.ID, pid)
	require.NoError(t, err)
	require.True(t, ok)
	second, _ := f.sup.Registry().Get(r.ID)
	assert.NotSame(t, first.Handle, second.Handle)
}

func TestDropWhenRecordDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "gone")
	require.NoError(t, f.sup.Start(ctx, r))
	e, _ := f.sup.Registry().Get(r.ID)
	defer func() { _ = e.Handle.Kill() }()
	require.NoError(t, f.st.Delete(ctx, r.ID))

	ok, err := f.sup.Drop(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.sup.Tracked())
}

func TestMarkStoppedDeadPID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "crashed")
	pid := deadPID(t)
	f.setRunning(t, r.ID, pid)

	ok, err := f.sup.MarkStopped(ctx, r.ID, pid)
	require.NoError(t, err)
	assert.True(t, ok)
	got := f.get(t, r.ID)
	assert.Equal(t, instance.StatusStopped, got.Status)
	assert.Nil(t, got.PID)

	ok, err = f.sup.MarkStopped(ctx, r.ID, pid)
	require.NoError(t, err)
	assert.False(t, ok, "already corrected")
}

func TestMarkStoppedKeepsLiveProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sleeper(), nil)
	r := f.add(t, "alive")
	cmd := external(t)
	f.setRunning(t, r.ID, cmd.Process.Pid)

	ok, err := f.sup.MarkStopped(ctx, r.ID, cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, instance.StatusRunning, f.get(t, r.ID).Status)
}
