//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/logger"
)

func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %s", h.PID(), d)
	}
}

func TestStartAndTerminate(t *testing.T) {
	h, err := Start(Spec{Name: "sleeper", Argv: []string{"sleep", "5"}})
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	require.NoError(t, h.WaitStarted(100*time.Millisecond))
	assert.True(t, h.Alive())
	assert.False(t, h.Adopted())

	require.NoError(t, h.Terminate())
	waitDone(t, h, 2*time.Second)
	assert.False(t, h.Alive())
	assert.Error(t, h.ExitErr(), "SIGTERM exit is reported by wait")
}

func TestStartEmptyCommand(t *testing.T) {
	_, err := Start(Spec{Name: "x"})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Spec{Name: "x", Argv: []string{"/definitely/not/here"}})
	assert.Error(t, err)
}

func TestWaitStartedDetectsEarlyExit(t *testing.T) {
	h, err := Start(Spec{Name: "quick", Argv: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)

	err = h.WaitStarted(time.Second)
	assert.True(t, errors.Is(err, ErrExitedEarly))
}

func TestStopEscalatesToKill(t *testing.T) {
	// ignores SIGTERM so Stop must escalate
	h, err := Start(Spec{Name: "stubborn", Argv: []string{"sh", "-c", "trap '' TERM; sleep 5"}})
	require.NoError(t, err)
	require.NoError(t, h.WaitStarted(100*time.Millisecond))

	start := time.Now()
	require.NoError(t, h.Stop(200*time.Millisecond))
	waitDone(t, h, 2*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitHonoursContext(t *testing.T) {
	h, err := Start(Spec{Name: "sleeper", Argv: []string{"sleep", "5"}})
	require.NoError(t, err)
	defer func() { _ = h.Kill() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}

func TestAdoptObservesExit(t *testing.T) {
	h, err := Start(Spec{Name: "sleeper", Argv: []string{"sleep", "5"}})
	require.NoError(t, err)

	adopted, err := Adopt(h.PID(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, adopted.Adopted())
	assert.True(t, adopted.Alive())

	require.NoError(t, h.Kill())
	waitDone(t, h, 2*time.Second)
	waitDone(t, adopted, 2*time.Second)
}

func TestReleaseStopsAdoptPolling(t *testing.T) {
	h, err := Start(Spec{Name: "sleeper", Argv: []string{"sleep", "5"}})
	require.NoError(t, err)
	adopted, err := Adopt(h.PID(), 20*time.Millisecond)
	require.NoError(t, err)

	adopted.Release()
	adopted.Release()
	select {
	case <-adopted.Released():
	default:
		t.Fatal("released channel not closed")
	}

	require.NoError(t, h.Kill())
	waitDone(t, h, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, adopted.Exited(), "a released handle no longer polls")
}

func TestAdoptMissingPID(t *testing.T) {
	h, err := Start(Spec{Name: "gone", Argv: []string{"true"}})
	require.NoError(t, err)
	waitDone(t, h, 2*time.Second)

	_, err = Adopt(h.PID(), 0)
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestLogsWritten(t *testing.T) {
	dir := t.TempDir()
	h, err := Start(Spec{
		Name: "echoer",
		Argv: []string{"sh", "-c", "echo hello; echo oops 1>&2"},
		Log:  logger.Config{Dir: dir},
	})
	require.NoError(t, err)
	waitDone(t, h, 2*time.Second)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "echoer.stdout.log"))
		return err == nil && string(b) == "hello\n"
	}, time.Second, 10*time.Millisecond)
	b, err := os.ReadFile(filepath.Join(dir, "echoer.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(b))
}

func TestStartFailsOnUnusableLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := Start(Spec{
		Name: "echoer",
		Argv: []string{"true"},
		Log:  logger.Config{Dir: filepath.Join(file, "logs")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create log dir")
}

func TestExists(t *testing.T) {
	assert.True(t, Exists(os.Getpid()))
	assert.False(t, Exists(0))
	assert.False(t, Exists(-5))
}
