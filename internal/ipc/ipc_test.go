//go:build !windows

package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/env"
	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/store"
)

// socketPath stays short enough for sun_path on macOS.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dbh")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "h.sock")
}

func serve(t *testing.T, h Handler) string {
	t.Helper()
	addr := socketPath(t)
	srv := NewServer(h, ServerOptions{Timeout: 2 * time.Second})
	require.NoError(t, srv.Listen(addr))
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return addr
}

type stubHandler struct {
	block time.Duration
	calls atomic.Int32
}

func (s *stubHandler) Status(context.Context) (DaemonStatus, error) {
	s.calls.Add(1)
	return DaemonStatus{PID: 42, Version: "test"}, nil
}

func (s *stubHandler) Cleanup(context.Context) (cleanup.Report, error) {
	s.calls.Add(1)
	time.Sleep(s.block)
	return cleanup.Report{Scanned: 3, Killed: 1}, nil
}

func (s *stubHandler) CheckPort(_ context.Context, p int, _ string) (port.Conflict, error) {
	s.calls.Add(1)
	return port.Conflict{Port: p, InUse: true, External: true}, nil
}

func (s *stubHandler) FindPort(_ context.Context, start, _ int) (int, error) {
	s.calls.Add(1)
	if start > 60000 {
		return 0, errors.New("no free port found")
	}
	return start + 1, nil
}

func TestClientServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	addr := serve(t, &stubHandler{})
	c := NewClient(addr, time.Second)

	info, err := os.Stat(addr)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.True(t, c.Reachable(ctx))
	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, st.PID)

	rep, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Killed)

	conflict, err := c.CheckPort(ctx, 5432, "")
	require.NoError(t, err)
	assert.True(t, conflict.InUse)
	assert.Equal(t, 5432, conflict.Port)

	p, err := c.FindPort(ctx, 5432, 10)
	require.NoError(t, err)
	assert.Equal(t, 5433, p)
}

func TestRemoteErrorIsTyped(t *testing.T) {
	addr := serve(t, &stubHandler{})
	_, err := NewClient(addr, time.Second).FindPort(context.Background(), 65000, 10)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, OpFindPort, re.Op)
	assert.Contains(t, re.Message, "no free port")
	assert.False(t, IsConnectivity(err))
}

func TestConnectivityErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no socket", func(t *testing.T) {
		c := NewClient(filepath.Join(socketPath(t)+".missing"), time.Second)
		_, err := c.Status(ctx)
		assert.True(t, IsConnectivity(err))
		assert.False(t, c.Reachable(ctx))
	})

	t.Run("timeout", func(t *testing.T) {
		addr := serve(t, &stubHandler{block: 500 * time.Millisecond})
		c := NewClient(addr, 100*time.Millisecond)
		_, err := c.Cleanup(ctx)
		var ce *ConnectivityError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, OpCleanup, ce.Op)
	})
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	srv := NewServer(&stubHandler{}, ServerOptions{})
	ctx := context.Background()

	resp := srv.Dispatch(ctx, Request{Type: "reboot"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown request type")

	resp = srv.Dispatch(ctx, Request{Type: OpCheckPort})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "missing data")
}

type quietSignals struct{}

func (quietSignals) Signal(int, syscall.Signal) error { return nil }
func (quietSignals) Exists(int) bool                  { return false }

type procs []cleanup.Proc

func (p procs) List(context.Context) ([]cleanup.Proc, error) { return p, nil }

// counting forwards to a handler and counts daemon-side calls.
type counting struct {
	Handler
	n atomic.Int32
}

func (c *counting) Cleanup(ctx context.Context) (cleanup.Report, error) {
	c.n.Add(1)
	return c.Handler.Cleanup(ctx)
}

func (c *counting) CheckPort(ctx context.Context, p int, id string) (port.Conflict, error) {
	c.n.Add(1)
	return c.Handler.CheckPort(ctx, p, id)
}

func (c *counting) FindPort(ctx context.Context, start, attempts int) (int, error) {
	c.n.Add(1)
	return c.Handler.FindPort(ctx, start, attempts)
}

func TestFallbackMatchesDaemon(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "instances.json"), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	fake := execx.NewFake().On("lsof -nP -iTCP:"+strconv.Itoa(busy), execx.FakeResponse{Stdout: "p77\ncnginx\n"})

	ports := port.New(port.Options{Bans: store.NewBanList(filepath.Join(dir, "banned.json")), Exec: fake})
	cleaner := cleanup.New(cleanup.Options{
		Store:   st,
		Lister:  procs{{PID: 9001, Name: "postgres", Env: []string{env.MarkerKey + "=gone"}}},
		Signals: quietSignals{},
		Grace:   10 * time.Millisecond,
	})
	local := NewLocal(cleaner, ports, "test")
	daemon := &counting{Handler: local}
	addr := serve(t, daemon)

	viaDaemon := NewGateway(NewClient(addr, time.Second), local, nil)
	direct := NewGateway(NewClient(addr+".missing", time.Second), local, nil)

	repA, err := viaDaemon.Cleanup(ctx)
	require.NoError(t, err)
	repB, err := direct.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, repA, repB)
	require.Len(t, repA.Orphans, 1)
	assert.Equal(t, 9001, repA.Orphans[0].PID)

	cA, err := viaDaemon.CheckPort(ctx, busy, "")
	require.NoError(t, err)
	cB, err := direct.CheckPort(ctx, busy, "")
	require.NoError(t, err)
	assert.Equal(t, cA, cB)
	assert.True(t, cA.InUse)
	require.NotNil(t, cA.Owner)
	assert.Equal(t, "nginx", cA.Owner.Name)

	pA, err := viaDaemon.FindPort(ctx, 31000, 200)
	require.NoError(t, err)
	pB, err := direct.FindPort(ctx, 31000, 200)
	require.NoError(t, err)
	assert.Equal(t, pA, pB)

	assert.Equal(t, int32(3), daemon.n.Load(), "daemon served only the reachable gateway")

	_, err = direct.Status(ctx)
	assert.ErrorIs(t, err, ErrDaemonUnavailable)
	st2, err := viaDaemon.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st2.PID)
}

func TestSlowCleanupStaysOnDaemon(t *testing.T) {
	ctx := context.Background()
	daemon := &stubHandler{block: 300 * time.Millisecond}
	addr := socketPath(t)
	srv := NewServer(daemon, ServerOptions{
		Timeout:    100 * time.Millisecond,
		OpTimeouts: map[Op]time.Duration{OpCleanup: 2 * time.Second},
	})
	require.NoError(t, srv.Listen(addr))
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	direct := &stubHandler{}
	client := NewClient(addr, 100*time.Millisecond).SetTimeout(OpCleanup, 2*time.Second)
	gw := NewGateway(client, direct, nil)

	rep, err := gw.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Killed)
	assert.Equal(t, int32(1), daemon.calls.Load())
	assert.Equal(t, int32(0), direct.calls.Load(), "cleanup must not run twice")

	// other ops keep the short budget
	_, err = NewClient(addr, 100*time.Millisecond).Cleanup(ctx)
	assert.True(t, IsConnectivity(err))
}
