package port

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/store"
)

type fakeSource map[int][2]string

func (f fakeSource) InstanceForPID(_ context.Context, pid int) (string, string, bool) {
	v, ok := f[pid]
	return v[0], v[1], ok
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func newResolver(t *testing.T, owners []Owner, src InstanceSource) *Resolver {
	t.Helper()
	r := New(Options{
		Bans:   store.NewBanList(filepath.Join(t.TempDir(), "banned.json")),
		Exec:   execx.NewFake(),
		Source: src,
	})
	r.listeners = func(context.Context, int) ([]Owner, error) { return owners, nil }
	r.parentOf = func(int) int { return 0 }
	return r
}

func TestIsPortFree(t *testing.T) {
	r := newResolver(t, nil, nil)
	_, busy := listen(t)

	assert.False(t, r.IsPortFree(80), "privileged ports are never free")
	assert.False(t, r.IsPortFree(70000))
	assert.False(t, r.IsPortFree(busy))

	free, err := r.FindFreePort(20000, 200, nil)
	require.NoError(t, err)
	assert.True(t, r.IsPortFree(free))

	require.NoError(t, r.Ban(free))
	assert.False(t, r.IsPortFree(free), "banned ports are not free")
	require.NoError(t, r.Unban(free))
	assert.True(t, r.IsPortFree(free))
}

func TestIsPortFreeSeesIPv6Listener(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	if busy < PrivilegedThreshold {
		t.Skipf("ephemeral port %d below threshold", busy)
	}

	r := newResolver(t, nil, nil)
	assert.False(t, r.IsPortFree(busy))
	got, err := r.FindFreePort(busy, 50, nil)
	require.NoError(t, err)
	assert.NotEqual(t, busy, got)
}

func TestIsPortFreeSeesWildcardListener(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	r := newResolver(t, nil, nil)
	assert.False(t, r.IsPortFree(busy))
}

func TestFindFreePortSkipsClaimedAndBanned(t *testing.T) {
	r := newResolver(t, nil, nil)
	start, err := r.FindFreePort(30000, 500, nil)
	require.NoError(t, err)

	require.NoError(t, r.Ban(start+1))
	got, err := r.FindFreePort(start, 500, map[int]bool{start: true})
	require.NoError(t, err)
	assert.NotEqual(t, start, got)
	assert.NotEqual(t, start+1, got)
	assert.Greater(t, got, start)

	_, err = r.FindFreePort(MaxPort-1, 1, map[int]bool{MaxPort - 1: true})
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestFindFreePortRaisesPrivilegedStart(t *testing.T) {
	r := newResolver(t, nil, nil)
	got, err := r.FindFreePort(1, 2000, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, PrivilegedThreshold)
}

func TestCheckConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("free", func(t *testing.T) {
		r := newResolver(t, nil, nil)
		p, err := r.FindFreePort(40000, 200, nil)
		require.NoError(t, err)
		c, err := r.CheckConflict(ctx, p, "")
		require.NoError(t, err)
		assert.False(t, c.InUse)
		assert.NoError(t, c.Error())
	})

	t.Run("own instance", func(t *testing.T) {
		_, p := listen(t)
		r := newResolver(t, []Owner{{Name: "postgres", PID: 42}}, fakeSource{42: {"a", "alpha"}})
		c, err := r.CheckConflict(ctx, p, "a")
		require.NoError(t, err)
		assert.False(t, c.InUse)
		assert.True(t, c.Self)
	})

	t.Run("other instance", func(t *testing.T) {
		_, p := listen(t)
		r := newResolver(t, []Owner{{Name: "postgres", PID: 42}}, fakeSource{42: {"a", "alpha"}})
		c, err := r.CheckConflict(ctx, p, "b")
		require.NoError(t, err)
		assert.True(t, c.InUse)
		assert.Equal(t, "alpha", c.InstanceName)
		var ce *ConflictError
		require.ErrorAs(t, c.Error(), &ce)
		assert.Contains(t, ce.Error(), `instance "alpha"`)
	})

	t.Run("child of instance", func(t *testing.T) {
		_, p := listen(t)
		r := newResolver(t, []Owner{{Name: "postgres", PID: 43}}, fakeSource{42: {"a", "alpha"}})
		r.parentOf = func(pid int) int {
			if pid == 43 {
				return 42
			}
			return 0
		}
		c, err := r.CheckConflict(ctx, p, "")
		require.NoError(t, err)
		assert.Equal(t, "a", c.InstanceID)
	})

	t.Run("external", func(t *testing.T) {
		_, p := listen(t)
		r := newResolver(t, []Owner{{Name: "nginx", PID: 77}}, fakeSource{})
		c, err := r.CheckConflict(ctx, p, "a")
		require.NoError(t, err)
		assert.True(t, c.InUse)
		assert.True(t, c.External)
		assert.Equal(t, "nginx", c.Owner.Name)
	})

	t.Run("unattributed", func(t *testing.T) {
		_, p := listen(t)
		r := newResolver(t, []Owner{{Name: "zsh", PID: 9}}, nil)
		c, err := r.CheckConflict(ctx, p, "")
		require.NoError(t, err)
		assert.True(t, c.InUse)
		assert.Nil(t, c.Owner, "shell listeners are false positives")
		assert.Contains(t, c.Error().Error(), "another process")
	})
}

func TestParseLsof(t *testing.T) {
	out := "p101\ncpostgres\np102\ncCode Helper\np101\ncpostgres\nbogus\n"
	owners := ParseLsof(out)
	require.Len(t, owners, 2)
	assert.Equal(t, Owner{PID: 101, Name: "postgres"}, owners[0])
	assert.Equal(t, Owner{PID: 102, Name: "Code Helper"}, owners[1])
}

func TestWhoOwnsPortViaLsof(t *testing.T) {
	ctx := context.Background()
	fake := execx.NewFake().
		On("lsof -nP -iTCP:5432 -sTCP:LISTEN -Fpc", execx.FakeResponse{Stdout: "p9\nczsh\np11\ncpostgres\n"}).
		On("lsof -nP -iTCP:5433", execx.FakeResponse{ExitCode: 1})
	r := New(Options{Exec: fake})

	o, err := r.WhoOwnsPort(ctx, 5432)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, Owner{PID: 11, Name: "postgres"}, *o)

	o, err = r.WhoOwnsPort(ctx, 5433)
	require.NoError(t, err)
	assert.Nil(t, o)
}
