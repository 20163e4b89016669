package dbhelm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newFacade(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "dbhf")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("DBHELM_PATHS_DATA_DIR", dir)
	t.Setenv("DBHELM_SECRETS_BACKEND", "memory")

	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	c.Helper.Socket = filepath.Join(dir, "none.sock")
	c.Cleanup.OnStart = false
	m, err := New(c, Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestFacadeAddListDelete(t *testing.T) {
	ctx := context.Background()
	m := newFacade(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	rec, err := m.Add(ctx, NewSpec{Name: "pg", EngineType: EnginePostgres, Version: "16", Port: p, Password: "pw"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	views, err := m.List(ctx)
	if err != nil || len(views) != 1 || views[0].ID != rec.ID {
		t.Fatalf("list: %v %+v", err, views)
	}
	st, err := m.Status(ctx, "pg", false)
	if err != nil || st != "stopped" {
		t.Fatalf("status: %v %q", err, st)
	}
	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, rec.ID); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestFacadeBanList(t *testing.T) {
	m := newFacade(t)
	if err := m.Ban(6390); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := m.Add(context.Background(), NewSpec{Name: "r", EngineType: EngineRedis, Port: 6390}); err == nil {
		t.Fatalf("expected banned port to be rejected")
	}
	if err := m.Unban(6390); err != nil {
		t.Fatalf("unban: %v", err)
	}
}
