package ipc

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/port"
)

// Local performs every operation in the current process. The daemon serves
// it over the socket; the gateway uses the same operations as its fallback.
type Local struct {
	Cleaner *cleanup.Cleaner
	Ports   *port.Resolver
	Version string

	startedAt time.Time
	mu        sync.Mutex
	last      *time.Time
	killed    int
}

func NewLocal(c *cleanup.Cleaner, p *port.Resolver, version string) *Local {
	return &Local{Cleaner: c, Ports: p, Version: version, startedAt: time.Now().UTC()}
}

func (l *Local) Status(context.Context) (DaemonStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := DaemonStatus{
		PID:           os.Getpid(),
		Version:       l.Version,
		StartedAt:     l.startedAt,
		UptimeSeconds: int64(time.Since(l.startedAt).Seconds()),
		OrphansKilled: l.killed,
	}
	if l.last != nil {
		t := *l.last
		st.LastCleanup = &t
	}
	return st, nil
}

func (l *Local) Cleanup(ctx context.Context) (cleanup.Report, error) {
	rep, err := l.Cleaner.Run(ctx)
	now := time.Now().UTC()
	l.mu.Lock()
	l.last = &now
	l.killed += rep.Killed
	l.mu.Unlock()
	return rep, err
}

func (l *Local) CheckPort(ctx context.Context, p int, excludingID string) (port.Conflict, error) {
	return l.Ports.CheckConflict(ctx, p, excludingID)
}

func (l *Local) FindPort(_ context.Context, start, maxAttempts int) (int, error) {
	return l.Ports.FindFreePort(start, maxAttempts, nil)
}
