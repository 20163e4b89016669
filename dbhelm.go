// Package dbhelm is the public facade for embedding the instance manager.
package dbhelm

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/dbhelm/internal/config"
	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/manager"
	"github.com/loykin/dbhelm/internal/metrics"
	iapi "github.com/loykin/dbhelm/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Record = instance.Record

type NewSpec = instance.NewSpec

type Status = instance.Status

type EngineType = instance.EngineType

type View = manager.View

type Patch = manager.Patch

type Options = manager.Options

type Event = events.Event

const (
	EnginePostgres = instance.EnginePostgres
	EngineMySQL    = instance.EngineMySQL
	EngineMongo    = instance.EngineMongo
	EngineRedis    = instance.EngineRedis
)

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func New(c *Config, opts Options) (*Manager, error) {
	m, err := manager.New(c, opts)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: m}, nil
}

func (m *Manager) Run(ctx context.Context) error      { return m.inner.Run(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

func (m *Manager) List(ctx context.Context) ([]View, error)         { return m.inner.List(ctx) }
func (m *Manager) Get(ctx context.Context, id string) (View, error) { return m.inner.Get(ctx, id) }
func (m *Manager) Add(ctx context.Context, s NewSpec) (Record, error) {
	return m.inner.Add(ctx, s)
}
func (m *Manager) Update(ctx context.Context, id string, p Patch) (Record, error) {
	return m.inner.Update(ctx, id, p)
}
func (m *Manager) Delete(ctx context.Context, id string) error { return m.inner.Delete(ctx, id) }
func (m *Manager) Start(ctx context.Context, id string) error  { return m.inner.Start(ctx, id) }
func (m *Manager) Stop(ctx context.Context, id string) error   { return m.inner.Stop(ctx, id) }
func (m *Manager) Status(ctx context.Context, id string, verify bool) (Status, error) {
	return m.inner.Status(ctx, id, verify)
}
func (m *Manager) FindPort(ctx context.Context, start, maxAttempts int) (int, error) {
	return m.inner.FindPort(ctx, start, maxAttempts)
}
func (m *Manager) Ban(port int) error   { return m.inner.Ban(port) }
func (m *Manager) Unban(port int) error { return m.inner.Unban(port) }

// Events subscribes to status and store changes. Call cancel to unsubscribe.
func (m *Manager) Events() (<-chan Event, func()) { return m.inner.Events() }

// NewHTTPServer starts an HTTP server exposing the API for m.
func NewHTTPServer(addr, basePath string, withMetrics bool, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, withMetrics, m.inner)
}

// NewHandler returns the API as an http.Handler for mounting in another router.
func NewHandler(basePath string, withMetrics bool, m *Manager) http.Handler {
	return iapi.NewRouter(m.inner, basePath, withMetrics).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
