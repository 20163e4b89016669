// Package manager wires the dbhelm components together and exposes the
// operations the UI and the API server call.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/99designs/keyring"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/dbhelm/internal/autostart"
	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/config"
	"github.com/loykin/dbhelm/internal/credentials"
	"github.com/loykin/dbhelm/internal/engine"
	"github.com/loykin/dbhelm/internal/env"
	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/helper"
	"github.com/loykin/dbhelm/internal/history"
	"github.com/loykin/dbhelm/internal/history/factory"
	"github.com/loykin/dbhelm/internal/ipc"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/reconciler"
	"github.com/loykin/dbhelm/internal/registry"
	"github.com/loykin/dbhelm/internal/store"
	"github.com/loykin/dbhelm/internal/supervisor"
)

const eventBuffer = 64

// Options overrides collaborators that default to the real OS.
type Options struct {
	Version     string
	Logger      *slog.Logger
	Exec        execx.Executor
	Engines     engine.Table
	Binaries    engine.BinaryResolver
	Credentials credentials.Store
	// Service overrides the detected OS service manager for the helper.
	Service    helper.ServiceManager
	Lister     cleanup.ProcessLister
	Signals    cleanup.Signaler
	Registerer prometheus.Registerer
	// Notifier receives every event in addition to the bus.
	Notifier events.Notifier
	// ConfigPath is installed next to the helper binary.
	ConfigPath string
}

// Manager owns every component for one data directory.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	bans     *store.BanList
	registry *registry.Registry
	ports    *port.Resolver
	bus      *events.Bus
	history  *history.Emitter
	creds    credentials.Store
	sup      *supervisor.Supervisor
	recon    *reconciler.Reconciler
	seq      *autostart.Sequencer
	cleaner  *cleanup.Cleaner
	local    *ipc.Local
	gateway  *ipc.Gateway
	helper   *helper.Manager

	shutdownOnce sync.Once
}

func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Exec == nil {
		opts.Exec = execx.OS{}
	}
	if opts.Engines == nil {
		opts.Engines = engine.DefaultTable()
	}
	if opts.Binaries == nil {
		opts.Binaries = engine.PathResolver{Dirs: cfg.EngineDirs(), Table: opts.Engines, Exec: opts.Exec}
	}
	logger := opts.Logger

	if cfg.Metrics.Enabled {
		r := opts.Registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st := store.New(cfg.Paths.StateFile, logger)
	if err := st.Ensure(); err != nil {
		return nil, err
	}
	bans := store.NewBanList(cfg.Paths.BanFile)
	reg := registry.New()

	ports := port.New(port.Options{Bans: bans, Exec: opts.Exec, Logger: logger})
	ports.SetSource(instanceSource{reg: reg, st: st})

	creds := opts.Credentials
	if creds == nil {
		var err error
		if creds, err = openCredentials(cfg.Secrets); err != nil {
			return nil, err
		}
	}

	hist, err := openHistory(cfg.History.DSN, logger)
	if err != nil {
		return nil, err
	}

	engEnv := env.New()
	if !cfg.Env.UseOSEnv {
		engEnv.Isolate()
	}
	global, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load engine env: %w", err)
	}
	for k, v := range env.Parse(global) {
		engEnv.Set(k, v)
	}

	bus := events.NewBus(eventBuffer)
	var notify events.Notifier = bus
	if opts.Notifier != nil {
		notify = events.Multi{bus, opts.Notifier}
	}

	cleaner := cleanup.New(cleanup.Options{
		Store:    st,
		DataRoot: cfg.Paths.DataDir,
		MinAge:   cfg.Cleanup.MinAge,
		Grace:    cfg.Cleanup.Grace,
		Correct:  cfg.Cleanup.Correct,
		Lister:   opts.Lister,
		Signals:  opts.Signals,
		Logger:   logger,
	})
	local := ipc.NewLocal(cleaner, ports, opts.Version)
	addr := cfg.Helper.Socket
	if addr == "" {
		addr = ipc.DefaultAddress()
	}
	client := ipc.NewClient(addr, cfg.Helper.Timeout).SetTimeout(ipc.OpCleanup, cfg.CleanupTimeout())
	gw := ipc.NewGateway(client, local, logger)

	sup := supervisor.New(supervisor.Options{
		Store:        st,
		Registry:     reg,
		Engines:      opts.Engines,
		Binaries:     opts.Binaries,
		Ports:        gatewayPorts{gw},
		Credentials:  creds,
		Notifier:     notify,
		History:      hist,
		Exec:         opts.Exec,
		Env:          engEnv,
		DataRoot:     cfg.Paths.DataDir,
		Log:          cfg.EngineLog(),
		StartGrace:   cfg.Supervisor.StartGrace,
		StopGrace:    cfg.Supervisor.StopGrace,
		ProbeTimeout: cfg.Supervisor.ProbeTimeout,
		CheckPort:    cfg.Supervisor.CheckPort,
		Logger:       logger,
	})
	recon := reconciler.New(reconciler.Options{
		Store:      st,
		Supervisor: sup,
		Notifier:   notify,
		History:    hist,
		Debounce:   cfg.Reconciler.Debounce,
		Logger:     logger,
	})
	seq := autostart.New(autostart.Options{
		Store:       st,
		Starter:     sup,
		Ports:       ports,
		Notifier:    notify,
		Spacing:     cfg.AutoStart.Spacing,
		VerifyDelay: cfg.AutoStart.VerifyDelay,
		Logger:      logger,
	})

	svc := opts.Service
	if svc == nil {
		svc, err = helper.NewServiceManager(cfg.Helper.Label, helper.Scope(cfg.Helper.Scope), opts.Exec)
		if err != nil {
			logger.Warn("helper service manager unavailable", "error", err)
		}
	}
	hm := helper.NewManager(helper.Options{
		Service:      svc,
		Client:       client,
		InstallDir:   cfg.Helper.InstallDir,
		SourceConfig: opts.ConfigPath,
		Label:        cfg.Helper.Label,
		RestartDelay: cfg.Helper.RestartDelay,
		Logger:       logger,
	})

	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "manager"),
		store:    st,
		bans:     bans,
		registry: reg,
		ports:    ports,
		bus:      bus,
		history:  hist,
		creds:    creds,
		sup:      sup,
		recon:    recon,
		seq:      seq,
		cleaner:  cleaner,
		local:    local,
		gateway:  gw,
		helper:   hm,
	}, nil
}

// NewHelperHandler builds the direct handler the helper daemon serves. It
// shares the state file with the manager but keeps no registry.
func NewHelperHandler(cfg *config.Config, opts Options) (*ipc.Local, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Exec == nil {
		opts.Exec = execx.OS{}
	}
	st := store.New(cfg.Paths.StateFile, opts.Logger)
	if err := st.Ensure(); err != nil {
		return nil, err
	}
	ports := port.New(port.Options{Bans: store.NewBanList(cfg.Paths.BanFile), Exec: opts.Exec, Logger: opts.Logger})
	ports.SetSource(instanceSource{st: st})
	cleaner := cleanup.New(cleanup.Options{
		Store:    st,
		DataRoot: cfg.Paths.DataDir,
		MinAge:   cfg.Cleanup.MinAge,
		Grace:    cfg.Cleanup.Grace,
		Correct:  cfg.Cleanup.Correct,
		Lister:   opts.Lister,
		Signals:  opts.Signals,
		Logger:   opts.Logger,
	})
	return ipc.NewLocal(cleaner, ports, opts.Version), nil
}

func openCredentials(c config.SecretsConfig) (credentials.Store, error) {
	switch c.Backend {
	case "memory":
		return credentials.NewMemory(), nil
	case "file":
		return credentials.OpenKeyring(credentials.Options{
			Backends: []keyring.BackendType{keyring.FileBackend},
			FileDir:  c.FileDir,
			Password: c.Password,
		})
	default:
		return credentials.OpenKeyring(credentials.Options{})
	}
}

func openHistory(dsn string, logger *slog.Logger) (*history.Emitter, error) {
	if dsn == "" {
		return history.NewEmitter(logger), nil
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open history sink: %w", err)
	}
	return history.NewEmitter(logger, sink), nil
}

// Run performs startup (orphan cleanup, first reconcile, auto-start) and
// then follows the state file until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Cleanup.OnStart {
		rep, err := m.gateway.Cleanup(ctx)
		if err != nil {
			m.logger.Warn("startup cleanup failed", "error", err)
		} else if rep.Killed > 0 || len(rep.Corrected) > 0 {
			m.logger.Info("startup cleanup", "killed", rep.Killed, "corrected", len(rep.Corrected))
		}
	}
	if _, err := m.recon.ReconcileOnce(ctx); err != nil {
		m.logger.Warn("initial reconcile", "error", err)
	}
	if m.cfg.AutoStart.Enabled {
		if _, err := m.seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("auto-start", "error", err)
		}
	}
	return m.recon.Run(ctx)
}

// Shutdown stops every tracked engine and closes the history sinks.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.seq.Wait()
		err = errors.Join(m.sup.Shutdown(ctx), m.history.Close())
	})
	return err
}

func (m *Manager) Config() *config.Config    { return m.cfg }
func (m *Manager) Helper() *helper.Manager   { return m.helper }
func (m *Manager) Gateway() *ipc.Gateway     { return m.gateway }
func (m *Manager) Local() *ipc.Local         { return m.local }
func (m *Manager) Cleaner() *cleanup.Cleaner { return m.cleaner }
func (m *Manager) Ports() *port.Resolver     { return m.ports }

// instanceSource attributes pids to tracked entries first, then to
// persisted running records. reg may be nil.
type instanceSource struct {
	reg *registry.Registry
	st  *store.Store
}

func (s instanceSource) InstanceForPID(ctx context.Context, pid int) (string, string, bool) {
	if s.reg != nil {
		if id, ok := s.reg.FindByPID(pid); ok {
			if e, ok := s.reg.Get(id); ok {
				return id, e.Config.Name, true
			}
		}
	}
	recs, err := s.st.List(ctx)
	if err != nil {
		return "", "", false
	}
	for _, r := range recs {
		if r.Status.ShouldRun() && r.PIDValue() == pid {
			return r.ID, r.Name, true
		}
	}
	return "", "", false
}

// gatewayPorts routes the supervisor's pre-start check through the helper.
type gatewayPorts struct{ gw *ipc.Gateway }

func (g gatewayPorts) CheckConflict(ctx context.Context, p int, excludingID string) (port.Conflict, error) {
	return g.gw.CheckPort(ctx, p, excludingID)
}

var _ port.InstanceSource = instanceSource{}
var _ supervisor.ConflictChecker = gatewayPorts{}
