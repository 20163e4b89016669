// Package supervisor spawns, stops and observes engine processes. It is the
// only writer of the process registry; the reconciler and the auto-start
// sequencer go through its entry points.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/credentials"
	"github.com/loykin/dbhelm/internal/detector"
	"github.com/loykin/dbhelm/internal/engine"
	"github.com/loykin/dbhelm/internal/env"
	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/history"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/logger"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/process"
	"github.com/loykin/dbhelm/internal/registry"
	"github.com/loykin/dbhelm/internal/store"
)

const (
	DefaultStartGrace   = time.Second
	DefaultStopGrace    = 10 * time.Second
	DefaultProbeTimeout = detector.DefaultTCPTimeout
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrStartCancelled = errors.New("start cancelled by stop request")
	ErrClosed         = errors.New("supervisor is shut down")
)

// Spawn stages reported by SpawnError.
const (
	StageEngine  = "engine"
	StageResolve = "resolve"
	StagePrepare = "prepare"
	StageSpawn   = "spawn"
	StageGrace   = "grace"
	StagePersist = "persist"
)

// SpawnError is returned when an engine could not be brought up. The
// instance record is left stopped.
type SpawnError struct {
	ID    string
	Stage string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ConflictChecker is the part of the port resolver used before a start.
type ConflictChecker interface {
	CheckConflict(ctx context.Context, p int, excludingID string) (port.Conflict, error)
}

type Options struct {
	Store       *store.Store
	Registry    *registry.Registry
	Engines     engine.Table
	Binaries    engine.BinaryResolver
	Ports       ConflictChecker
	Credentials credentials.Store
	Notifier    events.Notifier
	History     *history.Emitter
	Exec        execx.Executor
	Env         *env.Env

	DataRoot string
	Log      logger.Config

	StartGrace   time.Duration
	StopGrace    time.Duration
	ProbeTimeout time.Duration
	AdoptPoll    time.Duration
	// CheckPort refuses to start when another process holds the port.
	CheckPort bool

	Logger *slog.Logger
}

type Supervisor struct {
	st      *store.Store
	reg     *registry.Registry
	engines engine.Table
	bins    engine.BinaryResolver
	ports   ConflictChecker
	creds   credentials.Store
	notify  events.Notifier
	hist    *history.Emitter
	exec    execx.Executor
	env     *env.Env
	opts    Options
	logger  *slog.Logger

	// mu orders registry mutations against the store writes that describe
	// them, so reconciliation never observes one without the other.
	mu      sync.Mutex
	quit    chan struct{}
	closed  bool
	watches sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Engines == nil {
		opts.Engines = engine.DefaultTable()
	}
	if opts.Exec == nil {
		opts.Exec = execx.OS{}
	}
	if opts.Binaries == nil {
		opts.Binaries = engine.PathResolver{Table: opts.Engines, Exec: opts.Exec}
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.Nop{}
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.AdoptPoll <= 0 {
		opts.AdoptPoll = process.DefaultAdoptPoll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		st:      opts.Store,
		reg:     opts.Registry,
		engines: opts.Engines,
		bins:    opts.Binaries,
		ports:   opts.Ports,
		creds:   opts.Credentials,
		notify:  opts.Notifier,
		hist:    opts.History,
		exec:    opts.Exec,
		env:     opts.Env,
		opts:    opts,
		logger:  opts.Logger.With("component", "supervisor"),
		quit:    make(chan struct{}),
	}
}

func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Tracked returns the ids currently held by the registry.
func (s *Supervisor) Tracked() []string { return s.reg.IDs() }

// Start brings rec up and returns once the process survived the start
// grace period. Readiness to accept connections is not awaited.
func (s *Supervisor) Start(ctx context.Context, rec instance.Record) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.reg.Reserve(rec.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, rec.Name)
	}
	committed := false
	defer func() {
		if !committed {
			s.reg.Release(rec.ID)
		}
	}()

	if s.opts.CheckPort && s.ports != nil {
		c, err := s.ports.CheckConflict(ctx, rec.Port, rec.ID)
		if err != nil {
			s.logger.Debug("port check failed", "id", rec.ID, "port", rec.Port, "error", err)
		} else if cerr := c.Error(); cerr != nil {
			return cerr
		}
	}

	began := time.Now()
	h, err := s.spawn(ctx, rec)
	if err != nil {
		var se *SpawnError
		if errors.As(err, &se) {
			metrics.IncStartFailure(string(rec.EngineType), se.Stage)
		}
		s.logger.Warn("start failed", "id", rec.ID, "name", rec.Name, "error", err)
		return err
	}

	s.mu.Lock()
	if !s.reg.Commit(rec.ID, registry.Entry{Handle: h, Config: rec, StartedAt: h.StartedAt()}) {
		s.mu.Unlock()
		committed = true // reservation already consumed
		_ = h.Stop(s.opts.StopGrace)
		s.logger.Info("start cancelled", "id", rec.ID, "name", rec.Name)
		return ErrStartCancelled
	}
	committed = true
	updated, err := s.st.Update(ctx, rec.ID, func(r *instance.Record) error {
		*r = r.WithRunning(h.PID())
		return nil
	})
	if err != nil {
		s.reg.RemoveIf(rec.ID, h)
		s.mu.Unlock()
		_ = h.Stop(s.opts.StopGrace)
		return &SpawnError{ID: rec.ID, Stage: StagePersist, Err: err}
	}
	s.mu.Unlock()

	pid := h.PID()
	s.logger.Info("instance started", "id", rec.ID, "name", rec.Name, "engine", rec.EngineType, "port", rec.Port, "pid", pid)
	s.notify.StatusChanged(events.StatusChange{ID: rec.ID, Status: instance.StatusRunning, PID: &pid})
	s.hist.Emit(history.EventStart, historyRecord(updated, ""))
	metrics.IncStart(string(rec.EngineType))
	metrics.ObserveStartDuration(string(rec.EngineType), time.Since(began).Seconds())
	metrics.SetTracked(s.reg.Len())

	s.watch(rec, h)
	return nil
}

// spawn resolves, prepares and launches the engine for rec.
func (s *Supervisor) spawn(ctx context.Context, rec instance.Record) (*process.Handle, error) {
	eng, err := s.engines.Lookup(rec.EngineType)
	if err != nil {
		return nil, &SpawnError{ID: rec.ID, Stage: StageEngine, Err: err}
	}
	binDir, err := s.bins.Resolve(ctx, rec.EngineType, rec.Version)
	if err != nil {
		return nil, &SpawnError{ID: rec.ID, Stage: StageResolve, Err: err}
	}
	cfg := engine.Config{
		ID:       rec.ID,
		Version:  rec.Version,
		Port:     rec.Port,
		DataDir:  rec.DataDir(s.opts.DataRoot),
		BinDir:   binDir,
		Username: rec.Username,
	}
	if rec.CredentialRef != "" {
		pw, err := s.creds.Get(rec.CredentialRef)
		if err != nil && !errors.Is(err, credentials.ErrNotFound) {
			return nil, &SpawnError{ID: rec.ID, Stage: StagePrepare, Err: fmt.Errorf("read credential: %w", err)}
		}
		cfg.Password = pw
	}
	ran, err := engine.EnsurePrepared(ctx, eng, cfg, s.exec)
	if err != nil {
		return nil, &SpawnError{ID: rec.ID, Stage: StagePrepare, Err: err}
	}
	if ran {
		s.logger.Info("initialised data directory", "id", rec.ID, "dir", cfg.DataDir)
	}

	h, err := process.Start(process.Spec{
		Name:    rec.ID,
		Argv:    eng.Command(cfg),
		WorkDir: cfg.DataDir,
		Env:     s.env.ForInstance(rec.ID, eng.Env(cfg)),
		Log:     s.opts.Log,
	})
	if err != nil {
		return nil, &SpawnError{ID: rec.ID, Stage: StageSpawn, Err: err}
	}
	if err := h.WaitStarted(s.opts.StartGrace); err != nil {
		return nil, &SpawnError{ID: rec.ID, Stage: StageGrace, Err: err}
	}
	return h, nil
}

// watch waits for h to exit. An exit of a process still in the registry is
// unexpected: the entry is removed and the record marked stopped.
func (s *Supervisor) watch(rec instance.Record, h *process.Handle) {
	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		select {
		case <-h.Done():
		case <-h.Released():
			return
		case <-s.quit:
			return
		}
		s.mu.Lock()
		if !s.reg.RemoveIf(rec.ID, h) {
			s.mu.Unlock()
			return
		}
		pid := h.PID()
		updated, err := s.st.Update(context.Background(), rec.ID, func(r *instance.Record) error {
			if r.PID != nil && *r.PID != pid {
				return errStale
			}
			*r = r.WithStopped()
			return nil
		})
		s.mu.Unlock()

		exitMsg := ""
		if e := h.ExitErr(); e != nil {
			exitMsg = e.Error()
		}
		s.logger.Warn("instance exited", "id", rec.ID, "name", rec.Name, "pid", pid, "error", exitMsg)
		metrics.IncUnexpectedExit(string(rec.EngineType))
		metrics.SetTracked(s.reg.Len())
		if err != nil {
			if !errors.Is(err, errStale) && !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("persist exit", "id", rec.ID, "error", err)
			}
			updated = rec.WithStopped()
		}
		s.notify.StatusChanged(events.StatusChange{ID: rec.ID, Status: instance.StatusStopped, Error: exitMsg})
		s.hist.Emit(history.EventExit, historyRecord(updated, exitMsg))
	}()
}

var errStale = errors.New("record describes another process")

// Stop signals the instance to terminate and marks it stopped. It does not
// wait for the exit; a process that outlives the stop grace is killed in
// the background.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.reg.Remove(id)
	if !ok {
		if !s.reg.CancelPending(id) {
			s.mu.Unlock()
			return ErrNotRunning
		}
		_, err := s.markStopped(ctx, id)
		s.mu.Unlock()
		s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
		return err
	}
	updated, err := s.markStopped(ctx, id)
	s.mu.Unlock()

	h := e.Handle
	if terr := h.Terminate(); terr != nil && !errors.Is(terr, process.ErrNoProcess) {
		s.logger.Warn("terminate failed", "id", id, "pid", h.PID(), "error", terr)
	}
	s.escalate(id, h)

	s.logger.Info("instance stopped", "id", id, "name", e.Config.Name, "pid", h.PID())
	s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
	if err != nil {
		updated = e.Config.WithStopped()
	}
	s.hist.Emit(history.EventStop, historyRecord(updated, ""))
	metrics.IncStop(string(e.Config.EngineType))
	metrics.SetTracked(s.reg.Len())
	return err
}

func (s *Supervisor) markStopped(ctx context.Context, id string) (instance.Record, error) {
	rec, err := s.st.Update(ctx, id, func(r *instance.Record) error {
		*r = r.WithStopped()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return rec, nil
	}
	return rec, err
}

// escalate kills h if it is still alive after the stop grace.
func (s *Supervisor) escalate(id string, h *process.Handle) {
	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		t := time.NewTimer(s.opts.StopGrace)
		defer t.Stop()
		select {
		case <-h.Done():
		case <-t.C:
			s.logger.Warn("stop grace elapsed, killing", "id", id, "pid", h.PID())
			_ = h.Kill()
		case <-s.quit:
		}
	}()
}

// Status reports the observed status. With verify, engines that listen on
// TCP must also accept a connection, otherwise the status is error.
func (s *Supervisor) Status(_ context.Context, id string, verify bool) (instance.Status, error) {
	e, ok := s.reg.Get(id)
	if !ok {
		if s.reg.Pending(id) {
			return instance.StatusStarting, nil
		}
		return instance.StatusStopped, nil
	}
	if !e.Handle.Alive() {
		return instance.StatusStopped, nil
	}
	if !verify {
		return instance.StatusRunning, nil
	}
	eng, err := s.engines.Lookup(e.Config.EngineType)
	if err != nil || !eng.Listens() {
		return instance.StatusRunning, nil
	}
	alive, _ := detector.TCPDetector{Port: e.Config.Port, Timeout: s.opts.ProbeTimeout}.Alive()
	if !alive {
		return instance.StatusError, nil
	}
	return instance.StatusRunning, nil
}

// Delete stops the instance, waits for it to exit, then removes its record,
// data directory and credential.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	rec, err := s.st.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	e, tracked := s.reg.Remove(id)
	s.reg.CancelPending(id)
	s.mu.Unlock()
	if tracked {
		if err := e.Handle.Stop(s.opts.StopGrace); err != nil {
			s.logger.Warn("stop before delete", "id", id, "error", err)
		}
		s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
		metrics.SetTracked(s.reg.Len())
	}

	s.mu.Lock()
	err = s.st.Delete(ctx, id)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if dir := rec.DataDir(s.opts.DataRoot); removableDir(dir) {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove data dir", "id", id, "dir", dir, "error", err)
		}
	}
	if rec.CredentialRef != "" {
		if err := s.creds.Delete(rec.CredentialRef); err != nil {
			s.logger.Warn("delete credential", "id", id, "error", err)
		}
	}
	s.logger.Info("instance deleted", "id", id, "name", rec.Name)
	s.hist.Emit(history.EventDelete, historyRecord(rec.WithStopped(), ""))
	return nil
}

func removableDir(dir string) bool {
	clean := filepath.Clean(dir)
	return filepath.IsAbs(clean) && clean != filepath.Dir(clean)
}

// Shutdown terminates every tracked process, escalating to kill after the
// stop grace, and marks their records stopped.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drained := s.reg.Drain()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range drained {
		wg.Add(1)
		go func(id string, e registry.Entry) {
			defer wg.Done()
			if err := e.Handle.Stop(s.opts.StopGrace); err != nil {
				s.logger.Warn("shutdown stop", "id", id, "error", err)
			}
			e.Handle.Release()
			if _, err := s.markStopped(ctx, id); err != nil {
				s.logger.Warn("shutdown persist", "id", id, "error", err)
			}
			s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
			s.hist.Emit(history.EventStop, historyRecord(e.Config.WithStopped(), ""))
		}(id, e)
	}
	wg.Wait()
	close(s.quit)
	s.watches.Wait()
	metrics.SetTracked(0)
	s.logger.Info("supervisor shut down", "stopped", len(drained))
	return nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func historyRecord(r instance.Record, errText string) history.Record {
	return history.Record{
		InstanceID: r.ID,
		Name:       r.Name,
		Engine:     string(r.EngineType),
		Port:       r.Port,
		PID:        r.PIDValue(),
		Status:     string(r.Status),
		Error:      errText,
	}
}
