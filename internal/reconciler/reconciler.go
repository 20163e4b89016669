// Package reconciler keeps the process registry and the UI consistent with
// the state file when it changes outside the normal start/stop path.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/history"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/process"
	"github.com/loykin/dbhelm/internal/registry"
	"github.com/loykin/dbhelm/internal/store"
)

const DefaultDebounce = 300 * time.Millisecond

// Supervisor is the narrow set of registry mutations the reconciler may
// perform. It never starts processes.
type Supervisor interface {
	Registry() *registry.Registry
	Adopt(ctx context.Context, id string, pid int) (bool, error)
	Drop(ctx context.Context, id string) (bool, error)
	MarkStopped(ctx context.Context, id string, pid int) (bool, error)
}

type Options struct {
	Store      *store.Store
	Supervisor Supervisor
	Notifier   events.Notifier
	History    *history.Emitter
	Debounce   time.Duration
	Logger     *slog.Logger
}

// Result describes one pass.
type Result struct {
	Added      []string `json:"added,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Adopted    []string `json:"adopted,omitempty"`
	Corrected  []string `json:"corrected,omitempty"`
	Dropped    []string `json:"dropped,omitempty"`
	PIDChanged []string `json:"pidChanged,omitempty"`
}

// Changed reports whether the pass acted on any drift.
func (r Result) Changed() bool {
	return len(r.Adopted)+len(r.Corrected)+len(r.Dropped)+len(r.PIDChanged) > 0
}

type Reconciler struct {
	st     *store.Store
	sup    Supervisor
	notify events.Notifier
	hist   *history.Emitter
	delay  time.Duration
	logger *slog.Logger

	fire chan struct{}

	// pass serialises ReconcileOnce; known and reported belong to it.
	pass     sync.Mutex
	known    map[string]struct{}
	reported map[string]int // id -> external pid already announced
}

func New(opts Options) *Reconciler {
	if opts.Notifier == nil {
		opts.Notifier = events.Nop{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		st:       opts.Store,
		sup:      opts.Supervisor,
		notify:   opts.Notifier,
		hist:     opts.History,
		delay:    opts.Debounce,
		logger:   opts.Logger.With("component", "reconciler"),
		fire:     make(chan struct{}, 1),
		reported: make(map[string]int),
	}
}

// Trigger schedules a pass on the Run loop without waiting for a file event.
func (r *Reconciler) Trigger() {
	select {
	case r.fire <- struct{}{}:
	default:
	}
}

// Run watches the state file's directory until ctx is done. Bursts of
// writes are collapsed by the debounce window; events arriving during a pass
// only re-arm the timer.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.st.Ensure(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir, base := filepath.Dir(r.st.Path()), filepath.Base(r.st.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.logger.Info("watching state file", "path", r.st.Path(), "debounce", r.delay)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			r.logger.Debug("state file changed", "op", event.Op.String())

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.delay, r.Trigger)

		case <-r.fire:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("reconciliation failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			r.logger.Warn("watcher error", "error", err)
		}
	}
}

// ReconcileOnce runs a single pass over the persisted records.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Result, error) {
	r.pass.Lock()
	defer r.pass.Unlock()

	recs, err := r.st.List(ctx)
	if err != nil {
		return Result{}, err
	}
	var res Result
	ids := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		ids[rec.ID] = struct{}{}
		if _, ok := r.known[rec.ID]; !ok {
			res.Added = append(res.Added, rec.ID)
		}
	}
	for id := range r.known {
		if _, ok := ids[id]; !ok {
			res.Removed = append(res.Removed, id)
		}
	}
	r.known = ids
	sort.Strings(res.Removed)

	var errs []error
	for _, rec := range recs {
		if err := r.reconcileRecord(ctx, rec, &res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
		}
	}

	// entries whose record was deleted out of band
	reg := r.sup.Registry()
	for _, id := range reg.IDs() {
		if _, ok := ids[id]; ok {
			continue
		}
		dropped, err := r.sup.Drop(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if dropped {
			res.Dropped = append(res.Dropped, id)
			metrics.IncDrift("drop_deleted")
			r.logger.Debug("dropped entry for deleted record", "id", id)
		}
	}
	for id := range r.reported {
		if _, ok := ids[id]; !ok {
			delete(r.reported, id)
		}
	}

	metrics.IncReconcilePass()
	metrics.SetTracked(reg.Len())
	r.notify.StoreChanged(events.StoreChange{Added: orEmpty(res.Added), Removed: orEmpty(res.Removed)})
	return res, errors.Join(errs...)
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec instance.Record, res *Result) error {
	reg := r.sup.Registry()
	entry, tracked := reg.Get(rec.ID)
	pid := rec.PIDValue()

	switch {
	case rec.Status.ShouldRun() && !tracked:
		delete(r.reported, rec.ID)
		if reg.Pending(rec.ID) {
			return nil
		}
		if pid > 0 && process.Exists(pid) {
			adopted, err := r.sup.Adopt(ctx, rec.ID, pid)
			if err != nil {
				return err
			}
			if adopted {
				res.Adopted = append(res.Adopted, rec.ID)
				metrics.IncDrift("adopt")
				r.logger.Debug("adopted live process", "id", rec.ID, "pid", pid)
			}
			return nil
		}
		corrected, err := r.sup.MarkStopped(ctx, rec.ID, pid)
		if err != nil {
			return err
		}
		if corrected {
			res.Corrected = append(res.Corrected, rec.ID)
			metrics.IncDrift("mark_stopped")
			r.logger.Debug("marked dead instance stopped", "id", rec.ID, "pid", pid)
		}

	case !rec.Status.ShouldRun() && tracked:
		delete(r.reported, rec.ID)
		dropped, err := r.sup.Drop(ctx, rec.ID)
		if err != nil {
			return err
		}
		if dropped {
			res.Dropped = append(res.Dropped, rec.ID)
			metrics.IncDrift("drop_stopped")
			r.logger.Debug("dropped entry for stopped record", "id", rec.ID)
		}

	case tracked && pid > 0 && pid != entry.Handle.PID():
		if r.reported[rec.ID] == pid {
			return nil
		}
		r.reported[rec.ID] = pid
		res.PIDChanged = append(res.PIDChanged, rec.ID)
		metrics.IncDrift("pid_changed")
		r.logger.Debug("persisted pid differs from tracked process",
			"id", rec.ID, "tracked", entry.Handle.PID(), "persisted", pid)
		r.notify.StatusChanged(events.StatusChange{ID: rec.ID, Status: rec.Status, PID: instance.IntPtr(pid)})
		r.hist.Emit(history.EventDrift, history.Record{
			InstanceID: rec.ID, Name: rec.Name, Engine: string(rec.EngineType),
			Port: rec.Port, PID: pid, Status: string(rec.Status), Error: "pid changed",
		})

	default:
		delete(r.reported, rec.ID)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
