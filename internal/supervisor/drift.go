package supervisor

import (
	"context"
	"errors"

	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/history"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/process"
	"github.com/loykin/dbhelm/internal/registry"
	"github.com/loykin/dbhelm/internal/store"
)

// The methods below are the reconciler's only way to touch the registry.
// Each re-reads the record under the supervisor lock and does nothing when
// the drift it was called for has already disappeared.

// Adopt starts tracking pid for id when the record still says the instance
// should run with that pid and nothing tracks it yet.
func (s *Supervisor) Adopt(ctx context.Context, id string, pid int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	rec, err := s.st.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !rec.Status.ShouldRun() || rec.PIDValue() != pid || s.reg.Has(id) || s.reg.Pending(id) {
		return false, nil
	}
	h, err := process.Adopt(pid, s.opts.AdoptPoll)
	if err != nil {
		if errors.Is(err, process.ErrNoProcess) {
			return false, nil
		}
		return false, err
	}
	if !s.reg.Put(id, registry.Entry{Handle: h, Config: rec, StartedAt: h.StartedAt(), Adopted: true}) {
		h.Release()
		return false, nil
	}
	if rec.Status != instance.StatusRunning {
		if updated, err := s.st.Update(ctx, id, func(r *instance.Record) error {
			*r = r.WithRunning(pid)
			return nil
		}); err == nil {
			rec = updated
		}
	}
	s.logger.Info("adopted running instance", "id", id, "name", rec.Name, "pid", pid)
	s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusRunning, PID: &pid})
	s.hist.Emit(history.EventAdopt, historyRecord(rec, ""))
	s.watch(rec, h)
	return true, nil
}

// Drop stops tracking id without signalling the process. It applies when
// the record is gone or says the instance should not run.
func (s *Supervisor) Drop(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reg.Get(id)
	if !ok {
		return false, nil
	}
	rec, err := s.st.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = e.Config.WithStopped()
	case err != nil:
		return false, err
	case rec.Status.ShouldRun():
		return false, nil
	}
	if !s.reg.RemoveIf(id, e.Handle) {
		return false, nil
	}
	e.Handle.Release()
	s.logger.Info("dropped stale registry entry", "id", id, "pid", e.Handle.PID())
	s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
	s.hist.Emit(history.EventDrift, historyRecord(rec, "dropped"))
	return true, nil
}

// MarkStopped corrects a record that claims pid is running when nothing
// tracks the instance and pid is gone.
func (s *Supervisor) MarkStopped(ctx context.Context, id string, pid int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg.Has(id) || s.reg.Pending(id) {
		return false, nil
	}
	var stale bool
	rec, err := s.st.Update(ctx, id, func(r *instance.Record) error {
		if !r.Status.ShouldRun() || r.PIDValue() != pid {
			return errStale
		}
		if pid > 0 && process.Exists(pid) {
			return errStale
		}
		stale = true
		*r = r.WithStopped()
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	s.logger.Debug("corrected stale running record", "id", id, "pid", pid)
	s.notify.StatusChanged(events.StatusChange{ID: id, Status: instance.StatusStopped})
	s.hist.Emit(history.EventDrift, historyRecord(rec, "process gone"))
	return true, nil
}
