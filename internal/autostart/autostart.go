// Package autostart brings up the instances flagged for auto-start when the
// application launches.
package autostart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/registry"
	"github.com/loykin/dbhelm/internal/store"
)

const (
	DefaultSpacing     = time.Second
	DefaultVerifyDelay = 2 * time.Second
)

// Starter is the supervisor surface the sequencer needs.
type Starter interface {
	Start(ctx context.Context, rec instance.Record) error
	Registry() *registry.Registry
}

// PortFinder searches for a free port, skipping claimed ones.
type PortFinder interface {
	FindFreePort(start, maxAttempts int, claimed map[int]bool) (int, error)
}

type Options struct {
	Store       *store.Store
	Starter     Starter
	Ports       PortFinder
	Notifier    events.Notifier
	Spacing     time.Duration
	VerifyDelay time.Duration
	Logger      *slog.Logger
}

type Sequencer struct {
	st     *store.Store
	sup    Starter
	ports  PortFinder
	notify events.Notifier
	opts   Options
	logger *slog.Logger

	verifies sync.WaitGroup
}

func New(opts Options) *Sequencer {
	if opts.Notifier == nil {
		opts.Notifier = events.Nop{}
	}
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = DefaultVerifyDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sequencer{
		st:     opts.Store,
		sup:    opts.Starter,
		ports:  opts.Ports,
		notify: opts.Notifier,
		opts:   opts,
		logger: opts.Logger.With("component", "autostart"),
	}
}

// Plan is the outcome of port assignment for one batch.
type Plan struct {
	Queue     []instance.Record
	Conflicts []events.Conflict
	Skipped   []instance.Record
}

// Select returns the records eligible for auto-start in persisted order.
func Select(recs []instance.Record) []instance.Record {
	var out []instance.Record
	for _, r := range recs {
		if r.AutoStart && r.Status == instance.StatusStopped {
			out = append(out, r)
		}
	}
	return out
}

// Resolve assigns ports within the batch. The first record to claim a port
// keeps it; later claimants are moved to the next free port above their
// original one and the move is persisted right away.
func (s *Sequencer) Resolve(ctx context.Context, batch []instance.Record) Plan {
	var plan Plan
	claimed := make(map[int]bool, len(batch))
	owner := make(map[int]string, len(batch))
	var contested []instance.Record
	for _, r := range batch {
		if claimed[r.Port] {
			contested = append(contested, r)
			continue
		}
		claimed[r.Port] = true
		owner[r.Port] = r.Name
		plan.Queue = append(plan.Queue, r)
	}

	for _, r := range contested {
		orig := r.Port
		next, err := s.ports.FindFreePort(orig, 0, claimed)
		if err != nil {
			s.logger.Warn("no port available for auto-start", "id", r.ID, "name", r.Name, "port", orig, "error", err)
			plan.Skipped = append(plan.Skipped, r)
			continue
		}
		updated, err := s.st.Update(ctx, r.ID, func(x *instance.Record) error {
			x.Port = next
			return nil
		})
		if err != nil {
			s.logger.Warn("persist reassigned port failed", "id", r.ID, "port", next, "error", err)
			plan.Skipped = append(plan.Skipped, r)
			continue
		}
		claimed[next] = true
		owner[next] = updated.Name
		plan.Conflicts = append(plan.Conflicts, events.Conflict{
			ID:           r.ID,
			Name:         r.Name,
			OriginalPort: orig,
			NewPort:      next,
			ClaimedBy:    owner[orig],
		})
		plan.Queue = append(plan.Queue, updated)
		s.logger.Info("reassigned auto-start port", "name", r.Name, "from", orig, "to", next, "claimedBy", owner[orig])
	}
	return plan
}

// Run executes one auto-start batch. Starts are strictly serial.
func (s *Sequencer) Run(ctx context.Context) (events.Summary, error) {
	recs, err := s.st.List(ctx)
	if err != nil {
		return events.Summary{}, err
	}
	batch := Select(recs)
	sum := events.Summary{Total: len(batch)}
	if len(batch) == 0 {
		s.notify.AutoStartSummary(sum)
		return sum, nil
	}

	plan := s.Resolve(ctx, batch)
	sum.Skipped = len(plan.Skipped)
	if len(plan.Conflicts) > 0 {
		metrics.AddAutoStartConflicts(len(plan.Conflicts))
		s.notify.AutoStartConflicts(plan.Conflicts)
	}

	s.logger.Info("auto-starting instances", "count", len(plan.Queue), "conflicts", len(plan.Conflicts))
	for i, rec := range plan.Queue {
		if ctx.Err() != nil {
			sum.Skipped += len(plan.Queue) - i
			break
		}
		s.notify.StatusChanged(events.StatusChange{ID: rec.ID, Status: instance.StatusStarting})
		if err := s.sup.Start(ctx, rec); err != nil {
			sum.Failed++
			s.logger.Warn("auto-start failed", "id", rec.ID, "name", rec.Name, "port", rec.Port, "error", err)
			s.notify.StatusChanged(events.StatusChange{ID: rec.ID, Status: instance.StatusStopped, Error: err.Error()})
		} else {
			sum.Started++
			s.verifyLater(rec)
		}
		if i < len(plan.Queue)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(s.opts.Spacing):
			}
		}
	}

	s.logger.Info("auto-start finished", "total", sum.Total, "started", sum.Started, "failed", sum.Failed, "skipped", sum.Skipped)
	s.notify.AutoStartSummary(sum)
	return sum, nil
}

// verifyLater checks after a delay that the registry still holds rec.
// A mismatch is logged only.
func (s *Sequencer) verifyLater(rec instance.Record) {
	s.verifies.Add(1)
	time.AfterFunc(s.opts.VerifyDelay, func() {
		defer s.verifies.Done()
		if !s.sup.Registry().Has(rec.ID) {
			s.logger.Warn("auto-started instance is no longer tracked", "id", rec.ID, "name", rec.Name)
			return
		}
		s.logger.Debug("auto-start verified", "id", rec.ID, "name", rec.Name)
	})
}

// Wait blocks until pending verifications have run.
func (s *Sequencer) Wait() { s.verifies.Wait() }
