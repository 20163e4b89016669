// Package cleanup finds engine processes that no instance owns anymore and
// terminates them.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/dbhelm/internal/env"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/process"
	"github.com/loykin/dbhelm/internal/store"
)

const (
	DefaultMinAge = 10 * time.Second
	DefaultGrace  = 5 * time.Second
	ancestorDepth = 3
)

// Proc is one row of the OS process table.
type Proc struct {
	PID       int
	PPID      int
	Name      string
	Cmdline   string
	Env       []string
	CreatedAt time.Time
}

// ProcessLister snapshots the process table.
type ProcessLister interface {
	List(ctx context.Context) ([]Proc, error)
}

// Signaler delivers signals and answers liveness.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
	Exists(pid int) bool
}

type osSignaler struct{}

func (osSignaler) Signal(pid int, sig syscall.Signal) error { return process.Signal(pid, sig) }
func (osSignaler) Exists(pid int) bool                      { return process.Exists(pid) }

type Options struct {
	Store    *store.Store
	DataRoot string
	MinAge   time.Duration
	Grace    time.Duration
	// Correct rewrites records whose running pid is gone.
	Correct bool
	Lister  ProcessLister
	Signals Signaler
	Logger  *slog.Logger
}

// Orphan is a process selected for termination.
type Orphan struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

// Report is the outcome of one cleanup run.
type Report struct {
	Scanned   int      `json:"scanned"`
	Orphans   []Orphan `json:"orphans"`
	Killed    int      `json:"killed"`
	Failed    int      `json:"failed"`
	Corrected []string `json:"corrected"`
}

type Cleaner struct {
	st      *store.Store
	root    string
	opts    Options
	lister  ProcessLister
	signals Signaler
	logger  *slog.Logger
}

func New(opts Options) *Cleaner {
	if opts.MinAge < 0 {
		opts.MinAge = 0
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Lister == nil {
		opts.Lister = GopsLister{}
	}
	if opts.Signals == nil {
		opts.Signals = osSignaler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	root := opts.DataRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Cleaner{
		st:      opts.Store,
		root:    root,
		opts:    opts,
		lister:  opts.Lister,
		signals: opts.Signals,
		logger:  opts.Logger.With("component", "cleanup"),
	}
}

// Scan returns the orphaned engine processes without touching them.
func (c *Cleaner) Scan(ctx context.Context) ([]Orphan, int, error) {
	recs, err := c.st.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	procs, err := c.lister.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list processes: %w", err)
	}
	byID := make(map[string]instance.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	parents := make(map[int]int, len(procs))
	for _, p := range procs {
		parents[p.PID] = p.PPID
	}

	self := os.Getpid()
	now := time.Now()
	var orphans []Orphan
	for _, p := range procs {
		if p.PID == self || p.PID <= 1 {
			continue
		}
		id, ok := c.instanceOf(p, recs)
		if !ok {
			continue
		}
		if c.opts.MinAge > 0 && !p.CreatedAt.IsZero() && now.Sub(p.CreatedAt) < c.opts.MinAge {
			c.logger.Debug("skipping young engine process", "pid", p.PID, "instance", id)
			continue
		}
		reason := orphanReason(p, byID, id, parents)
		if reason == "" {
			continue
		}
		orphans = append(orphans, Orphan{PID: p.PID, Name: p.Name, InstanceID: id, Reason: reason})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].PID < orphans[j].PID })
	return orphans, len(procs), nil
}

// instanceOf finds the instance a process belongs to, by env marker first
// and by a data directory in its command line second.
func (c *Cleaner) instanceOf(p Proc, recs []instance.Record) (string, bool) {
	if id, ok := env.MarkerFrom(p.Env); ok {
		return id, true
	}
	if c.root == "" || p.Cmdline == "" {
		return "", false
	}
	for _, r := range recs {
		if strings.Contains(p.Cmdline, r.DataDir(c.root)) {
			return r.ID, true
		}
	}
	prefix := c.root + string(filepath.Separator)
	i := strings.Index(p.Cmdline, prefix)
	if i < 0 {
		return "", false
	}
	// <root>/<engine>/<container id> with no record behind it
	parts := strings.FieldsFunc(p.Cmdline[i+len(prefix):], func(r rune) bool {
		return r == '/' || r == '\\' || r == ' '
	})
	if len(parts) < 2 || !instance.EngineType(parts[0]).Valid() {
		return "", false
	}
	return parts[1], true
}

func orphanReason(p Proc, byID map[string]instance.Record, id string, parents map[int]int) string {
	rec, ok := byID[id]
	if !ok {
		return "instance deleted"
	}
	if !rec.Status.ShouldRun() {
		return "instance stopped"
	}
	want := rec.PIDValue()
	if want == 0 {
		return ""
	}
	pid := p.PID
	for i := 0; i <= ancestorDepth && pid > 1; i++ {
		if pid == want {
			return ""
		}
		pid = parents[pid]
	}
	return fmt.Sprintf("instance runs as pid %d", want)
}

// Run scans, terminates orphans and optionally corrects stale records.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	orphans, scanned, err := c.Scan(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Scanned: scanned, Orphans: orphans, Corrected: []string{}}
	if rep.Orphans == nil {
		rep.Orphans = []Orphan{}
	}

	var signalled []Orphan
	for _, o := range orphans {
		if err := c.signals.Signal(o.PID, syscall.SIGTERM); err != nil {
			if errors.Is(err, process.ErrNoProcess) {
				continue
			}
			c.logger.Warn("terminate orphan failed", "pid", o.PID, "instance", o.InstanceID, "error", err)
			rep.Failed++
			continue
		}
		c.logger.Info("terminating orphaned engine", "pid", o.PID, "name", o.Name, "instance", o.InstanceID, "reason", o.Reason)
		signalled = append(signalled, o)
	}
	if len(signalled) > 0 {
		c.waitGone(ctx, signalled)
	}
	for _, o := range signalled {
		if c.signals.Exists(o.PID) {
			if err := c.signals.Signal(o.PID, syscall.SIGKILL); err != nil && !errors.Is(err, process.ErrNoProcess) {
				c.logger.Warn("kill orphan failed", "pid", o.PID, "error", err)
				rep.Failed++
				continue
			}
		}
		rep.Killed++
	}
	metrics.AddOrphansKilled(rep.Killed)

	if c.opts.Correct {
		corrected, err := c.correct(ctx)
		rep.Corrected = corrected
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (c *Cleaner) waitGone(ctx context.Context, orphans []Orphan) {
	deadline := time.NewTimer(c.opts.Grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		alive := false
		for _, o := range orphans {
			if c.signals.Exists(o.PID) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// correct marks records stopped whose persisted pid no longer exists.
func (c *Cleaner) correct(ctx context.Context) ([]string, error) {
	recs, err := c.st.List(ctx)
	if err != nil {
		return nil, err
	}
	corrected := []string{}
	var errs []error
	for _, r := range recs {
		pid := r.PIDValue()
		if !r.Status.ShouldRun() || pid == 0 || c.signals.Exists(pid) {
			continue
		}
		_, err := c.st.Update(ctx, r.ID, func(x *instance.Record) error {
			if x.PIDValue() != pid {
				return errSkip
			}
			*x = x.WithStopped()
			return nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("corrected record with dead pid", "id", r.ID, "pid", pid)
		corrected = append(corrected, r.ID)
	}
	return corrected, errors.Join(errs...)
}

var errSkip = errors.New("skip")
