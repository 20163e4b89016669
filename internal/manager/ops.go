package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/events"
	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/ipc"
	"github.com/loykin/dbhelm/internal/port"
	"github.com/loykin/dbhelm/internal/reconciler"
)

var (
	ErrNotStopped  = errors.New("instance must be stopped")
	ErrPortBanned  = errors.New("port is banned")
	ErrInvalidPort = errors.New("invalid port")
)

// View is a record together with what the supervisor observes for it.
type View struct {
	instance.Record
	Tracked bool `json:"tracked"`
	Adopted bool `json:"adopted,omitempty"`
}

// Patch changes editable fields of a stopped instance. Nil fields are kept.
type Patch struct {
	Name      *string `json:"name,omitempty"`
	Version   *string `json:"version,omitempty"`
	Port      *int    `json:"port,omitempty"`
	AutoStart *bool   `json:"autoStart,omitempty"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
}

func (m *Manager) view(r instance.Record) View {
	v := View{Record: r}
	if e, ok := m.registry.Get(r.ID); ok {
		v.Tracked = true
		v.Adopted = e.Adopted
	}
	return v
}

func (m *Manager) List(ctx context.Context) ([]View, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(recs))
	for _, r := range recs {
		out = append(out, m.view(r))
	}
	return out, nil
}

// Get accepts an id or a unique name.
func (m *Manager) Get(ctx context.Context, idOrName string) (View, error) {
	r, err := m.lookup(ctx, idOrName)
	if err != nil {
		return View{}, err
	}
	return m.view(r), nil
}

func (m *Manager) lookup(ctx context.Context, idOrName string) (instance.Record, error) {
	r, err := m.store.Get(ctx, idOrName)
	if err == nil {
		return r, nil
	}
	if byName, nerr := m.store.GetByName(ctx, idOrName); nerr == nil {
		return byName, nil
	}
	return instance.Record{}, err
}

// checkPortUsable rejects banned, privileged and occupied ports.
func (m *Manager) checkPortUsable(ctx context.Context, p int, excludingID string) error {
	if p < port.PrivilegedThreshold || p > port.MaxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	if m.ports.Banned(p) {
		return fmt.Errorf("%w: %d", ErrPortBanned, p)
	}
	c, err := m.gateway.CheckPort(ctx, p, excludingID)
	if err != nil {
		m.logger.Debug("port check failed", "port", p, "error", err)
		return nil
	}
	return c.Error()
}

// Add validates spec, checks the port, stores the password and persists a
// stopped record.
func (m *Manager) Add(ctx context.Context, spec instance.NewSpec) (instance.Record, error) {
	rec, err := instance.New(spec)
	if err != nil {
		return instance.Record{}, err
	}
	if err := m.checkPortUsable(ctx, rec.Port, ""); err != nil {
		return instance.Record{}, err
	}
	if spec.Password != "" {
		if err := m.creds.Set(rec.CredentialRef, spec.Password); err != nil {
			return instance.Record{}, fmt.Errorf("save credential: %w", err)
		}
	}
	if err := m.store.Add(ctx, rec); err != nil {
		if spec.Password != "" {
			_ = m.creds.Delete(rec.CredentialRef)
		}
		return instance.Record{}, err
	}
	m.logger.Info("instance added", "id", rec.ID, "name", rec.Name, "engine", rec.EngineType, "port", rec.Port)
	m.recon.Trigger()
	return rec, nil
}

// Update applies p to a stopped instance.
func (m *Manager) Update(ctx context.Context, idOrName string, p Patch) (instance.Record, error) {
	cur, err := m.lookup(ctx, idOrName)
	if err != nil {
		return instance.Record{}, err
	}
	if cur.Status.ShouldRun() || m.registry.Has(cur.ID) || m.registry.Pending(cur.ID) {
		return instance.Record{}, ErrNotStopped
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if other, err := m.store.GetByName(ctx, name); err == nil && other.ID != cur.ID {
			return instance.Record{}, fmt.Errorf("name %q is taken", name)
		}
	}
	if p.Port != nil && *p.Port != cur.Port {
		if err := m.checkPortUsable(ctx, *p.Port, cur.ID); err != nil {
			return instance.Record{}, err
		}
	}
	updated, err := m.store.Update(ctx, cur.ID, func(r *instance.Record) error {
		if r.Status.ShouldRun() {
			return ErrNotStopped
		}
		if p.Name != nil {
			r.Name = strings.TrimSpace(*p.Name)
		}
		if p.Version != nil {
			r.Version = *p.Version
		}
		if p.Port != nil {
			r.Port = *p.Port
		}
		if p.AutoStart != nil {
			r.AutoStart = *p.AutoStart
		}
		if p.Username != nil {
			r.Username = *p.Username
		}
		r.UpdatedAt = time.Now().UTC()
		return r.Validate()
	})
	if err != nil {
		return instance.Record{}, err
	}
	if p.Password != nil {
		if err := m.creds.Set(updated.CredentialRef, *p.Password); err != nil {
			return updated, fmt.Errorf("save credential: %w", err)
		}
	}
	return updated, nil
}

func (m *Manager) Delete(ctx context.Context, idOrName string) error {
	r, err := m.lookup(ctx, idOrName)
	if err != nil {
		return err
	}
	return m.sup.Delete(ctx, r.ID)
}

func (m *Manager) Start(ctx context.Context, idOrName string) error {
	r, err := m.lookup(ctx, idOrName)
	if err != nil {
		return err
	}
	return m.sup.Start(ctx, r)
}

func (m *Manager) Stop(ctx context.Context, idOrName string) error {
	r, err := m.lookup(ctx, idOrName)
	if err != nil {
		return err
	}
	return m.sup.Stop(ctx, r.ID)
}

// Status reports the observed status; verify adds a TCP probe.
func (m *Manager) Status(ctx context.Context, idOrName string, verify bool) (instance.Status, error) {
	r, err := m.lookup(ctx, idOrName)
	if err != nil {
		return "", err
	}
	return m.sup.Status(ctx, r.ID, verify)
}

func (m *Manager) CheckPort(ctx context.Context, p int, excludingID string) (port.Conflict, error) {
	return m.gateway.CheckPort(ctx, p, excludingID)
}

func (m *Manager) FindPort(ctx context.Context, start, maxAttempts int) (int, error) {
	return m.gateway.FindPort(ctx, start, maxAttempts)
}

func (m *Manager) Ban(p int) error {
	if p < 1 || p > port.MaxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return m.ports.Ban(p)
}

func (m *Manager) Unban(p int) error { return m.ports.Unban(p) }

func (m *Manager) Banned() ([]int, error) { return m.ports.BannedPorts() }

// Cleanup terminates orphaned engine processes, through the helper when it
// is reachable.
func (m *Manager) Cleanup(ctx context.Context) (cleanup.Report, error) {
	return m.gateway.Cleanup(ctx)
}

// Reconcile runs one reconciliation pass now.
func (m *Manager) Reconcile(ctx context.Context) (reconciler.Result, error) {
	return m.recon.ReconcileOnce(ctx)
}

// AutoStart runs the auto-start batch now.
func (m *Manager) AutoStart(ctx context.Context) (events.Summary, error) {
	return m.seq.Run(ctx)
}

// HelperStatus asks the daemon for its status.
func (m *Manager) HelperStatus(ctx context.Context) (ipc.DaemonStatus, error) {
	return m.gateway.Status(ctx)
}

// Events subscribes to the event bus. Call cancel to unsubscribe.
func (m *Manager) Events() (<-chan events.Event, func()) {
	return m.bus.Subscribe()
}
