// Package registry is the in-memory authority on which engine processes
// belong to this program. It is created at startup, injected into the
// components that need it and drained at shutdown.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/process"
)

// Entry is one tracked process.
type Entry struct {
	Handle    *process.Handle
	Config    instance.Record
	StartedAt time.Time
	Adopted   bool
}

// Registry maps instance id to its live entry. At most one entry or pending
// reservation exists per id.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	reserved map[string]bool // id -> stop requested while pending
}

func New() *Registry {
	return &Registry{
		entries:  make(map[string]Entry),
		reserved: make(map[string]bool),
	}
}

// Reserve claims id for a pending start. It fails when id already has an
// entry or another reservation.
func (r *Registry) Reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.reserved[id] = false
	return true
}

// Release drops a reservation without committing.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.reserved, id)
	r.mu.Unlock()
}

// Pending reports whether id has an uncommitted reservation.
func (r *Registry) Pending(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reserved[id]
	return ok
}

// CancelPending marks a reservation so Commit refuses it. It reports
// whether a reservation existed.
func (r *Registry) CancelPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reserved[id]; !ok {
		return false
	}
	r.reserved[id] = true
	return true
}

// Commit turns the reservation for id into an entry. It returns false and
// drops the reservation when the start was cancelled meanwhile.
func (r *Registry) Commit(id string, e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled, ok := r.reserved[id]
	delete(r.reserved, id)
	if !ok || cancelled {
		return false
	}
	r.entries[id] = e
	return true
}

// Put inserts an entry directly (adoption). It fails if id is already
// tracked or reserved.
func (r *Registry) Put(id string, e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.entries[id] = e
	return true
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove deletes and returns the entry for id.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// RemoveIf deletes the entry only while it still holds h, so a late exit of
// a replaced process cannot evict its successor.
func (r *Registry) RemoveIf(id string, h *process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Handle != h {
		return false
	}
	delete(r.entries, id)
	return true
}

// FindByPID returns the id tracking pid.
func (r *Registry) FindByPID(pid int) (string, bool) {
	if pid <= 0 {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.entries {
		if e.Handle != nil && e.Handle.PID() == pid {
			return id, true
		}
	}
	return "", false
}

// IDs returns tracked ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Drain empties the registry, cancels pending starts and returns every entry.
func (r *Registry) Drain() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = make(map[string]Entry)
	for id := range r.reserved {
		r.reserved[id] = true
	}
	return out
}
