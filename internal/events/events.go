// Package events carries fire-and-forget notifications to the UI layer.
package events

import (
	"sync"
	"time"

	"github.com/loykin/dbhelm/internal/instance"
)

type Kind string

const (
	KindStatusChanged      Kind = "status-changed"
	KindStoreChanged       Kind = "store-changed"
	KindAutoStartConflicts Kind = "autostart-conflicts"
	KindAutoStartSummary   Kind = "autostart-summary"
)

// StatusChange reports one instance's observed status.
type StatusChange struct {
	ID     string          `json:"id"`
	Status instance.Status `json:"status"`
	PID    *int            `json:"pid"`
	Error  string          `json:"error,omitempty"`
}

// StoreChange summarises a reconciliation pass over the state file.
type StoreChange struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Conflict is one auto-start port reassignment.
type Conflict struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OriginalPort int    `json:"originalPort"`
	NewPort      int    `json:"newPort"`
	ClaimedBy    string `json:"claimedBy"`
}

// Summary is the outcome of one auto-start batch.
type Summary struct {
	Total   int `json:"total"`
	Started int `json:"started"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Notifier is implemented by whatever delivers events to the UI.
// Calls must not block the caller.
type Notifier interface {
	StatusChanged(StatusChange)
	StoreChanged(StoreChange)
	AutoStartConflicts([]Conflict)
	AutoStartSummary(Summary)
}

// Event is the envelope delivered to Bus subscribers.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) StatusChanged(StatusChange)    {}
func (Nop) StoreChanged(StoreChange)      {}
func (Nop) AutoStartConflicts([]Conflict) {}
func (Nop) AutoStartSummary(Summary)      {}

const defaultBuffer = 64

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never wait.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) publish(kind Kind, data any) {
	ev := Event{Kind: kind, At: time.Now().UTC(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) StatusChanged(c StatusChange)     { b.publish(KindStatusChanged, c) }
func (b *Bus) StoreChanged(c StoreChange)       { b.publish(KindStoreChanged, c) }
func (b *Bus) AutoStartConflicts(cs []Conflict) { b.publish(KindAutoStartConflicts, cs) }
func (b *Bus) AutoStartSummary(s Summary)       { b.publish(KindAutoStartSummary, s) }

// Recorder keeps every event in memory. It is meant for tests and for
// embedding applications that poll instead of subscribing.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(kind Kind, data any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: kind, At: time.Now().UTC(), Data: data})
	r.mu.Unlock()
}

func (r *Recorder) StatusChanged(c StatusChange)     { r.add(KindStatusChanged, c) }
func (r *Recorder) StoreChanged(c StoreChange)       { r.add(KindStoreChanged, c) }
func (r *Recorder) AutoStartConflicts(cs []Conflict) { r.add(KindAutoStartConflicts, cs) }
func (r *Recorder) AutoStartSummary(s Summary)       { r.add(KindAutoStartSummary, s) }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of kind.
func (r *Recorder) Of(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// StatusChanges returns recorded status changes in order.
func (r *Recorder) StatusChanges() []StatusChange {
	var out []StatusChange
	for _, e := range r.Of(KindStatusChanged) {
		out = append(out, e.Data.(StatusChange))
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Multi forwards to several notifiers.
type Multi []Notifier

func (m Multi) StatusChanged(c StatusChange) {
	for _, n := range m {
		n.StatusChanged(c)
	}
}

func (m Multi) StoreChanged(c StoreChange) {
	for _, n := range m {
		n.StoreChanged(c)
	}
}

func (m Multi) AutoStartConflicts(cs []Conflict) {
	for _, n := range m {
		n.AutoStartConflicts(cs)
	}
}

func (m Multi) AutoStartSummary(s Summary) {
	for _, n := range m {
		n.AutoStartSummary(s)
	}
}
