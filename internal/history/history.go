package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventExit   EventType = "exit"
	EventAdopt  EventType = "adopt"
	EventDrift  EventType = "drift"
	EventDelete EventType = "delete"
)

// Record is the instance snapshot carried by an event.
type Record struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Engine     string `json:"engine"`
	Port       int    `json:"port"`
	PID        int    `json:"pid"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultSendTimeout = 2 * time.Second

// Emitter fans events out to the configured sinks. A nil Emitter or one
// without sinks drops events. Sink failures are logged, never returned.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: append([]Sink(nil), sinks...), logger: logger, timeout: defaultSendTimeout}
}

func (e *Emitter) Enabled() bool { return e != nil && len(e.sinks) > 0 }

// Emit sends one event of type t to every sink.
func (e *Emitter) Emit(t EventType, rec Record) {
	if !e.Enabled() {
		return
	}
	evt := Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	for _, s := range e.sinks {
		if err := s.Send(ctx, evt); err != nil {
			e.logger.Warn("history sink failed", "event", t, "instance", rec.InstanceID, "error", err)
		}
	}
}

// Close closes every sink that supports it.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *MemorySink) Types() []EventType {
	var out []EventType
	for _, e := range m.Events() {
		out = append(out, e.Type)
	}
	return out
}
