package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, Event) error { return errors.New("down") }
func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestEmitterFansOut(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	bad := &failingSink{}
	e := NewEmitter(nil, a, bad, b)
	require.True(t, e.Enabled())

	e.Emit(EventStart, Record{InstanceID: "x", Name: "pg", Engine: "postgresql", Port: 5432, PID: 10, Status: "running"})
	e.Emit(EventExit, Record{InstanceID: "x", Status: "stopped", Error: "exit status 1"})

	assert.Equal(t, []EventType{EventStart, EventExit}, a.Types())
	assert.Equal(t, a.Types(), b.Types(), "a failing sink does not stop the others")
	assert.Equal(t, 5432, a.Events()[0].Record.Port)
	assert.False(t, a.Events()[0].OccurredAt.IsZero())

	require.NoError(t, e.Close())
	assert.True(t, bad.closed)
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	assert.False(t, e.Enabled())
	e.Emit(EventStop, Record{})
	assert.NoError(t, e.Close())
	assert.False(t, NewEmitter(nil).Enabled())
}
