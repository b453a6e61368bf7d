package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

func item(class Class, id string, at time.Time) Item {
	return Item{
		Class:      class,
		Context:    protocol.Context{InvocationID: id},
		EnqueuedAt: at,
	}
}

func TestCommandsPopBeforeEvents(t *testing.T) {
	t.Parallel()

	q := New()
	t0 := time.Now()

	// Event arrives first, command second. Command must still pop first.
	q.Push(item(ClassEvent, "ev-1", t0))
	q.Push(item(ClassCommand, "cmd-1", t0.Add(time.Millisecond)))

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "cmd-1", got.InvocationID())

	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "ev-1", got.InvocationID())

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestFIFOWithinClass(t *testing.T) {
	t.Parallel()

	q := New()
	t0 := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		q.Push(item(ClassCommand, id, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	for i, id := range []string{"x", "y"} {
		q.Push(item(ClassEvent, id, t0.Add(time.Duration(i)*time.Millisecond)))
	}

	var order []string
	for {
		it, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, it.InvocationID())
	}
	assert.Equal(t, []string{"a", "b", "c", "x", "y"}, order)
}

func TestLenCounts(t *testing.T) {
	t.Parallel()

	q := New()
	assert.Equal(t, 0, q.Len())

	q.Push(item(ClassCommand, "c1", time.Now()))
	q.Push(item(ClassEvent, "e1", time.Now()))
	q.Push(item(ClassEvent, "e2", time.Now()))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 1, q.Commands())
	assert.Equal(t, 2, q.Events())

	_, _ = q.Pop()
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.Commands())
}
