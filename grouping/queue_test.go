package grouping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestQueueOrdersRequests(t *testing.T) {
	q := NewQueue(4)

	require.NoError(t, q.Enqueue(Request{ProjectID: 1, TraceID: 10}))
	require.NoError(t, q.Enqueue(Request{ProjectID: 2, TraceID: 20}))
	assert.Equal(t, 2, q.Len())

	r, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.TraceID)
	assert.False(t, r.EnqueuedAt.IsZero())

	r, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(20), r.TraceID)
}

func TestQueueDequeueTimesOut(t *testing.T) {
	q := NewQueue(1)

	start := time.Now()
	_, err := q.Dequeue(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(1)
	q.putTimeout = 10 * time.Millisecond

	r1 := Request{ProjectID: 1, TraceID: 1}
	r2 := Request{ProjectID: 1, TraceID: 2}
	require.NoError(t, q.Enqueue(r1))
	assert.ErrorIs(t, q.Enqueue(r2), ErrQueueFull)

	// The dropped request's registration is rolled back so the queued
	// one still gets processed.
	assert.False(t, q.Superseded(r1))
}

func TestQueueSupersede(t *testing.T) {
	q := NewQueue(4)

	r1 := Request{ProjectID: 1, Path: strp("checkout"), TraceID: 1}
	r2 := Request{ProjectID: 1, Path: strp("checkout"), TraceID: 2}
	require.NoError(t, q.Enqueue(r1))
	require.NoError(t, q.Enqueue(r2))

	assert.True(t, q.Superseded(r1))
	assert.False(t, q.Superseded(r2))

	// A stale clear leaves the newer registration in place.
	q.ClearLatest(r1)
	assert.True(t, q.Superseded(r1))

	q.ClearLatest(r2)
	assert.False(t, q.Superseded(r1))
	assert.False(t, q.Superseded(r2))
}

func TestQueueScopesNilAndEmptyPathSeparately(t *testing.T) {
	q := NewQueue(4)

	nilPath := Request{ProjectID: 1, Path: nil, TraceID: 1}
	emptyPath := Request{ProjectID: 1, Path: strp(""), TraceID: 2}
	require.NoError(t, q.Enqueue(nilPath))
	require.NoError(t, q.Enqueue(emptyPath))

	assert.False(t, q.Superseded(nilPath))
	assert.False(t, q.Superseded(emptyPath))
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(4)

	require.NoError(t, q.Enqueue(Request{ProjectID: 1, TraceID: 1}))
	require.NoError(t, q.Enqueue(Request{ProjectID: 1, TraceID: 2}))
	q.Close()

	assert.ErrorIs(t, q.Enqueue(Request{ProjectID: 1, TraceID: 3}), ErrQueueClosed)

	r, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TraceID)

	r, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.TraceID)

	_, err = q.Dequeue(time.Second)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
