package grouping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom/store"
)

func TestSweeperSweepOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := seedWorkerProject(t, st)

	checkout := "checkout"
	seedUnmatchedTrace(t, st, p.ID, nil, promptAcme)
	newest := seedUnmatchedTrace(t, st, p.ID, nil, promptGlobex)
	seedUnmatchedTrace(t, st, p.ID, &checkout, promptAcme)
	fourth := seedUnmatchedTrace(t, st, p.ID, &checkout, promptGlobex)

	// A scope below min count is not swept.
	lonely := "lonely"
	seedUnmatchedTrace(t, st, p.ID, &lonely, promptOther)

	q := NewQueue(8)
	s := NewSweeper(st, q, 2, nil)

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, p.ID, r.ProjectID)
	assert.Nil(t, r.Path)
	assert.Equal(t, newest.ID, r.TraceID, "supersede token is the scope's newest trace")

	r, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	require.NotNil(t, r.Path)
	assert.Equal(t, checkout, *r.Path)
	assert.Equal(t, fourth.ID, r.TraceID)
}

func TestSweeperCountsOnlyQueued(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := seedWorkerProject(t, st)

	checkout := "checkout"
	seedUnmatchedTrace(t, st, p.ID, nil, promptAcme)
	seedUnmatchedTrace(t, st, p.ID, nil, promptGlobex)
	seedUnmatchedTrace(t, st, p.ID, &checkout, promptAcme)
	seedUnmatchedTrace(t, st, p.ID, &checkout, promptGlobex)

	q := NewQueue(1)
	q.putTimeout = 10 * time.Millisecond
	s := NewSweeper(st, q, 2, nil)

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the drop on the full queue is not counted")
}

func TestSweeperFeedsWorker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := seedWorkerProject(t, st)
	seedUnmatchedTrace(t, st, p.ID, nil, promptAcme)
	seedUnmatchedTrace(t, st, p.ID, nil, promptGlobex)

	q := NewQueue(4)
	s := NewSweeper(st, q, 2, nil)
	w := NewWorker(st, q, WorkerConfig{})

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	w.Process(ctx, r)

	tasks, err := st.ListTasks(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "swept scope converges without any ingest-time enqueue")
}

func TestSweeperStartStop(t *testing.T) {
	st := store.NewMemory()
	p := seedWorkerProject(t, st)
	seedUnmatchedTrace(t, st, p.ID, nil, promptAcme)
	seedUnmatchedTrace(t, st, p.ID, nil, promptGlobex)

	q := NewQueue(8)
	s := NewSweeper(st, q, 2, nil)

	require.Error(t, s.Start("not a schedule"))

	require.NoError(t, s.Start("@every 10ms"))
	defer s.Stop()

	assert.Eventually(t, func() bool { return q.Len() > 0 }, 5*time.Second, 5*time.Millisecond)
}
