// Package grouping discovers tasks and implementations by clustering
// unmatched traces that share a (project, path) scope.
package grouping

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull reports a dropped enqueue. Ingestion treats it as
	// non-fatal because the sweeper re-enqueues unmatched keys later.
	ErrQueueFull = errors.New("grouping queue full")

	// ErrQueueClosed reports that the queue is shut down and drained.
	ErrQueueClosed = errors.New("grouping queue closed")

	// ErrQueueEmpty reports a dequeue poll timeout.
	ErrQueueEmpty = errors.New("grouping queue empty")
)

// DefaultPutTimeout bounds how long Enqueue waits on a full queue before
// dropping the request.
const DefaultPutTimeout = time.Second

// Request asks the worker to regroup the unmatched traces of one
// (project, path) scope. TraceID is the trace whose ingestion raised the
// request and acts as the supersede token.
type Request struct {
	ProjectID  int64
	Path       *string
	TraceID    int64
	EnqueuedAt time.Time
}

// key identifies a grouping scope. A nil path and an empty path are
// distinct scopes.
type key struct {
	projectID int64
	path      string
	hasPath   bool
}

func requestKey(r Request) key {
	k := key{projectID: r.ProjectID}
	if r.Path != nil {
		k.hasPath = true
		k.path = *r.Path
	}
	return k
}

// Queue is a bounded in-memory grouping queue. It is safe for concurrent
// enqueuers and a single dequeuer. Alongside the ordered channel it keeps
// the most recent request per scope so the worker can skip superseded
// entries after a burst.
type Queue struct {
	requests   chan Request
	done       chan struct{}
	putTimeout time.Duration

	mu     sync.Mutex
	latest map[key]Request
	closed bool
}

// NewQueue returns a queue holding at most capacity pending requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		requests:   make(chan Request, capacity),
		done:       make(chan struct{}),
		putTimeout: DefaultPutTimeout,
		latest:     make(map[key]Request),
	}
}

// Enqueue registers r as the latest request for its scope and appends it
// to the queue. It waits at most the put timeout on a full queue, then
// rolls back the registration and reports ErrQueueFull.
func (q *Queue) Enqueue(r Request) error {
	r.EnqueuedAt = time.Now()
	k := requestKey(r)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	// Registering before the send keeps the supersede check sound: a
	// worker that dequeues r must never observe an older latest entry.
	q.latest[k] = r
	q.mu.Unlock()

	select {
	case q.requests <- r:
		return nil
	default:
	}

	timer := time.NewTimer(q.putTimeout)
	defer timer.Stop()
	select {
	case q.requests <- r:
		return nil
	case <-timer.C:
		q.clearIfCurrent(k, r.TraceID)
		return ErrQueueFull
	}
}

// Dequeue returns the next pending request. It reports ErrQueueEmpty after
// timeout so the worker can re-check shutdown, and ErrQueueClosed once the
// queue is shut down and fully drained.
func (q *Queue) Dequeue(timeout time.Duration) (Request, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-q.requests:
		return r, nil
	case <-q.done:
		// Drain whatever was enqueued before shutdown.
		select {
		case r := <-q.requests:
			return r, nil
		default:
			return Request{}, ErrQueueClosed
		}
	case <-timer.C:
		return Request{}, ErrQueueEmpty
	}
}

// Superseded reports whether a newer request for r's scope arrived after
// r. A missing entry counts as not superseded so the worker still makes
// progress if the map was cleared.
func (q *Queue) Superseded(r Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.latest[requestKey(r)]
	return ok && cur.TraceID != r.TraceID
}

// ClearLatest removes r's scope entry if r is still the latest request,
// marking the scope fully processed.
func (q *Queue) ClearLatest(r Request) {
	q.clearIfCurrent(requestKey(r), r.TraceID)
}

func (q *Queue) clearIfCurrent(k key, traceID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.latest[k]; ok && cur.TraceID == traceID {
		delete(q.latest, k)
	}
}

// Len returns the number of pending requests.
func (q *Queue) Len() int { return len(q.requests) }

// Close stops accepting new requests. Pending requests remain available
// to Dequeue until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
