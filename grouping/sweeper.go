package grouping

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/store"
)

// Sweeper periodically re-enqueues every unmatched (project, path) scope.
// The queue is advisory and lost on restart; the sweep makes the worker
// converge on the same state from the database alone.
type Sweeper struct {
	store    store.Store
	queue    *Queue
	log      *zap.Logger
	minCount int
	cron     *cron.Cron
}

// NewSweeper creates a sweeper that skips scopes with fewer than minCount
// unmatched traces.
func NewSweeper(st store.Store, queue *Queue, minCount int, log *zap.Logger) *Sweeper {
	if minCount <= 0 {
		minCount = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: st, queue: queue, minCount: minCount, log: log}
}

// Start schedules sweeps on a cron expression such as "@every 10m".
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info("sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce enqueues one grouping request per qualifying scope and
// returns how many were enqueued. A full queue skips the scope; the next
// sweep retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.store.ListUnmatchedKeys(ctx, s.minCount)
	if err != nil {
		return 0, fmt.Errorf("list unmatched keys: %w", err)
	}

	enqueued := 0
	for _, k := range keys {
		req := Request{ProjectID: k.ProjectID, Path: k.Path, TraceID: k.MaxTraceID}
		if err := s.queue.Enqueue(req); err != nil {
			s.log.Warn("sweep enqueue failed",
				zap.Error(err),
				zap.Int64("project_id", k.ProjectID),
				zap.Stringp("path", k.Path))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("sweep enqueued scopes", zap.Int("count", enqueued))
	}
	return enqueued, nil
}
