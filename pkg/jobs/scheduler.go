package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler enqueues a job of the given type on every tick.
type Scheduler struct {
	queue    *Queue
	jobType  string
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler feeding queue every interval.
func NewScheduler(queue *Queue, jobType string, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{queue: queue, jobType: jobType, interval: interval, logger: logger}
}

// Start runs the ticker until ctx is cancelled or Stop is called.
// When immediate is true the first job is enqueued right away.
func (s *Scheduler) Start(ctx context.Context, immediate bool) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		if immediate {
			s.fire()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fire()
			}
		}
	}()
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire() {
	if err := s.queue.TryEnqueue(Job{Type: s.jobType}); err != nil {
		s.logger.Warn("skip scheduled job", zap.String("type", s.jobType), zap.Error(err))
	}
}
