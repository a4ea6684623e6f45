package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bidledger/internal/metrics"
	"bidledger/internal/scheduler"
	"bidledger/internal/storage"
)

// Sweeper periodically ends auctions whose deadline has passed. Only one process
// sweeps at a time; the others skip the tick while the advisory lock is held.
type Sweeper struct {
	manager   *Manager
	locker    storage.AdvisoryLocker
	lockKey   int64
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewSweeper wires a Sweeper. sched may be nil when only Sweep is used.
func NewSweeper(manager *Manager, locker storage.AdvisoryLocker, lockKey int64, sched *scheduler.Scheduler, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		manager:   manager,
		locker:    locker,
		lockKey:   lockKey,
		scheduler: sched,
		metrics:   m,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run begins the periodic sweep loop.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// Sweep runs one expiry pass under the advisory lock.
func (s *Sweeper) Sweep(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.metrics.Sweep("error")
		return err
	}
	if !proceed {
		s.metrics.Sweep("skipped")
		s.logger.Debug().Time("bucket", bucket).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	ended, err := s.manager.ExpireDue(ctx)
	if err != nil {
		s.metrics.Sweep("error")
		return err
	}
	s.metrics.Sweep("ok")
	if len(ended) > 0 {
		s.logger.Info().Time("bucket", bucket).Int("ended", len(ended)).Msg("expired auctions ended")
	}
	return nil
}

func (s *Sweeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweeper lock: %w", err)
	}
	return unlock, acquired, nil
}
