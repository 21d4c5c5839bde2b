package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/store/postgres"
)

const (
	reclaimLockKey   = "reviewloop:janitor:reclaim"
	retentionLockKey = "reviewloop:janitor:retention"
)

type InboxSweeper interface {
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OutboxSweeper interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor runs the periodic maintenance passes: reclaiming stale inbox
// claims and purging processed inbox/outbox rows past retention. Each pass
// takes an advisory lock so only one replica does the work; idempotency
// makes a missed lock harmless, the lock just avoids wasted sweeps.
type Janitor struct {
	inbox           InboxSweeper
	outbox          OutboxSweeper
	locks           *postgres.LockService
	logger          *zap.Logger
	reclaimWindow   time.Duration
	reclaimInterval time.Duration
	retention       time.Duration
	sweepInterval   time.Duration
}

func New(inbox InboxSweeper, outbox OutboxSweeper, locks *postgres.LockService, logger *zap.Logger,
	reclaimWindow, reclaimInterval, retention, sweepInterval time.Duration) *Janitor {
	if reclaimWindow <= 0 {
		reclaimWindow = 5 * time.Minute
	}
	if reclaimInterval <= 0 {
		reclaimInterval = time.Minute
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 24 * time.Hour
	}
	return &Janitor{
		inbox:           inbox,
		outbox:          outbox,
		locks:           locks,
		logger:          logger,
		reclaimWindow:   reclaimWindow,
		reclaimInterval: reclaimInterval,
		retention:       retention,
		sweepInterval:   sweepInterval,
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor starting",
		zap.Duration("reclaim_window", j.reclaimWindow),
		zap.Duration("retention", j.retention))

	reclaimTicker := time.NewTicker(j.reclaimInterval)
	defer reclaimTicker.Stop()
	sweepTicker := time.NewTicker(j.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor shutting down")
			return ctx.Err()
		case <-reclaimTicker.C:
			j.ReclaimStale(ctx)
		case <-sweepTicker.C:
			j.PurgeExpired(ctx)
		}
	}
}

// ReclaimStale resets inbox claims stuck in PROCESSING longer than the
// staleness window so broker redelivery can re-claim them.
func (j *Janitor) ReclaimStale(ctx context.Context) {
	release, ok := j.tryLock(ctx, reclaimLockKey)
	if !ok {
		return
	}
	defer release()

	reclaimed, err := j.inbox.ReclaimStale(ctx, j.reclaimWindow)
	if err != nil {
		j.logger.Error("stale claim reclaim failed", zap.Error(err))
		return
	}
	if reclaimed > 0 {
		j.logger.Info("reclaimed stale inbox claims", zap.Int64("count", reclaimed))
	}
}

// PurgeExpired deletes processed inbox and outbox rows past retention.
func (j *Janitor) PurgeExpired(ctx context.Context) {
	release, ok := j.tryLock(ctx, retentionLockKey)
	if !ok {
		return
	}
	defer release()

	cutoff := time.Now().Add(-j.retention)

	if deleted, err := j.outbox.DeleteProcessedBefore(ctx, cutoff); err != nil {
		j.logger.Error("outbox purge failed", zap.Error(err))
	} else if deleted > 0 {
		j.logger.Info("purged outbox rows", zap.Int64("count", deleted))
	}

	if deleted, err := j.inbox.DeleteProcessedBefore(ctx, cutoff); err != nil {
		j.logger.Error("inbox purge failed", zap.Error(err))
	} else if deleted > 0 {
		j.logger.Info("purged inbox rows", zap.Int64("count", deleted))
	}
}

func (j *Janitor) tryLock(ctx context.Context, key string) (func(), bool) {
	if j.locks == nil {
		return func() {}, true
	}
	lock, err := j.locks.Acquire(ctx, key, 10*time.Minute)
	if err != nil {
		j.logger.Error("advisory lock acquire failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if lock == nil {
		j.logger.Debug("maintenance pass already running elsewhere", zap.String("key", key))
		return nil, false
	}
	return func() {
		if err := lock.Release(); err != nil {
			j.logger.Warn("advisory lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, true
}
