package postgres

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LockService wraps Postgres session-scoped advisory locks. String keys are
// hashed djb2-style and folded to a positive 32-bit id; collisions are an
// accepted tradeoff.
type LockService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewLockService(db *gorm.DB, logger *zap.Logger) *LockService {
	return &LockService{db: db, logger: logger}
}

// Lock is a held advisory lock. Release is idempotent. The underlying
// connection is pinned for the lifetime of the hold; advisory locks are
// session-scoped, so the hold would silently vanish on a pooled connection.
type Lock struct {
	key     string
	id      int32
	conn    *sql.Conn
	logger  *zap.Logger
	timer   *time.Timer
	mu      sync.Mutex
	release sync.Once
}

// Acquire attempts a non-blocking acquire and returns nil when the lock is
// held elsewhere. A positive ttl arms an auto-release timer for callers
// that might crash before releasing.
func (s *LockService) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}

	id := hashLockKey(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, nil
	}

	lock := &Lock{key: key, id: id, conn: conn, logger: s.logger}
	if ttl > 0 {
		lock.timer = time.AfterFunc(ttl, func() {
			if err := lock.Release(); err != nil {
				s.logger.Warn("advisory lock auto-release failed",
					zap.String("key", key), zap.Error(err))
			}
		})
	}
	return lock, nil
}

// IsLocked probes by acquiring and immediately releasing. Advisory only: by
// the time it returns, the answer may already be stale.
func (s *LockService) IsLocked(ctx context.Context, key string) (bool, error) {
	lock, err := s.Acquire(ctx, key, 0)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return true, nil
	}
	return false, lock.Release()
}

func (l *Lock) Release() error {
	var err error
	l.release.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.timer != nil {
			l.timer.Stop()
		}
		var unlocked bool
		err = l.conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.id).Scan(&unlocked)
		if closeErr := l.conn.Close(); err == nil {
			err = closeErr
		}
		if err == nil && !unlocked && l.logger != nil {
			l.logger.Warn("advisory lock was not held at release", zap.String("key", l.key))
		}
	})
	return err
}

// hashLockKey folds a djb2 hash of the key to a positive 32-bit value.
func hashLockKey(key string) int32 {
	var hash uint32 = 5381
	for i := 0; i < len(key); i++ {
		hash = hash*33 + uint32(key[i])
	}
	return int32(hash & 0x7fffffff)
}
