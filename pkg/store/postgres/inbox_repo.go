package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/model"
)

type InboxRepository struct {
	db        *gorm.DB
	staleness time.Duration
}

func NewInboxRepository(db *gorm.DB, staleness time.Duration) *InboxRepository {
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &InboxRepository{db: db, staleness: staleness}
}

// Claim atomically takes ownership of (consumerID, messageID). It inserts a
// fresh PROCESSING row, or takes over an existing one that is not PROCESSED
// and whose previous claim is either released or stale. A nil row with nil
// error means duplicate delivery: skip the message.
func (r *InboxRepository) Claim(ctx context.Context, consumerID, messageID, lockedBy string) (*model.InboxMessage, error) {
	var row model.InboxMessage
	res := r.db.WithContext(ctx).Raw(`
		INSERT INTO inbox_messages (consumer_id, message_id, status, locked_by, locked_at, attempts, created_at)
		VALUES (?, ?, 'PROCESSING', ?, NOW(), 1, NOW())
		ON CONFLICT (consumer_id, message_id) DO UPDATE
		SET status = 'PROCESSING',
		    locked_by = EXCLUDED.locked_by,
		    locked_at = NOW(),
		    attempts = inbox_messages.attempts + 1
		WHERE inbox_messages.status <> 'PROCESSED'
		  AND (inbox_messages.status <> 'PROCESSING'
		       OR inbox_messages.locked_at < NOW() - make_interval(secs => ?))
		RETURNING *
	`, consumerID, messageID, lockedBy, r.staleness.Seconds()).Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, consumerID, messageID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.InboxMessage{}).
		Where("consumer_id = ? AND message_id = ?", consumerID, messageID).
		Updates(map[string]interface{}{
			"status":       model.InboxProcessed,
			"processed_at": &now,
			"locked_by":    "",
		}).Error
}

// Release rolls a claim back to READY so a redelivery can re-claim it.
func (r *InboxRepository) Release(ctx context.Context, consumerID, messageID, lastError string) error {
	return r.db.WithContext(ctx).Model(&model.InboxMessage{}).
		Where("consumer_id = ? AND message_id = ? AND status = ?", consumerID, messageID, model.InboxProcessing).
		Updates(map[string]interface{}{
			"status":     model.InboxReady,
			"locked_by":  "",
			"last_error": lastError,
		}).Error
}

// ReclaimStale resets PROCESSING rows whose claim is older than olderThan.
// Broker redelivery is the retry mechanism; this only unsticks the claim.
func (r *InboxRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&model.InboxMessage{}).
		Where("status = ? AND locked_at < ?", model.InboxProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     model.InboxReady,
			"locked_by":  "",
			"last_error": "claim expired",
		})
	return res.RowsAffected, res.Error
}

func (r *InboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", model.InboxProcessed, cutoff).
		Delete(&model.InboxMessage{})
	return res.RowsAffected, res.Error
}

type InboxHealth struct {
	InFlight       int64
	OldestClaimAge time.Duration
	Failed         int64
}

func (r *InboxRepository) Health(ctx context.Context) (*InboxHealth, error) {
	health := &InboxHealth{}

	err := r.db.WithContext(ctx).Model(&model.InboxMessage{}).
		Where("status = ?", model.InboxProcessing).
		Count(&health.InFlight).Error
	if err != nil {
		return nil, err
	}

	if health.InFlight > 0 {
		var oldest time.Time
		err = r.db.WithContext(ctx).Model(&model.InboxMessage{}).
			Where("status = ?", model.InboxProcessing).
			Select("MIN(locked_at)").
			Scan(&oldest).Error
		if err != nil {
			return nil, err
		}
		health.OldestClaimAge = time.Since(oldest)
	}

	err = r.db.WithContext(ctx).Model(&model.InboxMessage{}).
		Where("status = ? AND last_error <> ''", model.InboxReady).
		Count(&health.Failed).Error
	if err != nil {
		return nil, err
	}

	return health, nil
}
