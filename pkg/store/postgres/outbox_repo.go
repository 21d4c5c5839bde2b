package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reviewloop/reviewloop/pkg/model"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// SaveInTx writes an outbox row inside the caller's transaction. The caller
// must pass the same tx that carries the triggering state change; that is
// the whole point of the outbox.
func (r *OutboxRepository) SaveInTx(tx *gorm.DB, msg *model.OutboxMessage) error {
	return tx.Create(msg).Error
}

// ProcessPending claims a batch of unpublished rows with FOR UPDATE SKIP
// LOCKED so concurrent relay replicas never see the same row, invokes
// publish for each, and marks only the acknowledged ones processed. Rows
// whose publish fails stay unpublished and are retried on a later tick.
func (r *OutboxRepository) ProcessPending(ctx context.Context, limit int, publish func(msg model.OutboxMessage) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	published := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgs []model.OutboxMessage
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed = false").
			Order("created_at ASC").
			Limit(limit).
			Find(&msgs).Error
		if err != nil {
			return err
		}

		now := time.Now()
		for _, msg := range msgs {
			if err := publish(msg); err != nil {
				// Leave the row unpublished; the row lock is dropped at
				// commit and the next tick retries it.
				continue
			}
			err := tx.Model(&model.OutboxMessage{}).
				Where("id = ?", msg.ID).
				Updates(map[string]interface{}{
					"processed":    true,
					"processed_at": &now,
				}).Error
			if err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

func (r *OutboxRepository) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("processed = false").
		Count(&count).Error
	return count, err
}

func (r *OutboxRepository) OldestUnpublishedAge(ctx context.Context) (time.Duration, error) {
	var oldest time.Time
	err := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("processed = false").
		Select("COALESCE(MIN(created_at), NOW())").
		Scan(&oldest).Error
	if err != nil {
		return 0, err
	}
	return time.Since(oldest), nil
}

func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed = true AND processed_at < ?", cutoff).
		Delete(&model.OutboxMessage{})
	return res.RowsAffected, res.Error
}
