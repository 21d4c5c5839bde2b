package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/model"
)

type HistoryRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Append(ctx context.Context, entry *model.JobExecutionHistory) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *HistoryRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.JobExecutionHistory, error) {
	var entries []model.JobExecutionHistory
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("attempt_number ASC").
		Find(&entries).Error
	return entries, err
}

// CountByStatusSince returns per-status attempt counts within the window,
// used by the status service to compute the success rate.
func (r *HistoryRepository) CountByStatusSince(ctx context.Context, since time.Time) (map[model.JobStatus]int64, error) {
	type row struct {
		Status model.JobStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&model.JobExecutionHistory{}).
		Select("status, count(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
