package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/model"
)

// ErrNotResumable is returned when a resume is attempted against a job that
// is no longer parked in WAITING_FOR_EVENT.
var ErrNotResumable = errors.New("job is not waiting for an event")

type JobRepository struct {
	db     *gorm.DB
	outbox *OutboxRepository
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db, outbox: NewOutboxRepository(db)}
}

// CreateWithOutbox inserts the job and its announcement message in one
// transaction. Either both rows become visible or neither does.
func (r *JobRepository) CreateWithOutbox(ctx context.Context, job *model.WorkflowJob, msg *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		msg.JobID = job.ID
		return r.outbox.SaveInTx(tx, msg)
	})
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error) {
	var job model.WorkflowJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.JobProcessing,
			"started_at": &now,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result model.JSONB) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       model.JobCompleted,
		"completed_at": &now,
		"updated_at":   now,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.WorkflowJob{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if len(result) == 0 {
			return nil
		}
		return mergeMetadata(tx, id, model.JSONB{"result": map[string]interface{}(result)})
	})
}

func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.WorkflowJob{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":       model.JobFailed,
				"completed_at": &now,
				"updated_at":   now,
			}).Error
		if err != nil {
			return err
		}
		if errMsg == "" {
			return nil
		}
		return mergeMetadata(tx, id, model.JSONB{"error": errMsg})
	})
}

// MarkWaiting parks the job until a matching stage-completed event arrives.
func (r *JobRepository) MarkWaiting(ctx context.Context, id uuid.UUID, eventType, eventKey string) error {
	return r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             model.JobWaitingForEvent,
			"waiting_event_type": eventType,
			"waiting_event_key":  eventKey,
			"updated_at":         time.Now(),
		}).Error
}

// FindWaiting returns every job parked on the given event. One external
// event may resume several jobs.
func (r *JobRepository) FindWaiting(ctx context.Context, eventType, eventKey string) ([]model.WorkflowJob, error) {
	var jobs []model.WorkflowJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND waiting_event_type = ? AND waiting_event_key = ?",
			model.JobWaitingForEvent, eventType, eventKey).
		Find(&jobs).Error
	return jobs, err
}

// ResumeWithOutbox moves a waiting job back to PENDING, stamps the
// completion result into metadata, and writes the "resumed" outbox message,
// all in one transaction. Returns ErrNotResumable when the job has already
// been resumed or finished, which callers treat as a benign race.
func (r *JobRepository) ResumeWithOutbox(ctx context.Context, id uuid.UUID, resumeInfo model.JSONB, msg *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.WorkflowJob{}).
			Where("id = ? AND status = ?", id, model.JobWaitingForEvent).
			Updates(map[string]interface{}{
				"status":             model.JobPending,
				"waiting_event_type": "",
				"waiting_event_key":  "",
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotResumable
		}
		if len(resumeInfo) > 0 {
			if err := mergeMetadata(tx, id, resumeInfo); err != nil {
				return err
			}
		}
		msg.JobID = id
		return r.outbox.SaveInTx(tx, msg)
	})
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	type row struct {
		Status model.JobStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Select("status, count(*) as count").
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

func mergeMetadata(tx *gorm.DB, id uuid.UUID, patch model.JSONB) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return tx.Exec(`
		UPDATE workflow_jobs
		SET metadata = COALESCE(metadata, '{}'::jsonb) || ?::jsonb, updated_at = NOW()
		WHERE id = ?
	`, string(raw), id).Error
}
