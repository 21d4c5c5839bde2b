package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/model"
)

// StateRepository persists pipeline checkpoints on the job row. It is a pure
// persistence adapter; retry decisions belong to the executor.
type StateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) *StateRepository {
	return &StateRepository{db: db}
}

// SaveState checkpoints the context after stage completed normally. The
// stage name is recorded both as the resume cursor and in the
// completed-stages audit column. An empty stage name is the INIT snapshot.
func (r *StateRepository) SaveState(ctx context.Context, jobID uuid.UUID, jc model.JSONB, stage string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"pipeline_context": jc,
		"pipeline_stage":   stage,
		"pipeline_paused":  false,
		"pipeline_updated": &now,
		"updated_at":       now,
	}
	if stage != "" {
		updates["completed_stages"] = gorm.Expr("array_append(completed_stages, ?::text)", stage)
	}
	return r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error
}

// SavePauseState tags the context with the stage that raised the pause. The
// paused flag marks the cursor as not-completed, and the stage is not
// appended to completed_stages; it has not finished.
func (r *StateRepository) SavePauseState(ctx context.Context, jobID uuid.UUID, jc model.JSONB, stage string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"pipeline_context": jc,
			"pipeline_stage":   stage,
			"pipeline_paused":  true,
			"pipeline_updated": &now,
			"updated_at":       now,
		}).Error
}

func (r *StateRepository) LoadState(ctx context.Context, jobID uuid.UUID) (model.JSONB, string, bool, bool, error) {
	var job model.WorkflowJob
	err := r.db.WithContext(ctx).
		Select("pipeline_context", "pipeline_stage", "pipeline_paused", "pipeline_updated").
		First(&job, "id = ?", jobID).Error
	if err != nil {
		return nil, "", false, false, err
	}
	if job.PipelineUpdated == nil {
		return nil, "", false, false, nil
	}
	return job.PipelineContext, job.PipelineStage, job.PipelinePaused, true, nil
}

func (r *StateRepository) ClearState(ctx context.Context, jobID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.WorkflowJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"pipeline_context": nil,
			"pipeline_stage":   "",
			"pipeline_paused":  false,
			"pipeline_updated": nil,
			"updated_at":       time.Now(),
		}).Error
}
