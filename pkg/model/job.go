package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type JobStatus string

const (
	JobPending         JobStatus = "PENDING"
	JobProcessing      JobStatus = "PROCESSING"
	JobWaitingForEvent JobStatus = "WAITING_FOR_EVENT"
	JobCompleted       JobStatus = "COMPLETED"
	JobFailed          JobStatus = "FAILED"
)

// WorkflowJob is the durable record of one unit of work. Rows are never
// deleted by the engine itself; the janitor prunes them by age.
type WorkflowJob struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	WorkflowType   string    `gorm:"not null;index"`
	HandlerType    string
	Status         JobStatus `gorm:"type:varchar(50);default:'PENDING';index"`
	CorrelationID  string    `gorm:"index"`
	OrganizationID string
	TeamID         string

	// Set while the job is parked in WAITING_FOR_EVENT; both columns are
	// cleared together when the job is resumed.
	WaitingEventType string `gorm:"index:idx_jobs_waiting"`
	WaitingEventKey  string `gorm:"index:idx_jobs_waiting"`

	// Pipeline checkpoint: opaque context plus the name of the stage the
	// cursor points at. PipelinePaused distinguishes a stage that raised a
	// pause from one that durably completed; the two must never be
	// conflated, or a crash after a pause would skip the stage's result.
	PipelineContext JSONB          `gorm:"type:jsonb"`
	PipelineStage   string         `gorm:"type:varchar(255)"`
	PipelinePaused  bool           `gorm:"default:false"`
	PipelineUpdated *time.Time
	CompletedStages pq.StringArray `gorm:"type:text[]"`

	Metadata JSONB `gorm:"type:jsonb;default:'{}'"`
	Attempts int   `gorm:"default:0"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (WorkflowJob) TableName() string {
	return "workflow_jobs"
}

// Waiting reports whether the job is parked on an external event and, if so,
// the event it waits for.
func (j *WorkflowJob) Waiting() (eventType, eventKey string, ok bool) {
	if j.Status != JobWaitingForEvent {
		return "", "", false
	}
	return j.WaitingEventType, j.WaitingEventKey, true
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}
