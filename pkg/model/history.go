package model

import (
	"time"

	"github.com/google/uuid"
)

// JobExecutionHistory is an append-only record of one processing attempt.
// Rows are never updated after insert.
type JobExecutionHistory struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	JobID         uuid.UUID `gorm:"type:uuid;not null;index"`
	AttemptNumber int       `gorm:"not null"`
	Status        JobStatus `gorm:"type:varchar(50);not null"`
	StartedAt     time.Time `gorm:"not null"`
	CompletedAt   *time.Time
	DurationMs    int64
	ErrorType     string
	ErrorMessage  string
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
}

func (JobExecutionHistory) TableName() string {
	return "job_execution_history"
}
