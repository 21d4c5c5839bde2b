package model

import "time"

type InboxStatus string

const (
	// InboxReady marks a row whose claim was released after a retryable
	// failure; broker redelivery will claim it again.
	InboxReady      InboxStatus = "READY"
	InboxProcessing InboxStatus = "PROCESSING"
	InboxProcessed  InboxStatus = "PROCESSED"
)

// InboxMessage is the idempotency record for one (consumer, message) pair.
// At most one active claim exists per key; a PROCESSING claim older than the
// staleness window is reclaimable.
type InboxMessage struct {
	ConsumerID  string      `gorm:"primaryKey;size:100"`
	MessageID   string      `gorm:"primaryKey;size:255"`
	Status      InboxStatus `gorm:"type:varchar(20);not null;index"`
	LockedBy    string
	LockedAt    *time.Time
	Attempts    int `gorm:"default:0"`
	LastError   string
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (InboxMessage) TableName() string {
	return "inbox_messages"
}
