package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and relayed to the broker asynchronously. The relay flips
// Processed exactly once, after a positive publish acknowledgment.
type OutboxMessage struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Exchange    string    `gorm:"not null"`
	RoutingKey  string    `gorm:"not null"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime;not null;index"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
