package confirmations

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord maps a client idempotency key to the confirmation it
// created, so resubmitted documents return the original rather than a
// duplicate.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
