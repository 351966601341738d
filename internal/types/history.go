package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// HistoryEntityKind says which status machine a history entry belongs to.
type HistoryEntityKind string

const (
	HistoryEntityConfirmation HistoryEntityKind = "confirmation"
	HistoryEntityLeg          HistoryEntityKind = "leg"
)

// Trigger sources recorded on status history entries.
const (
	TriggerIngestAPI       = "ingest_api"
	TriggerMatchingPassAPI = "matching_pass_api"
	TriggerPassScheduler   = "matching_pass_scheduler"
	TriggerUnwindAPI       = "unwind_api"
	TriggerSimulation      = "simulation"
)

// HistoryPayload is the structured detail of what changed in a transition,
// stored as a JSON column (counts, leg ids, relationship ids, reasons).
type HistoryPayload map[string]interface{}

func (p HistoryPayload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *HistoryPayload) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("unsupported history payload column type %T", value)
}

// StatusHistoryEntry is one append-only audit record of a status
// transition. Exactly one entry is written per transition, inside the same
// transaction that applied it; entries are never updated or deleted.
type StatusHistoryEntry struct {
	gorm.Model     `json:"-"`
	ConfirmationID string            `gorm:"index" json:"confirmation_id"`
	LegID          string            `json:"leg_id,omitempty"`
	EntityKind     HistoryEntityKind `json:"entity_kind"`
	PreviousStatus string            `json:"previous_status"`
	NewStatus      string            `json:"new_status"`
	TriggerSource  string            `json:"trigger_source"`
	Payload        HistoryPayload    `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
