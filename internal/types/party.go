package types

import (
	"time"

	"gorm.io/gorm"
)

// PartyCode is one entry of the counterparty directory. Confirmations must
// reference parties by these codes; ingestion rejects documents naming a
// code the directory does not carry.
type PartyCode struct {
	gorm.Model `json:"-"`
	Code       string    `gorm:"uniqueIndex" json:"code"`
	LegalName  string    `json:"legal_name"`
	BIC        string    `gorm:"index" json:"bic,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
