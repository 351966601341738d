package migrations

import (
	"github.com/confmatch/confmatch-api/internal/confirmations"
	"github.com/confmatch/confmatch-api/internal/types"
	"gorm.io/gorm"
)

// CreateMatchingSchema creates the confirmation matching tables and required indexes
func CreateMatchingSchema(db *gorm.DB) error {
	// Create the core tables
	if err := db.AutoMigrate(
		&types.Confirmation{},
		&types.Leg{},
		&types.MatchRelationship{},
		&types.StatusHistoryEntry{},
		&types.RuleRecord{},
		&types.PartyCode{},
		&confirmations.IdempotencyRecord{},
	); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for candidate pool queries
		`CREATE INDEX IF NOT EXISTS idx_legs_status_settlement
		 ON legs(match_status, settlement_date)`,

		// Composite index for per-confirmation matched-leg counting
		`CREATE INDEX IF NOT EXISTS idx_legs_confirmation_status
		 ON legs(confirmation_id, match_status)`,

		// Composite index for pass scheduling queries
		`CREATE INDEX IF NOT EXISTS idx_confirmations_status_created
		 ON confirmations(status, created_at)`,

		// Composite index for audit trail reads in insertion order
		`CREATE INDEX IF NOT EXISTS idx_status_history_confirmation_created
		 ON status_history_entries(confirmation_id, created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
