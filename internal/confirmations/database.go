package confirmations

import (
	"errors"
	"time"

	"github.com/confmatch/confmatch-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateConfirmationWithIdempotency stores a new confirmation, its initial
// history entry and the idempotency record in a single transaction.
func (d *Database) CreateConfirmationWithIdempotency(confirmation *types.Confirmation, idempotencyKey, triggerSource string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(confirmation).Error; err != nil {
		tx.Rollback()
		return err
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: confirmation.ConfirmationID,
		EntityKind:     types.HistoryEntityConfirmation,
		NewStatus:      string(confirmation.Status),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"trade_type":        string(confirmation.TradeType),
			"transaction_count": len(confirmation.Transactions),
		},
	}

	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     confirmation.ConfirmationID,
		ResourceType:   "confirmation",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key. A missing
// key is not an error; callers check for nil.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetConfirmation(confirmationID string) (*types.Confirmation, error) {
	var confirmation types.Confirmation
	if err := d.db.Where("confirmation_id = ?", confirmationID).First(&confirmation).Error; err != nil {
		return nil, err
	}
	return &confirmation, nil
}

// ListUnprocessed returns confirmations awaiting leg extraction, oldest
// first so repeated passes visit them in a stable order.
func (d *Database) ListUnprocessed() ([]types.Confirmation, error) {
	var confirmations []types.Confirmation
	err := d.db.Where("status = ?", types.ConfirmationNotProcessed).
		Order("id ASC").
		Find(&confirmations).Error
	if err != nil {
		return nil, err
	}
	return confirmations, nil
}

func (d *Database) ListByStatus(status types.ConfirmationStatus) ([]types.Confirmation, error) {
	var confirmations []types.Confirmation
	err := d.db.Where("status = ?", status).
		Order("id ASC").
		Find(&confirmations).Error
	if err != nil {
		return nil, err
	}
	return confirmations, nil
}

func (d *Database) ListConfirmations() ([]types.Confirmation, error) {
	var confirmations []types.Confirmation
	if err := d.db.Order("id ASC").Find(&confirmations).Error; err != nil {
		return nil, err
	}
	return confirmations, nil
}

// GetLegs returns the legs extracted from a confirmation in extraction
// order. A confirmation that has not been processed yet has none.
func (d *Database) GetLegs(confirmationID string) ([]types.Leg, error) {
	var legs []types.Leg
	err := d.db.Where("confirmation_id = ?", confirmationID).
		Order("id ASC").
		Find(&legs).Error
	if err != nil {
		return nil, err
	}
	return legs, nil
}

// GetHistory returns the status audit trail for a confirmation and all of
// its legs, oldest entry first.
func (d *Database) GetHistory(confirmationID string) ([]types.StatusHistoryEntry, error) {
	var entries []types.StatusHistoryEntry
	err := d.db.Where("confirmation_id = ?", confirmationID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ResolvePartyCode looks up an active party by code.
func (d *Database) ResolvePartyCode(code string) (*types.PartyCode, error) {
	var party types.PartyCode
	if err := d.db.Where("code = ? AND active = ?", code, true).First(&party).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &party, nil
}
