package party

import (
	"errors"
	"fmt"

	"github.com/confmatch/confmatch-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(party *types.PartyCode) error {
	return d.db.Create(party).Error
}

func (d *Database) GetActiveByCode(code string) (*types.PartyCode, error) {
	var party types.PartyCode
	if err := d.db.Where("code = ? AND active = ?", code, true).First(&party).Error; err != nil {
		return nil, err
	}
	return &party, nil
}

func (d *Database) List() ([]types.PartyCode, error) {
	var parties []types.PartyCode
	if err := d.db.Order("code").Find(&parties).Error; err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	return parties, nil
}

// UpsertBatch creates or updates directory rows in a single transaction, so
// a failed import never leaves the directory half-loaded.
func (d *Database) UpsertBatch(parties []*types.PartyCode) (created, updated int, err error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return 0, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	for _, party := range parties {
		var existing types.PartyCode
		lookupErr := tx.Where("code = ?", party.Code).First(&existing).Error
		switch {
		case lookupErr == nil:
			existing.LegalName = party.LegalName
			existing.BIC = party.BIC
			existing.Active = true
			if err := tx.Save(&existing).Error; err != nil {
				tx.Rollback()
				return 0, 0, fmt.Errorf("failed to update party %s: %w", party.Code, err)
			}
			updated++
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			if err := tx.Create(party).Error; err != nil {
				tx.Rollback()
				return 0, 0, fmt.Errorf("failed to create party %s: %w", party.Code, err)
			}
			created++
		default:
			tx.Rollback()
			return 0, 0, fmt.Errorf("failed to look up party %s: %w", party.Code, lookupErr)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}
