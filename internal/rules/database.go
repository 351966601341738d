package rules

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

// GetActiveByName returns the single active version of a named rule.
func (d *Database) GetActiveByName(name string) (*types.RuleRecord, error) {
	var record types.RuleRecord
	if err := d.db.Where("name = ? AND active = ?", name, true).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// GetLatestVersion returns the highest stored version of a named rule, or
// zero when the rule does not exist yet.
func (d *Database) GetLatestVersion(name string) (int, error) {
	var record types.RuleRecord
	err := d.db.Where("name = ?", name).Order("version DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.Version, nil
}

// CreateVersion inserts a new rule version and deactivates the previously
// active one in a single transaction. Published versions are immutable;
// every change lands as a new version.
func (d *Database) CreateVersion(record *types.RuleRecord) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	err := tx.Model(&types.RuleRecord{}).
		Where("name = ? AND active = ?", record.Name, true).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// ListRules returns every stored rule version, grouped by name with the
// newest version first.
func (d *Database) ListRules() ([]types.RuleRecord, error) {
	var records []types.RuleRecord
	if err := d.db.Order("name ASC, version DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
