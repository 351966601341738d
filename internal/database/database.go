package database

import (
	"fmt"

	"github.com/confmatch/confmatch-api/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes a GORM connection to the given SQLite file and
// runs migrations. TranslateError turns driver unique-constraint failures
// into gorm.ErrDuplicatedKey, which duplicate match detection depends on.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure SQLite for concurrent matching passes
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite permits one writer at a time; a single pooled connection
	// serializes competing transactions instead of surfacing busy errors.
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	if err := migrations.CreateMatchingSchema(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
