package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptloom/backend/internal/accounts"
	"github.com/promptloom/backend/internal/credits"
	"github.com/promptloom/backend/internal/guestquota"
	"github.com/promptloom/backend/internal/history"
	"github.com/promptloom/backend/internal/settings"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// TranslateError is enabled so unique constraint violations surface as
// gorm.ErrDuplicatedKey, which the credit ledger relies on.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&accounts.Profile{},
		&settings.Settings{},
		&history.Record{},
		&guestquota.GuestUsage{},
		&credits.CreditAccount{},
		&credits.DeductionRecord{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
