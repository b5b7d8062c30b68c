package database

import (
	"fmt"

	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/makerdesk/mm-core/internal/reward"
	"github.com/makerdesk/mm-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the sqlite database at path and migrates the full
// schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema for every persisted model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.StrategyOrderIntent{},
		&types.TrackedOrder{},
		&types.StrategyInstance{},
		&ledger.LedgerEntry{},
		&ledger.Balance{},
		&reward.RewardLedger{},
		&reward.ShareLedgerEntry{},
		&reward.RewardAllocation{},
		&outbox.OutboxEvent{},
		&outbox.ConsumerReceipt{},
	)
}
