package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetEntryByIdempotencyKey returns the entry recorded under key, or nil if
// the key has never been used.
func (d *Database) GetEntryByIdempotencyKey(key string) (*LedgerEntry, error) {
	var entry LedgerEntry
	if err := d.db.Where("idempotency_key = ?", key).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetBalance returns the balance row for (userID, assetID), or nil if the
// pair has never been touched.
func (d *Database) GetBalance(userID, assetID string) (*Balance, error) {
	var balance Balance
	if err := d.db.Where("user_id = ? AND asset_id = ?", userID, assetID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

// GetUserBalances returns all balance rows for a user.
func (d *Database) GetUserBalances(userID string) ([]Balance, error) {
	var balances []Balance
	if err := d.db.Where("user_id = ?", userID).Order("asset_id ASC").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

// GetAllBalances returns every balance row; used by the reconciliation sweep.
func (d *Database) GetAllBalances() ([]Balance, error) {
	var balances []Balance
	if err := d.db.Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

// GetUserEntries returns paginated ledger entries for a user, newest first.
func (d *Database) GetUserEntries(userID string, limit, offset int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ApplyInTransaction appends the entry and upserts the balance row in a
// single transaction, invoking appendOutbox inside the same transaction so
// the event commits with the state change.
func (d *Database) ApplyInTransaction(entry *LedgerEntry, balance *Balance, appendOutbox func(tx *gorm.DB) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	balance.UpdatedAt = time.Now()
	if err := tx.Save(balance).Error; err != nil {
		tx.Rollback()
		return err
	}

	if appendOutbox != nil {
		if err := appendOutbox(tx); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}
