package reward

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateReward inserts a reward observation. Returns false without error
// when the transaction hash was already recorded.
func (d *Database) CreateReward(reward *RewardLedger) (bool, error) {
	reward.CreatedAt = time.Now()
	reward.UpdatedAt = reward.CreatedAt
	if err := d.db.Create(reward).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetReward returns a reward by id, or nil.
func (d *Database) GetReward(rewardID string) (*RewardLedger, error) {
	var reward RewardLedger
	if err := d.db.Where("reward_id = ?", rewardID).First(&reward).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reward, nil
}

// GetRewardByTxHash returns the reward recorded for a transaction hash, or
// nil.
func (d *Database) GetRewardByTxHash(txHash string) (*RewardLedger, error) {
	var reward RewardLedger
	if err := d.db.Where("tx_hash = ?", txHash).First(&reward).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reward, nil
}

// CreateShareEntry appends a share ledger entry. Returns false without error
// when the idempotency key was already used.
func (d *Database) CreateShareEntry(entry *ShareLedgerEntry) (bool, error) {
	entry.CreatedAt = time.Now()
	if err := d.db.Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ShareEntriesForPool returns a pool's share entries effective before end,
// in effective order.
func (d *Database) ShareEntriesForPool(poolID string, end time.Time) ([]ShareLedgerEntry, error) {
	var entries []ShareLedgerEntry
	err := d.db.Where("pool_id = ? AND effective_at < ?", poolID, end).
		Order("effective_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ShareEntriesForUser returns one user's share entries for a pool in
// effective order.
func (d *Database) ShareEntriesForUser(poolID, userID string) ([]ShareLedgerEntry, error) {
	var entries []ShareLedgerEntry
	err := d.db.Where("pool_id = ? AND user_id = ?", poolID, userID).
		Order("effective_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveAllocations writes a reward's allocations and flips the reward to
// allocated in one transaction, so a crash cannot leave a reward half
// allocated.
func (d *Database) SaveAllocations(rewardID string, allocations []*RewardAllocation) error {
	tx := d.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	for _, allocation := range allocations {
		allocation.CreatedAt = now
		allocation.UpdatedAt = now
		if err := tx.Create(allocation).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	result := tx.Model(&RewardLedger{}).
		Where("reward_id = ? AND status = ?", rewardID, RewardStatusObserved).
		Updates(map[string]interface{}{
			"status":     RewardStatusAllocated,
			"updated_at": now,
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return errors.New("reward not in observed status")
	}

	return tx.Commit().Error
}

// PendingAllocations returns up to limit allocations awaiting distribution,
// oldest first.
func (d *Database) PendingAllocations(limit int) ([]RewardAllocation, error) {
	var allocations []RewardAllocation
	err := d.db.Where("status = ?", AllocationStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

// MarkDistributed flips an allocation to distributed.
func (d *Database) MarkDistributed(allocationID string) error {
	now := time.Now()
	result := d.db.Model(&RewardAllocation{}).
		Where("allocation_id = ? AND status = ?", allocationID, AllocationStatusPending).
		Updates(map[string]interface{}{
			"status":         AllocationStatusDistributed,
			"distributed_at": now,
			"updated_at":     now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("allocation not pending")
	}
	return nil
}

// ListAllocatedRewards returns every reward that has been allocated, for
// reconciliation.
func (d *Database) ListAllocatedRewards() ([]RewardLedger, error) {
	var rewards []RewardLedger
	err := d.db.Where("status = ?", RewardStatusAllocated).
		Order("reward_id ASC").
		Find(&rewards).Error
	if err != nil {
		return nil, err
	}
	return rewards, nil
}

// AllocationsForReward returns a reward's allocations.
func (d *Database) AllocationsForReward(rewardID string) ([]RewardAllocation, error) {
	var allocations []RewardAllocation
	err := d.db.Where("reward_id = ?", rewardID).
		Order("user_id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
