// Package reward ingests externally observed reward payments and fans them
// out to pool participants pro rata to their time-weighted share holdings.
package reward

import (
	"time"

	"gorm.io/gorm"
)

// Reward statuses.
const (
	RewardStatusObserved  = "observed"
	RewardStatusAllocated = "allocated"
)

// Share ledger entry types.
const (
	ShareMint = "MINT"
	ShareBurn = "BURN"
)

// Allocation statuses.
const (
	AllocationStatusPending     = "pending"
	AllocationStatusDistributed = "distributed"
)

// RewardLedger records one observed on-chain reward payment. The transaction
// hash is the idempotency key: the same payment observed twice is recorded
// once.
type RewardLedger struct {
	gorm.Model `json:"-"`
	RewardID   string    `gorm:"uniqueIndex" json:"reward_id"`
	TxHash     string    `gorm:"uniqueIndex" json:"tx_hash"`
	PoolID     string    `gorm:"index" json:"pool_id"`
	AssetID    string    `json:"asset_id"`
	Amount     string    `json:"amount"` // positive decimal string
	Status     string    `json:"status"` // observed, allocated
	ObservedAt time.Time `json:"observed_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ShareLedgerEntry is one mint or burn of pool shares. Share balances are
// derived by replaying entries in order; entries are never mutated.
type ShareLedgerEntry struct {
	gorm.Model     `json:"-"`
	EntryID        string    `gorm:"uniqueIndex" json:"entry_id"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	PoolID         string    `gorm:"index" json:"pool_id"`
	UserID         string    `gorm:"index" json:"user_id"`
	Type           string    `json:"type"`   // MINT, BURN
	Shares         string    `json:"shares"` // positive decimal string
	EffectiveAt    time.Time `gorm:"index" json:"effective_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// RewardAllocation is one user's slice of a reward, sized by their
// time-weighted share balance over the allocation window.
type RewardAllocation struct {
	gorm.Model    `json:"-"`
	AllocationID  string     `gorm:"uniqueIndex" json:"allocation_id"`
	RewardID      string     `gorm:"index" json:"reward_id"`
	PoolID        string     `json:"pool_id"`
	UserID        string     `gorm:"index" json:"user_id"`
	AssetID       string     `json:"asset_id"`
	Amount        string     `json:"amount"`       // decimal string
	BasisShares   string     `json:"basis_shares"` // time-weighted share units backing the slice
	Status        string     `gorm:"index" json:"status"` // pending, distributed
	DistributedAt *time.Time `json:"distributed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
