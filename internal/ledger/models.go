package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Mutation types. Credits add to available, debits subtract from available,
// LOCK/UNLOCK move value between available and locked. ADJUSTMENT and
// MM_REALIZED_PNL apply a signed amount to available.
const (
	TypeDepositCredit = "DEPOSIT_CREDIT"
	TypeLock          = "LOCK"
	TypeUnlock        = "UNLOCK"
	TypeRealizedPnL   = "MM_REALIZED_PNL"
	TypeRewardCredit  = "REWARD_CREDIT"
	TypeWithdrawDebit = "WITHDRAW_DEBIT"
	TypeFeeDebit      = "FEE_DEBIT"
	TypeAdjustment    = "ADJUSTMENT"
)

// LedgerEntry is an immutable, append-only fact. The idempotency key is
// unique across all entries; replaying a mutation with the same key is a
// no-op that returns the original entry.
type LedgerEntry struct {
	gorm.Model     `json:"-"`
	EntryID        string    `gorm:"uniqueIndex" json:"entry_id"`
	UserID         string    `gorm:"index" json:"user_id"`
	AssetID        string    `json:"asset_id"`
	Amount         string    `json:"amount"` // signed decimal string
	Type           string    `json:"type"`
	RefType        string    `json:"ref_type,omitempty"`
	RefID          string    `json:"ref_id,omitempty"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Balance is the derived read model, one row per (user, asset).
// Invariant: total == available + locked, both non-negative.
type Balance struct {
	gorm.Model `json:"-"`
	UserID     string    `gorm:"index:idx_balance_user_asset,unique" json:"user_id"`
	AssetID    string    `gorm:"index:idx_balance_user_asset,unique" json:"asset_id"`
	Available  string    `json:"available"`
	Locked     string    `json:"locked"`
	Total      string    `json:"total"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MutationCommand is the shared input for every ledger operation.
type MutationCommand struct {
	UserID         string `json:"user_id"`
	AssetID        string `json:"asset_id"`
	Amount         string `json:"amount"` // positive decimal string; ADJUSTMENT and MM_REALIZED_PNL may be signed
	IdempotencyKey string `json:"idempotency_key"`
	RefType        string `json:"ref_type,omitempty"`
	RefID          string `json:"ref_id,omitempty"`
}

// MutationResult reports the outcome of a ledger mutation. Applied is false
// when the idempotency key had already been used; the original entry and the
// current balance are returned unchanged.
type MutationResult struct {
	Applied bool         `json:"applied"`
	Entry   *LedgerEntry `json:"entry"`
	Balance *Balance     `json:"balance"`
}
