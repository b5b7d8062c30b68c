// Package intent holds the durable record of strategy decisions and turns
// them into exactly-once exchange calls: a store enforcing per-strategy
// FIFO, an execution pipeline with bounded retries, and a
// concurrency-capped worker.
package intent

import (
	"errors"
	"time"

	"github.com/makerdesk/mm-core/internal/types"
	"gorm.io/gorm"
)

// Store persists strategy order intents. Intents are append-plus-status-
// transition only; nothing is ever deleted.
type Store struct {
	db *gorm.DB
}

// NewStore creates an intent store on the given database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create persists a new intent. A duplicate intent id (the same logical
// decision re-published) is reported via gorm's uniqueness error; callers
// treat it as already recorded.
func (s *Store) Create(intent *types.StrategyOrderIntent) error {
	intent.CreatedAt = time.Now()
	intent.UpdatedAt = intent.CreatedAt
	if intent.Status == "" {
		intent.Status = types.IntentStatusNew
	}
	return s.db.Create(intent).Error
}

// Get returns the intent with the given id, or nil if unknown.
func (s *Store) Get(intentID string) (*types.StrategyOrderIntent, error) {
	var intent types.StrategyOrderIntent
	if err := s.db.Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// UpdateStatus transitions an intent to status, optionally recording a
// failure reason.
func (s *Store) UpdateStatus(intentID, status, reason string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	result := s.db.Model(&types.StrategyOrderIntent{}).
		Where("intent_id = ?", intentID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("intent not found")
	}
	return nil
}

// SetExchangeOrderID records the exchange-assigned order id on an intent.
func (s *Store) SetExchangeOrderID(intentID, exchangeOrderID string) error {
	return s.db.Model(&types.StrategyOrderIntent{}).
		Where("intent_id = ?", intentID).
		Updates(map[string]interface{}{
			"exchange_order_id": exchangeOrderID,
			"updated_at":        time.Now(),
		}).Error
}

// StrategyKeysWithNew returns distinct strategy keys holding at least one
// NEW intent, ordered by the age of their oldest NEW intent, up to limit.
func (s *Store) StrategyKeysWithNew(limit int) ([]string, error) {
	var keys []string
	err := s.db.Model(&types.StrategyOrderIntent{}).
		Where("status = ?", types.IntentStatusNew).
		Group("strategy_key").
		Order("MIN(created_at) ASC").
		Limit(limit).
		Pluck("strategy_key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// HeadOfLine returns the oldest non-terminal intent for a strategy key, or
// nil when the strategy's queue is drained. A strategy's second intent
// cannot execute before its first reaches DONE or FAILED.
func (s *Store) HeadOfLine(strategyKey string) (*types.StrategyOrderIntent, error) {
	var intent types.StrategyOrderIntent
	err := s.db.Where("strategy_key = ? AND status NOT IN ?",
		strategyKey, []string{types.IntentStatusDone, types.IntentStatusFailed}).
		Order("created_at ASC").
		First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// ListByStrategy returns all intents for a strategy key in creation order.
func (s *Store) ListByStrategy(strategyKey string) ([]types.StrategyOrderIntent, error) {
	var intents []types.StrategyOrderIntent
	err := s.db.Where("strategy_key = ?", strategyKey).
		Order("created_at ASC").
		Find(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

// ListByStatus returns intents in the given status; used by reconciliation.
func (s *Store) ListByStatus(status string) ([]types.StrategyOrderIntent, error) {
	var intents []types.StrategyOrderIntent
	if err := s.db.Where("status = ?", status).Find(&intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}
