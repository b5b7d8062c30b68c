package types

import (
	"time"

	"gorm.io/gorm"
)

// Strategy types supported by the session engine.
const (
	StrategyArbitrage        = "arbitrage"
	StrategyPureMarketMaking = "pureMarketMaking"
	StrategyVolume           = "volume"
)

// Intent types.
const (
	IntentCreateLimitOrder = "CREATE_LIMIT_ORDER"
	IntentCancelOrder      = "CANCEL_ORDER"
	IntentReplaceOrder     = "REPLACE_ORDER"
	IntentStopExecutor     = "STOP_EXECUTOR"
)

// Intent lifecycle statuses.
const (
	IntentStatusNew    = "NEW"
	IntentStatusSent   = "SENT"
	IntentStatusAcked  = "ACKED"
	IntentStatusFailed = "FAILED"
	IntentStatusDone   = "DONE"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Tracked order statuses (last known exchange-side state).
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusFailed          = "failed"
)

// Strategy instance statuses.
const (
	InstanceStatusActive  = "active"
	InstanceStatusStopped = "stopped"
)

// StrategyOrderIntent is the atomic unit of desired action emitted by a
// strategy session. Intents are persisted on creation and mutated only via
// status transitions; they are never deleted. The IntentID doubles as the
// idempotency key for execution: re-publishing the same logical decision
// reuses the same id.
type StrategyOrderIntent struct {
	gorm.Model      `json:"-"`
	IntentID        string    `gorm:"uniqueIndex" json:"intent_id"`
	Type            string    `json:"type"` // CREATE_LIMIT_ORDER, CANCEL_ORDER, REPLACE_ORDER, STOP_EXECUTOR
	StrategyKey     string    `gorm:"index" json:"strategy_key"`
	UserID          string    `json:"user_id"`
	ClientID        string    `json:"client_id"`
	Exchange        string    `json:"exchange"`
	Pair            string    `json:"pair"`
	Side            string    `json:"side"` // buy or sell
	Price           float64   `json:"price"`
	Qty             float64   `json:"qty"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Status          string    `gorm:"index" json:"status"` // NEW, SENT, ACKED, FAILED, DONE
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TrackedOrder is the last known exchange-side state of an order, keyed by
// (exchange, exchange_order_id).
type TrackedOrder struct {
	gorm.Model      `json:"-"`
	StrategyKey     string    `gorm:"index" json:"strategy_key"`
	Exchange        string    `gorm:"index:idx_tracked_exchange_order,unique" json:"exchange"`
	Pair            string    `json:"pair"`
	ExchangeOrderID string    `gorm:"index:idx_tracked_exchange_order,unique" json:"exchange_order_id"`
	Side            string    `json:"side"`
	Price           float64   `json:"price"`
	Qty             float64   `json:"qty"`
	Status          string    `json:"status"` // open, partially_filled, filled, cancelled, failed
	UpdatedAt       time.Time `json:"updated_at"`
}

// StrategyInstance is the persisted form of a strategy session, used to
// rebuild the in-memory session map after a restart.
type StrategyInstance struct {
	gorm.Model   `json:"-"`
	StrategyKey  string    `gorm:"uniqueIndex" json:"strategy_key"`
	StrategyType string    `json:"strategy_type"`
	UserID       string    `json:"user_id"`
	ClientID     string    `json:"client_id"`
	Parameters   string    `json:"parameters"` // JSON-encoded type-specific params
	Status       string    `json:"status"`     // active, stopped
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PriceLevel is a single price+quantity entry on one side of an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is a point-in-time snapshot of both sides of a market,
// bids descending and asks ascending.
type OrderBook struct {
	Exchange  string       `json:"exchange"`
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or zero if the book side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero if the book side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns the midpoint between best bid and best ask, or zero if either
// side is empty.
func (b *OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}
