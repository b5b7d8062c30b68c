// Package exchange defines the connector capability consumed by the
// execution pipeline and trackers, plus a simulated multi-venue
// implementation used for local runs and tests.
package exchange

import (
	"context"
	"time"

	"github.com/makerdesk/mm-core/internal/types"
)

// PlacedOrder is the acknowledgement returned by place/cancel calls.
type PlacedOrder struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	Status          string `json:"status"`
}

// OrderState is the exchange-side view of an order.
type OrderState struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	Pair            string    `json:"pair"`
	Side            string    `json:"side"`
	Price           float64   `json:"price"`
	Qty             float64   `json:"qty"`
	FilledQty       float64   `json:"filled_qty"`
	Status          string    `json:"status"` // open, partially_filled, filled, cancelled
	UpdatedAt       time.Time `json:"updated_at"`
}

// Connector is the capability interface over external exchanges. All calls
// are blocking network operations and honor context cancellation; the
// implementation enforces a minimum inter-request interval per exchange.
type Connector interface {
	PlaceLimitOrder(ctx context.Context, exchange, pair, side string, qty, price float64) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, exchange, pair, exchangeOrderID string) (*PlacedOrder, error)
	FetchOrder(ctx context.Context, exchange, pair, exchangeOrderID string) (*OrderState, error)
	FetchOpenOrders(ctx context.Context, exchange, pair string) ([]OrderState, error)
	FetchOrderBook(ctx context.Context, exchange, pair string) (*types.OrderBook, error)
}
