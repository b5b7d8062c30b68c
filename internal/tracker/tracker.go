// Package tracker maintains the last known exchange-side order state and
// cached order-book snapshots, refreshed on each coordinator tick.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/makerdesk/mm-core/internal/exchange"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Tracker polls subscribed order books and reconciles tracked orders with
// the exchange on each tick. Reads are served from an in-memory cache;
// tracked orders are persisted.
type Tracker struct {
	db        *Database
	connector exchange.Connector

	mu      sync.RWMutex
	books   map[string]*types.OrderBook
	subs    map[string]bookSub
	healthy bool
}

type bookSub struct {
	exchange string
	pair     string
}

// New creates a Tracker over the given connector and database.
func New(gormDB *gorm.DB, connector exchange.Connector) *Tracker {
	return &Tracker{
		db:        NewDatabase(gormDB),
		connector: connector,
		books:     make(map[string]*types.OrderBook),
		subs:      make(map[string]bookSub),
	}
}

// Name identifies the tracker in the coordinator registry.
func (t *Tracker) Name() string { return "tracker" }

// Start marks the tracker healthy; there is no background work of its own.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.healthy = true
	t.mu.Unlock()
	return nil
}

// Stop marks the tracker unhealthy so the coordinator skips it.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.healthy = false
	t.mu.Unlock()
	return nil
}

// Healthy reports whether the tracker should receive ticks.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthy
}

// Subscribe registers (exchange, pair) for book refreshes on every tick.
// Subscribing twice is a no-op.
func (t *Tracker) Subscribe(exchangeName, pair string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[exchangeName+":"+pair] = bookSub{exchange: exchangeName, pair: pair}
}

// Book returns the latest cached snapshot for (exchange, pair).
func (t *Tracker) Book(exchangeName, pair string) (*types.OrderBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	book, ok := t.books[exchangeName+":"+pair]
	return book, ok
}

// OnTick refreshes every subscribed book and re-polls the exchange state of
// non-terminal tracked orders. Individual failures are logged and skipped so
// one venue outage does not stall the round.
func (t *Tracker) OnTick(ctx context.Context, ts time.Time) error {
	logger := log.With().Str("component", "tracker").Logger()

	t.mu.RLock()
	subs := make([]bookSub, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		book, err := t.connector.FetchOrderBook(ctx, sub.exchange, sub.pair)
		if err != nil {
			logger.Warn().Err(err).
				Str("exchange", sub.exchange).
				Str("pair", sub.pair).
				Msg("order book refresh failed")
			continue
		}
		t.mu.Lock()
		t.books[sub.exchange+":"+sub.pair] = book
		t.mu.Unlock()
	}

	return t.refreshOpenOrders(ctx, logger)
}

func (t *Tracker) refreshOpenOrders(ctx context.Context, logger zerolog.Logger) error {
	open, err := t.db.ListOpen()
	if err != nil {
		return err
	}
	for i := range open {
		order := &open[i]
		state, err := t.connector.FetchOrder(ctx, order.Exchange, order.Pair, order.ExchangeOrderID)
		if err != nil {
			logger.Warn().Err(err).
				Str("exchange", order.Exchange).
				Str("exchange_order_id", order.ExchangeOrderID).
				Msg("order state refresh failed")
			continue
		}
		if state.Status != order.Status {
			order.Status = state.Status
			order.UpdatedAt = time.Now()
			if err := t.db.Upsert(order); err != nil {
				logger.Error().Err(err).
					Str("exchange_order_id", order.ExchangeOrderID).
					Msg("failed to persist order state")
			}
		}
	}
	return nil
}

// UpsertOrder records or updates the last known state of an order.
func (t *Tracker) UpsertOrder(order *types.TrackedOrder) error {
	order.UpdatedAt = time.Now()
	return t.db.Upsert(order)
}

// Order returns a tracked order by its (exchange, exchangeOrderID) key.
func (t *Tracker) Order(exchangeName, exchangeOrderID string) (*types.TrackedOrder, error) {
	return t.db.Get(exchangeName, exchangeOrderID)
}

// OpenOrdersByStrategy returns all non-terminal tracked orders for a
// strategy key.
func (t *Tracker) OpenOrdersByStrategy(strategyKey string) ([]types.TrackedOrder, error) {
	return t.db.OpenByStrategy(strategyKey)
}
