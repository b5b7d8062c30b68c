package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// venueProfile shapes the behavior of one simulated venue.
type venueProfile struct {
	Name            string
	MinLatency      int // milliseconds
	MaxLatency      int
	SuccessRate     float64 // 0-1, probability a call succeeds
	ReferencePrice  float64 // starting mid for generated books
	SpreadBps       float64 // half-spread in basis points
	LevelQty        float64 // base quantity per book level
	FillHalfLifeSec float64 // how quickly resting orders fill
}

var defaultVenues = map[string]venueProfile{
	"alpha": {
		Name:            "Alpha Exchange",
		MinLatency:      5,
		MaxLatency:      30,
		SuccessRate:     0.97,
		ReferencePrice:  100.0,
		SpreadBps:       5,
		LevelQty:        5,
		FillHalfLifeSec: 10,
	},
	"beta": {
		Name:            "Beta Markets",
		MinLatency:      10,
		MaxLatency:      60,
		SuccessRate:     0.93,
		ReferencePrice:  100.4,
		SpreadBps:       12,
		LevelQty:        3,
		FillHalfLifeSec: 20,
	},
	"gamma": {
		Name:            "Gamma Venue",
		MinLatency:      15,
		MaxLatency:      90,
		SuccessRate:     0.88,
		ReferencePrice:  99.7,
		SpreadBps:       20,
		LevelQty:        8,
		FillHalfLifeSec: 30,
	},
}

type simOrder struct {
	state    OrderState
	exchange string
	placedAt time.Time
}

// Simulated is an in-process Connector over a set of mock venues with
// latency, failure and fill simulation. One rate limiter per venue enforces
// the minimum inter-request interval.
type Simulated struct {
	venues   map[string]venueProfile
	limiters map[string]*rate.Limiter

	mu     sync.Mutex
	orders map[string]*simOrder // keyed by exchange:exchangeOrderID
	drift  map[string]float64   // price drift per exchange:pair
	rng    *rand.Rand
}

// NewSimulated creates a simulated connector over the default venues,
// spacing requests to each venue at least minRequestInterval apart.
func NewSimulated(minRequestInterval time.Duration) *Simulated {
	s := &Simulated{
		venues:   defaultVenues,
		limiters: make(map[string]*rate.Limiter),
		orders:   make(map[string]*simOrder),
		drift:    make(map[string]float64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for name := range s.venues {
		s.limiters[name] = rate.NewLimiter(rate.Every(minRequestInterval), 1)
	}
	return s
}

// Exchanges lists the simulated venue names.
func (s *Simulated) Exchanges() []string {
	names := make([]string, 0, len(s.venues))
	for name := range s.venues {
		names = append(names, name)
	}
	return names
}

// PlaceLimitOrder places a resting limit order on the venue.
func (s *Simulated) PlaceLimitOrder(ctx context.Context, exchange, pair, side string, qty, price float64) (*PlacedOrder, error) {
	venue, err := s.pace(ctx, exchange)
	if err != nil {
		return nil, err
	}

	if qty <= 0 || price <= 0 || math.IsNaN(qty) || math.IsNaN(price) {
		return nil, fmt.Errorf("rejected order on %s: qty=%f price=%f", exchange, qty, price)
	}

	s.simulateLatency(venue)
	if !s.roll(venue.SuccessRate) {
		return nil, fmt.Errorf("exchange %s rejected order placement", exchange)
	}

	orderID := "ORD_" + uuid.New().String()
	s.mu.Lock()
	s.orders[exchange+":"+orderID] = &simOrder{
		exchange: exchange,
		placedAt: time.Now(),
		state: OrderState{
			ExchangeOrderID: orderID,
			Pair:            pair,
			Side:            side,
			Price:           price,
			Qty:             qty,
			Status:          types.OrderStatusOpen,
			UpdatedAt:       time.Now(),
		},
	}
	s.mu.Unlock()

	log.Debug().
		Str("component", "sim_exchange").
		Str("exchange", exchange).
		Str("pair", pair).
		Str("side", side).
		Float64("price", price).
		Float64("qty", qty).
		Str("exchange_order_id", orderID).
		Msg("limit order placed")

	return &PlacedOrder{ExchangeOrderID: orderID, Status: types.OrderStatusOpen}, nil
}

// CancelOrder cancels a resting order by its exchange order id.
func (s *Simulated) CancelOrder(ctx context.Context, exchange, pair, exchangeOrderID string) (*PlacedOrder, error) {
	venue, err := s.pace(ctx, exchange)
	if err != nil {
		return nil, err
	}

	s.simulateLatency(venue)
	if !s.roll(venue.SuccessRate) {
		return nil, fmt.Errorf("exchange %s rejected cancel request", exchange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[exchange+":"+exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found on exchange %s", exchangeOrderID, exchange)
	}
	if order.state.Status == types.OrderStatusOpen || order.state.Status == types.OrderStatusPartiallyFilled {
		order.state.Status = types.OrderStatusCancelled
		order.state.UpdatedAt = time.Now()
	}
	return &PlacedOrder{ExchangeOrderID: exchangeOrderID, Status: order.state.Status}, nil
}

// FetchOrder returns the current state of an order, advancing its simulated
// fill progression.
func (s *Simulated) FetchOrder(ctx context.Context, exchange, pair, exchangeOrderID string) (*OrderState, error) {
	venue, err := s.pace(ctx, exchange)
	if err != nil {
		return nil, err
	}

	s.simulateLatency(venue)

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[exchange+":"+exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found on exchange %s", exchangeOrderID, exchange)
	}
	s.advanceFill(order, venue)
	state := order.state
	return &state, nil
}

// FetchOpenOrders returns all open and partially filled orders for a pair.
func (s *Simulated) FetchOpenOrders(ctx context.Context, exchange, pair string) ([]OrderState, error) {
	venue, err := s.pace(ctx, exchange)
	if err != nil {
		return nil, err
	}

	s.simulateLatency(venue)

	s.mu.Lock()
	defer s.mu.Unlock()
	var open []OrderState
	for _, order := range s.orders {
		if order.exchange != exchange || order.state.Pair != pair {
			continue
		}
		s.advanceFill(order, venue)
		if order.state.Status == types.OrderStatusOpen || order.state.Status == types.OrderStatusPartiallyFilled {
			open = append(open, order.state)
		}
	}
	return open, nil
}

// FetchOrderBook generates a book around the venue's drifting reference
// price: bids descending, asks ascending, widening quantity per level.
func (s *Simulated) FetchOrderBook(ctx context.Context, exchange, pair string) (*types.OrderBook, error) {
	venue, err := s.pace(ctx, exchange)
	if err != nil {
		return nil, err
	}

	s.simulateLatency(venue)

	s.mu.Lock()
	key := exchange + ":" + pair
	s.drift[key] += (s.rng.Float64() - 0.5) * 0.002 // random walk, ±0.1% per fetch
	mid := venue.ReferencePrice * (1 + s.drift[key])
	s.mu.Unlock()

	halfSpread := mid * venue.SpreadBps / 10000
	book := &types.OrderBook{
		Exchange:  exchange,
		Pair:      pair,
		Timestamp: time.Now(),
	}
	const depth = 10
	for i := 0; i < depth; i++ {
		step := halfSpread * float64(i+1)
		qty := venue.LevelQty * (1 + 0.5*float64(i))
		book.Bids = append(book.Bids, types.PriceLevel{Price: mid - step, Qty: qty})
		book.Asks = append(book.Asks, types.PriceLevel{Price: mid + step, Qty: qty})
	}
	return book, nil
}

// pace blocks until the venue's minimum inter-request interval has elapsed.
func (s *Simulated) pace(ctx context.Context, exchange string) (venueProfile, error) {
	venue, ok := s.venues[exchange]
	if !ok {
		return venueProfile{}, fmt.Errorf("unknown exchange %q", exchange)
	}
	if err := s.limiters[exchange].Wait(ctx); err != nil {
		return venueProfile{}, err
	}
	return venue, nil
}

func (s *Simulated) simulateLatency(venue venueProfile) {
	s.mu.Lock()
	latency := s.rng.Intn(venue.MaxLatency-venue.MinLatency+1) + venue.MinLatency
	s.mu.Unlock()
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

func (s *Simulated) roll(successRate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() <= successRate
}

// advanceFill moves a resting order toward filled based on its age relative
// to the venue's fill half-life. Caller holds s.mu.
func (s *Simulated) advanceFill(order *simOrder, venue venueProfile) {
	if order.state.Status != types.OrderStatusOpen && order.state.Status != types.OrderStatusPartiallyFilled {
		return
	}
	age := time.Since(order.placedAt).Seconds()
	fillFraction := 1 - math.Exp2(-age/venue.FillHalfLifeSec)
	filled := order.state.Qty * fillFraction
	if filled >= order.state.Qty*0.999 {
		order.state.FilledQty = order.state.Qty
		order.state.Status = types.OrderStatusFilled
	} else if filled > 0 {
		order.state.FilledQty = filled
		if filled > 0.01*order.state.Qty {
			order.state.Status = types.OrderStatusPartiallyFilled
		}
	}
	order.state.UpdatedAt = time.Now()
}
