package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// marketData is the read surface the executors need from the tracker.
type marketData interface {
	Book(exchange, pair string) (*types.OrderBook, bool)
	Subscribe(exchange, pair string)
	OpenOrdersByStrategy(strategyKey string) ([]types.TrackedOrder, error)
}

// balanceReader is the read surface the executors need from the ledger.
type balanceReader interface {
	GetBalance(userID, assetID string) (*ledger.Balance, error)
}

// typeExecutor computes the intents one strategy type wants this cycle.
// stop=true asks the engine to wind the session down after publishing.
type typeExecutor interface {
	Evaluate(sess *Session, now time.Time) (intents []*types.StrategyOrderIntent, stop bool, err error)
}

// intentID derives the deterministic id for one emission slot, so
// re-publishing the same logical decision in the same round reuses the id.
func intentID(strategyKey string, now time.Time, slot string) string {
	seed := strategyKey + "|" + roundTag(now) + "|" + slot
	return "INT_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// pureMarketMakingExecutor builds layered symmetric quotes around the
// oracle mid.
type pureMarketMakingExecutor struct {
	market   marketData
	balances balanceReader
}

func (e *pureMarketMakingExecutor) Evaluate(sess *Session, now time.Time) ([]*types.StrategyOrderIntent, bool, error) {
	params, err := sess.PMMParams()
	if err != nil {
		return nil, false, err
	}

	book, ok := e.market.Book(params.OracleExchange, params.Pair)
	if !ok {
		// First cycle for this pair: register interest and wait for data.
		e.market.Subscribe(params.OracleExchange, params.Pair)
		return nil, false, nil
	}

	mid := book.Mid()
	if !isFinitePositive(mid) {
		return nil, false, fmt.Errorf("oracle %s gave invalid mid %f", params.OracleExchange, mid)
	}

	in := QuoteInputs{
		Mid:          mid,
		Layers:       params.Layers,
		BidSpread:    params.BidSpread,
		AskSpread:    params.AskSpread,
		OrderAmount:  params.OrderAmount,
		MakerBiasBps: params.MakerBiasBps,
		PriceCeiling: params.PriceCeiling,
		PriceFloor:   params.PriceFloor,
	}

	if params.InventorySkewEnabled {
		ratio, err := e.currentBaseRatio(sess.UserID, params.Pair, mid, params.TargetBaseRatio)
		if err != nil {
			return nil, false, err
		}
		in.SkewEnabled = true
		in.CurrentBaseRatio = ratio
		in.TargetBaseRatio = params.TargetBaseRatio
		in.SkewFactor = params.SkewFactor
	}

	quotes, err := BuildQuotes(in)
	if err != nil {
		return nil, false, err
	}

	if params.HangingOrders {
		quotes, err = e.filterHanging(sess.StrategyKey, quotes, mid)
		if err != nil {
			return nil, false, err
		}
	}

	intents := make([]*types.StrategyOrderIntent, 0, len(quotes))
	for _, q := range quotes {
		slot := fmt.Sprintf("pmm|L%d|%s", q.Layer, q.Side)
		intents = append(intents, &types.StrategyOrderIntent{
			IntentID:    intentID(sess.StrategyKey, now, slot),
			Type:        types.IntentCreateLimitOrder,
			StrategyKey: sess.StrategyKey,
			UserID:      sess.UserID,
			ClientID:    sess.ClientID,
			Exchange:    params.Exchange,
			Pair:        params.Pair,
			Side:        q.Side,
			Price:       q.Price,
			Qty:         q.Qty,
			Status:      types.IntentStatusNew,
		})
	}
	return intents, false, nil
}

// currentBaseRatio values the user's base holdings against base+quote at
// the current mid. A user with no holdings on either side reads as the
// target, disabling the skew for that cycle.
func (e *pureMarketMakingExecutor) currentBaseRatio(userID, pair string, mid, target float64) (float64, error) {
	base, quote, err := SplitPair(pair)
	if err != nil {
		return 0, err
	}
	baseBal, err := e.balances.GetBalance(userID, base)
	if err != nil {
		return 0, err
	}
	quoteBal, err := e.balances.GetBalance(userID, quote)
	if err != nil {
		return 0, err
	}

	baseQty := decimalToFloat(baseBal.Total)
	quoteQty := decimalToFloat(quoteBal.Total)
	baseValue := baseQty * mid
	total := baseValue + quoteQty
	if total <= 0 {
		return target, nil
	}
	return baseValue / total, nil
}

// filterHanging drops quotes whose layer/side already has a resting order
// within 10bps of the proposed price.
func (e *pureMarketMakingExecutor) filterHanging(strategyKey string, quotes []Quote, mid float64) ([]Quote, error) {
	open, err := e.market.OpenOrdersByStrategy(strategyKey)
	if err != nil {
		return nil, err
	}
	tolerance := mid * 0.001

	kept := quotes[:0]
	for _, q := range quotes {
		hanging := false
		for _, order := range open {
			if order.Side == q.Side && math.Abs(order.Price-q.Price) <= tolerance {
				hanging = true
				break
			}
		}
		if !hanging {
			kept = append(kept, q)
		}
	}
	return kept, nil
}

// arbitrageExecutor prices the configured amount on both venues by walking
// their books and emits a matched buy+sell pair when either direction
// clears the minimum margin.
type arbitrageExecutor struct {
	market marketData
}

func (e *arbitrageExecutor) Evaluate(sess *Session, now time.Time) ([]*types.StrategyOrderIntent, bool, error) {
	params, err := sess.ArbParams()
	if err != nil {
		return nil, false, err
	}

	bookA, okA := e.market.Book(params.ExchangeA, params.Pair)
	bookB, okB := e.market.Book(params.ExchangeB, params.Pair)
	if !okA || !okB {
		e.market.Subscribe(params.ExchangeA, params.Pair)
		e.market.Subscribe(params.ExchangeB, params.Pair)
		return nil, false, nil
	}

	buyA, errA := VWAP(bookA.Asks, params.Amount)
	sellA, errA2 := VWAP(bookA.Bids, params.Amount)
	buyB, errB := VWAP(bookB.Asks, params.Amount)
	sellB, errB2 := VWAP(bookB.Bids, params.Amount)
	for _, vwapErr := range []error{errA, errA2, errB, errB2} {
		if vwapErr != nil {
			if errors.Is(vwapErr, ErrBookExhausted) {
				log.Debug().
					Str("strategy_key", sess.StrategyKey).
					Msg("book too thin for configured amount, skipping cycle")
				return nil, false, nil
			}
			return nil, false, vwapErr
		}
	}

	marginAB := directionalMargin(buyA, sellB) // buy on A, sell on B
	marginBA := directionalMargin(buyB, sellA) // buy on B, sell on A

	var buyExchange, sellExchange string
	var buyPrice, sellPrice float64
	switch {
	case marginAB >= params.MinMargin && marginAB >= marginBA:
		buyExchange, buyPrice = params.ExchangeA, buyA
		sellExchange, sellPrice = params.ExchangeB, sellB
	case marginBA >= params.MinMargin:
		buyExchange, buyPrice = params.ExchangeB, buyB
		sellExchange, sellPrice = params.ExchangeA, sellA
	default:
		return nil, false, nil
	}

	if !isFinitePositive(buyPrice) || !isFinitePositive(sellPrice) {
		return nil, false, fmt.Errorf("arbitrage priced invalid pair buy=%f sell=%f", buyPrice, sellPrice)
	}

	makeIntent := func(exchangeName, side string, price float64) *types.StrategyOrderIntent {
		slot := "arb|" + side + "|" + exchangeName
		return &types.StrategyOrderIntent{
			IntentID:    intentID(sess.StrategyKey, now, slot),
			Type:        types.IntentCreateLimitOrder,
			StrategyKey: sess.StrategyKey,
			UserID:      sess.UserID,
			ClientID:    sess.ClientID,
			Exchange:    exchangeName,
			Pair:        params.Pair,
			Side:        side,
			Price:       price,
			Qty:         params.Amount,
			Status:      types.IntentStatusNew,
		}
	}

	log.Info().
		Str("strategy_key", sess.StrategyKey).
		Str("buy_exchange", buyExchange).
		Str("sell_exchange", sellExchange).
		Float64("buy_vwap", buyPrice).
		Float64("sell_vwap", sellPrice).
		Float64("margin", directionalMargin(buyPrice, sellPrice)).
		Msg("arbitrage opportunity")

	return []*types.StrategyOrderIntent{
		makeIntent(buyExchange, types.SideBuy, buyPrice),
		makeIntent(sellExchange, types.SideSell, sellPrice),
	}, false, nil
}

// volumeExecutor emits one order per cycle at a push-adjusted mid, then
// stops itself after the configured trade count.
type volumeExecutor struct {
	market marketData
}

func (e *volumeExecutor) Evaluate(sess *Session, now time.Time) ([]*types.StrategyOrderIntent, bool, error) {
	params, err := sess.VolParams()
	if err != nil {
		return nil, false, err
	}

	book, ok := e.market.Book(params.Exchange, params.Pair)
	if !ok {
		e.market.Subscribe(params.Exchange, params.Pair)
		return nil, false, nil
	}

	mid := book.Mid()
	if !isFinitePositive(mid) {
		return nil, false, fmt.Errorf("invalid mid %f on %s", mid, params.Exchange)
	}

	sess.mu.Lock()
	executed := sess.executedTrades
	side := params.Side
	if side == "" {
		if sess.lastSide == types.SideBuy {
			side = types.SideSell
		} else {
			side = types.SideBuy
		}
	}
	sess.mu.Unlock()

	pushMid := mid * (1 + params.PushRate/100*float64(executed))
	var price float64
	if side == types.SideBuy {
		price = pushMid * (1 + params.IncrementPct/100)
	} else {
		price = pushMid * (1 - params.IncrementPct/100)
	}
	if !isFinitePositive(price) || !isFinitePositive(params.Amount) {
		return nil, false, fmt.Errorf("volume cycle produced invalid order price=%f qty=%f", price, params.Amount)
	}

	intent := &types.StrategyOrderIntent{
		IntentID:    intentID(sess.StrategyKey, now, fmt.Sprintf("vol|%d", executed)),
		Type:        types.IntentCreateLimitOrder,
		StrategyKey: sess.StrategyKey,
		UserID:      sess.UserID,
		ClientID:    sess.ClientID,
		Exchange:    params.Exchange,
		Pair:        params.Pair,
		Side:        side,
		Price:       price,
		Qty:         params.Amount,
		Status:      types.IntentStatusNew,
	}

	sess.mu.Lock()
	sess.executedTrades++
	sess.lastSide = side
	done := params.TradeCount > 0 && sess.executedTrades >= params.TradeCount
	sess.mu.Unlock()

	return []*types.StrategyOrderIntent{intent}, done, nil
}

func decimalToFloat(value string) float64 {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
