package strategy

import (
	"errors"
	"fmt"

	"github.com/makerdesk/mm-core/internal/types"
)

// ErrBookExhausted means the order book side held less quantity than the
// requested amount; the cycle is skipped rather than priced off a partial
// walk.
var ErrBookExhausted = errors.New("order book exhausted before target amount")

// VWAP walks one side of a book accumulating levels until amount is filled
// and returns the volume-weighted average price. Asks are walked to price a
// buy, bids to price a sell.
func VWAP(levels []types.PriceLevel, amount float64) (float64, error) {
	if !isFinitePositive(amount) {
		return 0, fmt.Errorf("invalid vwap amount %f", amount)
	}

	remaining := amount
	cost := 0.0
	for _, level := range levels {
		if level.Price <= 0 || level.Qty <= 0 {
			continue
		}
		take := level.Qty
		if take > remaining {
			take = remaining
		}
		cost += take * level.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return 0, ErrBookExhausted
	}

	vwap := cost / amount
	if !isFinitePositive(vwap) {
		return 0, fmt.Errorf("vwap computed invalid price %f", vwap)
	}
	return vwap, nil
}

// directionalMargin returns (higher-lower)/lower for a buy at buyPrice and a
// sell at sellPrice; non-positive when the direction is unprofitable.
func directionalMargin(buyPrice, sellPrice float64) float64 {
	if buyPrice <= 0 {
		return 0
	}
	return (sellPrice - buyPrice) / buyPrice
}
