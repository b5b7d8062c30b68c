package strategy

import (
	"fmt"
	"math"

	"github.com/makerdesk/mm-core/internal/types"
)

// Quote is one desired resting order produced by the quote builder.
type Quote struct {
	Side  string
	Layer int // 1-based
	Price float64
	Qty   float64
}

// QuoteInputs are the resolved inputs for one quoting cycle.
type QuoteInputs struct {
	Mid         float64
	Layers      int
	BidSpread   float64 // fractional; layer i quotes at mid*(1 - BidSpread*i)
	AskSpread   float64
	OrderAmount float64

	// Inventory skew: shift = (CurrentBaseRatio - TargetBaseRatio) * SkewFactor,
	// widening the bid spread and tightening the ask spread when the book is
	// base-heavy, and the reverse when base-light.
	SkewEnabled      bool
	CurrentBaseRatio float64
	TargetBaseRatio  float64
	SkewFactor       float64

	// MakerBiasBps adds a fixed spread to both sides.
	MakerBiasBps float64

	// Price band gates: a ceiling above mid suppresses buys, a floor below
	// mid suppresses sells. Zero disables the gate.
	PriceCeiling float64
	PriceFloor   float64
}

// BuildQuotes computes the symmetric layered quote set for one cycle.
// Non-finite or non-positive results abort the cycle with an error rather
// than emitting a malformed quote.
func BuildQuotes(in QuoteInputs) ([]Quote, error) {
	if !isFinitePositive(in.Mid) {
		return nil, fmt.Errorf("invalid mid price %f", in.Mid)
	}
	if in.Layers <= 0 {
		return nil, fmt.Errorf("layers must be positive, got %d", in.Layers)
	}
	if !isFinitePositive(in.OrderAmount) {
		return nil, fmt.Errorf("invalid order amount %f", in.OrderAmount)
	}
	if in.BidSpread <= 0 || in.AskSpread <= 0 {
		return nil, fmt.Errorf("spreads must be positive, got bid=%f ask=%f", in.BidSpread, in.AskSpread)
	}

	bidSpread, askSpread := in.BidSpread, in.AskSpread
	if in.SkewEnabled {
		shift := (in.CurrentBaseRatio - in.TargetBaseRatio) * in.SkewFactor
		bidSpread *= 1 + shift
		askSpread *= 1 - shift
		if bidSpread <= 0 || askSpread <= 0 {
			return nil, fmt.Errorf("inventory skew collapsed spread: bid=%f ask=%f", bidSpread, askSpread)
		}
	}

	bias := in.MakerBiasBps / 10000
	bidSpread += bias
	askSpread += bias

	suppressBuys := in.PriceCeiling > 0 && in.Mid > in.PriceCeiling
	suppressSells := in.PriceFloor > 0 && in.Mid < in.PriceFloor

	var quotes []Quote
	for layer := 1; layer <= in.Layers; layer++ {
		buyPrice := in.Mid * (1 - bidSpread*float64(layer))
		sellPrice := in.Mid * (1 + askSpread*float64(layer))

		if !suppressBuys {
			if !isFinitePositive(buyPrice) {
				return nil, fmt.Errorf("layer %d produced invalid buy price %f", layer, buyPrice)
			}
			quotes = append(quotes, Quote{Side: types.SideBuy, Layer: layer, Price: buyPrice, Qty: in.OrderAmount})
		}
		if !suppressSells {
			if !isFinitePositive(sellPrice) {
				return nil, fmt.Errorf("layer %d produced invalid sell price %f", layer, sellPrice)
			}
			quotes = append(quotes, Quote{Side: types.SideSell, Layer: layer, Price: sellPrice, Qty: in.OrderAmount})
		}
	}
	return quotes, nil
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
