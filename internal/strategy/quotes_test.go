package strategy

import (
	"math"
	"testing"

	"github.com/makerdesk/mm-core/internal/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBuildQuotesSymmetricLayers(t *testing.T) {
	quotes, err := BuildQuotes(QuoteInputs{
		Mid:         100,
		Layers:      2,
		BidSpread:   0.01,
		AskSpread:   0.01,
		OrderAmount: 1,
	})
	if err != nil {
		t.Fatalf("BuildQuotes failed: %v", err)
	}
	if len(quotes) != 4 {
		t.Fatalf("got %d quotes, want 4", len(quotes))
	}

	want := map[string]float64{
		"buy-1":  99,
		"sell-1": 101,
		"buy-2":  98,
		"sell-2": 102,
	}
	for _, q := range quotes {
		key := q.Side + "-" + string(rune('0'+q.Layer))
		if !almostEqual(q.Price, want[key]) {
			t.Errorf("%s price = %f, want %f", key, q.Price, want[key])
		}
		if q.Qty != 1 {
			t.Errorf("%s qty = %f, want 1", key, q.Qty)
		}
	}
}

func TestBuildQuotesInventorySkew(t *testing.T) {
	// Base-heavy book: current ratio above target widens the bid spread and
	// tightens the ask spread, pushing quotes toward selling.
	quotes, err := BuildQuotes(QuoteInputs{
		Mid:         100,
		Layers:      1,
		BidSpread:   0.01,
		AskSpread:   0.01,
		OrderAmount: 1,

		SkewEnabled:      true,
		CurrentBaseRatio: 0.7,
		TargetBaseRatio:  0.5,
		SkewFactor:       1.0,
	})
	if err != nil {
		t.Fatalf("BuildQuotes failed: %v", err)
	}

	var buy, sell float64
	for _, q := range quotes {
		if q.Side == types.SideBuy {
			buy = q.Price
		} else {
			sell = q.Price
		}
	}
	// shift = 0.2: bid spread 0.012, ask spread 0.008
	if !almostEqual(buy, 98.8) {
		t.Errorf("skewed buy = %f, want 98.8", buy)
	}
	if !almostEqual(sell, 100.8) {
		t.Errorf("skewed sell = %f, want 100.8", sell)
	}
	if buy >= 99 {
		t.Error("base-heavy skew must push the buy below the unskewed level")
	}
}

func TestBuildQuotesSkewCollapse(t *testing.T) {
	_, err := BuildQuotes(QuoteInputs{
		Mid:         100,
		Layers:      1,
		BidSpread:   0.01,
		AskSpread:   0.01,
		OrderAmount: 1,

		SkewEnabled:      true,
		CurrentBaseRatio: 0.0,
		TargetBaseRatio:  1.0,
		SkewFactor:       2.0,
	})
	if err == nil {
		t.Fatal("expected collapsed spread to abort the cycle")
	}
}

func TestBuildQuotesMakerBias(t *testing.T) {
	quotes, err := BuildQuotes(QuoteInputs{
		Mid:          100,
		Layers:       1,
		BidSpread:    0.01,
		AskSpread:    0.01,
		OrderAmount:  1,
		MakerBiasBps: 10, // adds 0.001 to both spreads
	})
	if err != nil {
		t.Fatalf("BuildQuotes failed: %v", err)
	}
	for _, q := range quotes {
		if q.Side == types.SideBuy && !almostEqual(q.Price, 98.9) {
			t.Errorf("biased buy = %f, want 98.9", q.Price)
		}
		if q.Side == types.SideSell && !almostEqual(q.Price, 101.1) {
			t.Errorf("biased sell = %f, want 101.1", q.Price)
		}
	}
}

func TestBuildQuotesPriceBand(t *testing.T) {
	// Mid above the ceiling suppresses buys.
	quotes, err := BuildQuotes(QuoteInputs{
		Mid:          110,
		Layers:       2,
		BidSpread:    0.01,
		AskSpread:    0.01,
		OrderAmount:  1,
		PriceCeiling: 105,
	})
	if err != nil {
		t.Fatalf("BuildQuotes failed: %v", err)
	}
	for _, q := range quotes {
		if q.Side == types.SideBuy {
			t.Error("buys must be suppressed above the ceiling")
		}
	}
	if len(quotes) != 2 {
		t.Errorf("got %d quotes, want 2 sell quotes", len(quotes))
	}

	// Mid below the floor suppresses sells.
	quotes, err = BuildQuotes(QuoteInputs{
		Mid:         90,
		Layers:      1,
		BidSpread:   0.01,
		AskSpread:   0.01,
		OrderAmount: 1,
		PriceFloor:  95,
	})
	if err != nil {
		t.Fatalf("BuildQuotes failed: %v", err)
	}
	for _, q := range quotes {
		if q.Side == types.SideSell {
			t.Error("sells must be suppressed below the floor")
		}
	}
}

func TestBuildQuotesRejectsInvalidInputs(t *testing.T) {
	cases := []struct {
		name string
		in   QuoteInputs
	}{
		{"zero mid", QuoteInputs{Mid: 0, Layers: 1, BidSpread: 0.01, AskSpread: 0.01, OrderAmount: 1}},
		{"nan mid", QuoteInputs{Mid: math.NaN(), Layers: 1, BidSpread: 0.01, AskSpread: 0.01, OrderAmount: 1}},
		{"zero layers", QuoteInputs{Mid: 100, Layers: 0, BidSpread: 0.01, AskSpread: 0.01, OrderAmount: 1}},
		{"zero amount", QuoteInputs{Mid: 100, Layers: 1, BidSpread: 0.01, AskSpread: 0.01, OrderAmount: 0}},
		{"negative spread", QuoteInputs{Mid: 100, Layers: 1, BidSpread: -0.01, AskSpread: 0.01, OrderAmount: 1}},
	}
	for _, tc := range cases {
		if _, err := BuildQuotes(tc.in); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
