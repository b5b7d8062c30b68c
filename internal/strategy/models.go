package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StrategyKey derives the stable session id from (type, user, client).
func StrategyKey(strategyType, userID, clientID string) string {
	return strategyType + ":" + userID + ":" + clientID
}

// PureMarketMakingParams configures symmetric layered quoting around an
// oracle mid price.
type PureMarketMakingParams struct {
	Exchange       string  `json:"exchange"`
	OracleExchange string  `json:"oracle_exchange"` // book source for mid; defaults to Exchange
	Pair           string  `json:"pair"`
	Layers         int     `json:"layers"`
	BidSpread      float64 `json:"bid_spread"` // fractional, per layer multiple
	AskSpread      float64 `json:"ask_spread"`
	OrderAmount    float64 `json:"order_amount"`

	InventorySkewEnabled bool    `json:"inventory_skew_enabled"`
	TargetBaseRatio      float64 `json:"target_base_ratio"`
	SkewFactor           float64 `json:"skew_factor"`

	MakerBiasBps  float64 `json:"maker_bias_bps"`
	HangingOrders bool    `json:"hanging_orders"`
	PriceCeiling  float64 `json:"price_ceiling"` // 0 = no ceiling
	PriceFloor    float64 `json:"price_floor"`   // 0 = no floor

	CadenceMs int64 `json:"cadence_ms"`
}

// ArbitrageParams configures two-venue VWAP arbitrage.
type ArbitrageParams struct {
	ExchangeA string  `json:"exchange_a"`
	ExchangeB string  `json:"exchange_b"`
	Pair      string  `json:"pair"`
	Amount    float64 `json:"amount"`
	MinMargin float64 `json:"min_margin"` // fractional, e.g. 0.002
	CadenceMs int64   `json:"cadence_ms"`
}

// VolumeParams configures the volume generation strategy.
type VolumeParams struct {
	Exchange     string  `json:"exchange"`
	Pair         string  `json:"pair"`
	Amount       float64 `json:"amount"`
	IncrementPct float64 `json:"increment_pct"` // price offset per order, percent
	PushRate     float64 `json:"push_rate"`     // mid drift percent per executed trade
	TradeCount   int     `json:"trade_count"`   // self-stop after this many intents
	Side         string  `json:"side"`          // buy, sell, or empty to alternate
	CadenceMs    int64   `json:"cadence_ms"`
}

// Session is the in-memory state of one running strategy, rebuilt from the
// persisted StrategyInstance at startup.
type Session struct {
	StrategyKey  string
	StrategyType string
	UserID       string
	ClientID     string
	CadenceMs    int64
	NextRunAtMs  int64
	RawParams    string

	mu sync.Mutex
	// volume strategy progress; guarded by mu
	executedTrades int
	lastSide       string
}

// Due reports whether the session should run at nowMs.
func (s *Session) Due(nowMs int64) bool {
	return s.NextRunAtMs <= nowMs
}

// Advance schedules the next run. Called after every run, success or
// failure, so a failing session never stalls its own schedule.
func (s *Session) Advance() {
	s.NextRunAtMs += s.CadenceMs
}

// PMMParams decodes the session parameters as pure market making params.
func (s *Session) PMMParams() (*PureMarketMakingParams, error) {
	var p PureMarketMakingParams
	if err := json.Unmarshal([]byte(s.RawParams), &p); err != nil {
		return nil, fmt.Errorf("decode pureMarketMaking params: %w", err)
	}
	if p.OracleExchange == "" {
		p.OracleExchange = p.Exchange
	}
	return &p, nil
}

// ArbParams decodes the session parameters as arbitrage params.
func (s *Session) ArbParams() (*ArbitrageParams, error) {
	var p ArbitrageParams
	if err := json.Unmarshal([]byte(s.RawParams), &p); err != nil {
		return nil, fmt.Errorf("decode arbitrage params: %w", err)
	}
	return &p, nil
}

// VolParams decodes the session parameters as volume params.
func (s *Session) VolParams() (*VolumeParams, error) {
	var p VolumeParams
	if err := json.Unmarshal([]byte(s.RawParams), &p); err != nil {
		return nil, fmt.Errorf("decode volume params: %w", err)
	}
	return &p, nil
}

// SplitPair returns the base and quote assets of a "BASE/QUOTE" pair.
func SplitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair %q", pair)
	}
	return parts[0], parts[1], nil
}

// roundTag formats a tick timestamp for deterministic intent id derivation.
func roundTag(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
