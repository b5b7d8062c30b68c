// Package strategy runs the per-strategy session engine: it rebuilds
// sessions from their persisted instances, evaluates each due session once
// per tick in deterministic order, and publishes the resulting intents.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/intent"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultCadenceMs = 1000

// ErrUnknownStrategy is returned for operations on a strategy key with no
// persisted instance.
var ErrUnknownStrategy = errors.New("unknown strategy")

// ErrDrainTimeout is returned when open orders did not clear within the
// withdrawal drain window.
var ErrDrainTimeout = errors.New("open orders did not drain before timeout")

// Engine owns the in-memory session map and the per-type executors.
type Engine struct {
	db        *Database
	intents   *intent.Store
	market    marketData
	ledger    *ledger.Service
	executors map[string]typeExecutor

	mu       sync.RWMutex
	sessions map[string]*Session

	healthy bool
}

// NewEngine wires the session engine against its stores.
func NewEngine(gormDB *gorm.DB, intents *intent.Store, market marketData, ledgerSvc *ledger.Service) *Engine {
	e := &Engine{
		db:       NewDatabase(gormDB),
		intents:  intents,
		market:   market,
		ledger:   ledgerSvc,
		sessions: make(map[string]*Session),
	}
	e.executors = map[string]typeExecutor{
		types.StrategyPureMarketMaking: &pureMarketMakingExecutor{market: market, balances: ledgerSvc},
		types.StrategyArbitrage:        &arbitrageExecutor{market: market},
		types.StrategyVolume:           &volumeExecutor{market: market},
	}
	return e
}

// Name identifies the engine to the tick coordinator.
func (e *Engine) Name() string { return "strategy-engine" }

// Start rebuilds the session map from persisted active instances.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.RebuildSessions(); err != nil {
		return err
	}
	e.mu.Lock()
	e.healthy = true
	e.mu.Unlock()
	log.Info().Str("service", "strategy").Int("sessions", e.SessionCount()).Msg("strategy engine started")
	return nil
}

// Stop marks the engine unhealthy; sessions stay persisted for the next run.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.healthy = false
	e.mu.Unlock()
	return nil
}

// Healthy reports whether the engine may participate in ticks.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// OnTick runs every due session once, in ascending strategy key order so a
// round's evaluation order is reproducible.
func (e *Engine) OnTick(ctx context.Context, ts time.Time) error {
	nowMs := ts.UnixMilli()

	e.mu.RLock()
	due := make([]*Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		if sess.Due(nowMs) {
			due = append(due, sess)
		}
	}
	e.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].StrategyKey < due[j].StrategyKey })

	var firstErr error
	for _, sess := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.runSession(ctx, sess, ts); err != nil {
			log.Error().Err(err).
				Str("service", "strategy").
				Str("strategy_key", sess.StrategyKey).
				Msg("session evaluation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		// Advance regardless of outcome so one bad cycle cannot stall
		// the session's schedule.
		sess.Advance()
	}
	return firstErr
}

func (e *Engine) runSession(ctx context.Context, sess *Session, ts time.Time) error {
	executor, ok := e.executors[sess.StrategyType]
	if !ok {
		return fmt.Errorf("no executor registered for strategy type %s", sess.StrategyType)
	}

	intents, stop, err := executor.Evaluate(sess, ts)
	if err != nil {
		return err
	}
	if err := e.publishIntents(sess.logger(), intents); err != nil {
		return err
	}
	if stop {
		log.Info().
			Str("service", "strategy").
			Str("strategy_key", sess.StrategyKey).
			Msg("session reached its configured end, stopping")
		return e.StopStrategy(sess.StrategyKey)
	}
	return nil
}

// publishIntents persists a session's emissions. A duplicate intent id means
// the same logical decision was already recorded this round and is skipped.
func (e *Engine) publishIntents(logger zerolog.Logger, intents []*types.StrategyOrderIntent) error {
	for _, it := range intents {
		if err := e.intents.Create(it); err != nil {
			if isDuplicateKey(err) {
				logger.Debug().Str("intent_id", it.IntentID).Msg("intent already recorded")
				continue
			}
			return fmt.Errorf("persist intent %s: %w", it.IntentID, err)
		}
		logger.Info().
			Str("intent_id", it.IntentID).
			Str("type", it.Type).
			Str("exchange", it.Exchange).
			Str("side", it.Side).
			Float64("price", it.Price).
			Float64("qty", it.Qty).
			Msg("intent published")
	}
	return nil
}

// StartPureMarketMaking registers and activates a pure market making session.
func (e *Engine) StartPureMarketMaking(userID, clientID string, params PureMarketMakingParams) (*Session, error) {
	if params.Exchange == "" || params.Pair == "" {
		return nil, errors.New("exchange and pair are required")
	}
	if params.Layers <= 0 || params.OrderAmount <= 0 || params.BidSpread <= 0 || params.AskSpread <= 0 {
		return nil, errors.New("layers, order_amount and both spreads must be positive")
	}
	return e.startSession(types.StrategyPureMarketMaking, userID, clientID, params, params.CadenceMs)
}

// StartArbitrage registers and activates a two-venue arbitrage session.
func (e *Engine) StartArbitrage(userID, clientID string, params ArbitrageParams) (*Session, error) {
	if params.ExchangeA == "" || params.ExchangeB == "" || params.Pair == "" {
		return nil, errors.New("both exchanges and pair are required")
	}
	if params.ExchangeA == params.ExchangeB {
		return nil, errors.New("arbitrage venues must differ")
	}
	if params.Amount <= 0 || params.MinMargin <= 0 {
		return nil, errors.New("amount and min_margin must be positive")
	}
	return e.startSession(types.StrategyArbitrage, userID, clientID, params, params.CadenceMs)
}

// StartVolume registers and activates a volume session.
func (e *Engine) StartVolume(userID, clientID string, params VolumeParams) (*Session, error) {
	if params.Exchange == "" || params.Pair == "" {
		return nil, errors.New("exchange and pair are required")
	}
	if params.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if params.Side != "" && params.Side != types.SideBuy && params.Side != types.SideSell {
		return nil, fmt.Errorf("invalid side %q", params.Side)
	}
	return e.startSession(types.StrategyVolume, userID, clientID, params, params.CadenceMs)
}

func (e *Engine) startSession(strategyType, userID, clientID string, params interface{}, cadenceMs int64) (*Session, error) {
	if userID == "" || clientID == "" {
		return nil, errors.New("user_id and client_id are required")
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	key := StrategyKey(strategyType, userID, clientID)
	instance := &types.StrategyInstance{
		StrategyKey:  key,
		StrategyType: strategyType,
		UserID:       userID,
		ClientID:     clientID,
		Parameters:   string(raw),
		Status:       types.InstanceStatusActive,
	}
	if err := e.db.UpsertInstance(instance); err != nil {
		return nil, fmt.Errorf("persist strategy instance: %w", err)
	}

	sess := e.sessionFromInstance(instance)

	e.mu.Lock()
	e.sessions[key] = sess
	e.mu.Unlock()

	log.Info().
		Str("service", "strategy").
		Str("strategy_key", key).
		Str("type", strategyType).
		Msg("strategy session started")
	return sess, nil
}

// StopStrategy deactivates a session and records the executor stop marker in
// the intent stream.
func (e *Engine) StopStrategy(strategyKey string) error {
	instance, err := e.db.GetInstance(strategyKey)
	if err != nil {
		return err
	}
	if instance == nil {
		return ErrUnknownStrategy
	}

	if err := e.db.SetStatus(strategyKey, types.InstanceStatusStopped); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.sessions, strategyKey)
	e.mu.Unlock()

	// The stop marker is keyed off the strategy alone, so a re-delivered
	// stop lands on the existing marker instead of appending another.
	stop := &types.StrategyOrderIntent{
		IntentID:    "INT_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte("stop|"+strategyKey)).String(),
		Type:        types.IntentStopExecutor,
		StrategyKey: strategyKey,
		UserID:      instance.UserID,
		ClientID:    instance.ClientID,
		Status:      types.IntentStatusNew,
	}
	if err := e.intents.Create(stop); err != nil && !isDuplicateKey(err) {
		return fmt.Errorf("record stop intent: %w", err)
	}

	log.Info().
		Str("service", "strategy").
		Str("strategy_key", strategyKey).
		Msg("strategy session stopped")
	return nil
}

// RerunStrategy reactivates a stopped session with its persisted parameters.
func (e *Engine) RerunStrategy(strategyKey string) (*Session, error) {
	instance, err := e.db.GetInstance(strategyKey)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, ErrUnknownStrategy
	}

	if err := e.db.SetStatus(strategyKey, types.InstanceStatusActive); err != nil {
		return nil, err
	}
	instance.Status = types.InstanceStatusActive

	sess := e.sessionFromInstance(instance)
	e.mu.Lock()
	e.sessions[strategyKey] = sess
	e.mu.Unlock()

	log.Info().
		Str("service", "strategy").
		Str("strategy_key", strategyKey).
		Msg("strategy session rerun")
	return sess, nil
}

// RebuildSessions replaces the in-memory session map from persisted active
// instances. Volume progress does not survive a rebuild; counts restart.
func (e *Engine) RebuildSessions() error {
	instances, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}

	sessions := make(map[string]*Session, len(instances))
	for i := range instances {
		sess := e.sessionFromInstance(&instances[i])
		sessions[sess.StrategyKey] = sess
	}

	e.mu.Lock()
	e.sessions = sessions
	e.mu.Unlock()
	return nil
}

func (e *Engine) sessionFromInstance(instance *types.StrategyInstance) *Session {
	cadence := cadenceOf(instance.Parameters)
	return &Session{
		StrategyKey:  instance.StrategyKey,
		StrategyType: instance.StrategyType,
		UserID:       instance.UserID,
		ClientID:     instance.ClientID,
		CadenceMs:    cadence,
		NextRunAtMs:  time.Now().UnixMilli(),
		RawParams:    instance.Parameters,
	}
}

func cadenceOf(rawParams string) int64 {
	var probe struct {
		CadenceMs int64 `json:"cadence_ms"`
	}
	if err := json.Unmarshal([]byte(rawParams), &probe); err != nil || probe.CadenceMs <= 0 {
		return defaultCadenceMs
	}
	return probe.CadenceMs
}

// Session returns the live session for a key, or nil.
func (e *Engine) Session(strategyKey string) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[strategyKey]
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// GetOpenOrders returns the last known open orders for a strategy.
func (e *Engine) GetOpenOrders(strategyKey string) ([]types.TrackedOrder, error) {
	return e.market.OpenOrdersByStrategy(strategyKey)
}

// WithdrawRequest describes a pause-and-withdraw operation: stop quoting,
// cancel what rests, wait for the book to drain, then release and debit
// funds. IdempotencyKey is the client's dedupe key; a re-delivered request
// with the same key replays the original withdrawal instead of debiting
// again.
type WithdrawRequest struct {
	StrategyKey    string
	UserID         string
	AssetID        string
	Amount         string
	Address        string
	IdempotencyKey string

	DrainTimeout time.Duration
	PollInterval time.Duration
}

// withdrawalID derives the withdrawal id from the request coordinates, so
// every delivery of the same request hits the same ledger idempotency keys.
func withdrawalID(req WithdrawRequest) string {
	seed := "withdraw|" + req.StrategyKey + "|" + req.UserID + "|" + req.AssetID + "|" + req.Amount + "|" + req.IdempotencyKey
	return "WDR_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// WithdrawResult reports a completed pause-and-withdraw.
type WithdrawResult struct {
	WithdrawalID string          `json:"withdrawal_id"`
	Cancelled    int             `json:"cancelled_orders"`
	Unlocked     string          `json:"unlocked"`
	Balance      *ledger.Balance `json:"balance"`
}

// PauseAndWithdraw stops the session, cancels its resting orders, waits for
// the open set to drain, unlocks whatever remains locked for the asset and
// debits the requested amount. A drain timeout aborts before any ledger
// mutation.
func (e *Engine) PauseAndWithdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	if req.StrategyKey == "" || req.UserID == "" || req.AssetID == "" || req.Amount == "" || req.IdempotencyKey == "" {
		return nil, errors.New("strategy_key, user_id, asset_id, amount and idempotency_key are required")
	}
	if req.DrainTimeout <= 0 {
		req.DrainTimeout = 30 * time.Second
	}
	if req.PollInterval <= 0 {
		req.PollInterval = 500 * time.Millisecond
	}

	logger := log.With().
		Str("service", "strategy").
		Str("strategy_key", req.StrategyKey).
		Logger()

	if err := e.StopStrategy(req.StrategyKey); err != nil {
		return nil, err
	}

	open, err := e.market.OpenOrdersByStrategy(req.StrategyKey)
	if err != nil {
		return nil, err
	}
	for _, order := range open {
		// Cancels are keyed per exchange order; a re-delivered withdraw
		// re-lands on the cancels it already issued.
		seed := "cancel|" + req.StrategyKey + "|" + order.ExchangeOrderID
		cancel := &types.StrategyOrderIntent{
			IntentID:        "INT_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(),
			Type:            types.IntentCancelOrder,
			StrategyKey:     req.StrategyKey,
			UserID:          req.UserID,
			Exchange:        order.Exchange,
			Pair:            order.Pair,
			ExchangeOrderID: order.ExchangeOrderID,
			Status:          types.IntentStatusNew,
		}
		if err := e.intents.Create(cancel); err != nil && !isDuplicateKey(err) {
			return nil, fmt.Errorf("record cancel intent: %w", err)
		}
	}
	logger.Info().Int("open_orders", len(open)).Msg("withdrawal drain started")

	if err := e.waitForDrain(ctx, req); err != nil {
		return nil, err
	}

	wdrID := withdrawalID(req)

	balance, err := e.ledger.GetBalance(req.UserID, req.AssetID)
	if err != nil {
		return nil, err
	}
	unlocked := "0"
	if balance.Locked != "" && balance.Locked != "0" {
		result, err := e.ledger.UnlockFunds(ledger.MutationCommand{
			UserID:         req.UserID,
			AssetID:        req.AssetID,
			Amount:         balance.Locked,
			IdempotencyKey: "withdraw-unlock:" + wdrID,
			RefType:        "withdrawal",
			RefID:          wdrID,
		})
		if err != nil {
			return nil, fmt.Errorf("unlock funds: %w", err)
		}
		if result.Applied {
			unlocked = balance.Locked
		}
		balance = result.Balance
	}

	result, err := e.ledger.DebitWithdrawal(ledger.MutationCommand{
		UserID:         req.UserID,
		AssetID:        req.AssetID,
		Amount:         req.Amount,
		IdempotencyKey: "withdraw-debit:" + wdrID,
		RefType:        "withdrawal",
		RefID:          wdrID,
	})
	if err != nil {
		return nil, fmt.Errorf("debit withdrawal: %w", err)
	}
	if !result.Applied {
		logger.Info().Str("withdrawal_id", wdrID).Msg("withdrawal already applied, replaying result")
	} else {
		logger.Info().
			Str("withdrawal_id", wdrID).
			Str("amount", req.Amount).
			Str("asset", req.AssetID).
			Msg("withdrawal completed")
	}

	return &WithdrawResult{
		WithdrawalID: wdrID,
		Cancelled:    len(open),
		Unlocked:     unlocked,
		Balance:      result.Balance,
	}, nil
}

// waitForDrain polls the tracked open set until it empties or the window
// closes.
func (e *Engine) waitForDrain(ctx context.Context, req WithdrawRequest) error {
	deadline := time.Now().Add(req.DrainTimeout)
	for {
		open, err := e.market.OpenOrdersByStrategy(req.StrategyKey)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d orders still open", ErrDrainTimeout, len(open))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(req.PollInterval):
		}
	}
}

func (s *Session) logger() zerolog.Logger {
	return log.With().
		Str("service", "strategy").
		Str("strategy_key", s.StrategyKey).
		Logger()
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
