package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makerdesk/mm-core/internal/exchange"
	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/makerdesk/mm-core/internal/tracker"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// receiptConsumer names this pipeline in the consumer-receipt table.
const receiptConsumer = "intent-executor"

// ErrMissingExchangeOrderID marks a CANCEL_ORDER intent with no stored
// exchange order id: a contract violation, raised and never retried.
var ErrMissingExchangeOrderID = errors.New("cancel intent has no exchange order id")

// ExecutorConfig bounds the retry behavior of the pipeline.
type ExecutorConfig struct {
	Enabled        bool // false = dry-run: mark DONE without exchange calls
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Executor consumes one intent at a time and turns it into exchange calls
// exactly once, using consumer receipts for replay safety.
type Executor struct {
	store     *Store
	connector exchange.Connector
	tracker   *tracker.Tracker
	outbox    *outbox.Store
	cfg       ExecutorConfig
}

// NewExecutor creates an execution pipeline.
func NewExecutor(store *Store, connector exchange.Connector, trk *tracker.Tracker, outboxStore *outbox.Store, cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	return &Executor{
		store:     store,
		connector: connector,
		tracker:   trk,
		outbox:    outboxStore,
		cfg:       cfg,
	}
}

// Execute processes one intent. An already-processed intent id is a no-op
// success. Transitions NEW→SENT before any external call, then ACKED→DONE
// once the exchange acknowledged; exhausted retries leave the intent FAILED
// with the reason recorded and the error surfaced to the caller.
func (e *Executor) Execute(ctx context.Context, intentID string) error {
	logger := log.With().
		Str("service", "intent_executor").
		Str("intent_id", intentID).
		Logger()

	done, err := e.outbox.IsProcessed(receiptConsumer, intentID)
	if err != nil {
		return err
	}
	if done {
		logger.Debug().Msg("intent already processed, skipping")
		return nil
	}

	intent, err := e.store.Get(intentID)
	if err != nil {
		return err
	}
	if intent == nil {
		return fmt.Errorf("intent %s not found", intentID)
	}

	// Dry-run still claims the receipt so the effect shape matches live mode.
	if !e.cfg.Enabled {
		if _, err := e.outbox.MarkProcessed(receiptConsumer, intentID); err != nil {
			return err
		}
		logger.Info().Str("type", intent.Type).Msg("execution disabled, intent marked done")
		return e.store.UpdateStatus(intentID, types.IntentStatusDone, "")
	}

	if err := e.store.UpdateStatus(intentID, types.IntentStatusSent, ""); err != nil {
		return err
	}

	var execErr error
	switch intent.Type {
	case types.IntentCreateLimitOrder:
		execErr = e.executeCreate(ctx, intent, logger)
	case types.IntentCancelOrder:
		execErr = e.executeCancel(ctx, intent, logger)
	case types.IntentReplaceOrder:
		execErr = e.executeReplace(ctx, intent, logger)
	case types.IntentStopExecutor:
		// Audit marker: no exchange interaction.
		logger.Info().Str("strategy_key", intent.StrategyKey).Msg("stop marker consumed")
	default:
		execErr = fmt.Errorf("unknown intent type %q", intent.Type)
	}

	if execErr != nil {
		logger.Error().Err(execErr).Str("type", intent.Type).Msg("intent execution failed")
		if err := e.store.UpdateStatus(intentID, types.IntentStatusFailed, execErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to record FAILED status")
		}
		return execErr
	}

	if _, err := e.outbox.MarkProcessed(receiptConsumer, intentID); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(intentID, types.IntentStatusDone, ""); err != nil {
		return err
	}

	logger.Info().Str("type", intent.Type).Msg("intent executed")
	return nil
}

func (e *Executor) executeCreate(ctx context.Context, intent *types.StrategyOrderIntent, logger zerolog.Logger) error {
	var placed *exchange.PlacedOrder
	err := e.withRetries(ctx, logger, func() error {
		var callErr error
		placed, callErr = e.connector.PlaceLimitOrder(ctx, intent.Exchange, intent.Pair, intent.Side, intent.Qty, intent.Price)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := e.store.SetExchangeOrderID(intent.IntentID, placed.ExchangeOrderID); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(intent.IntentID, types.IntentStatusAcked, ""); err != nil {
		return err
	}

	return e.tracker.UpsertOrder(&types.TrackedOrder{
		StrategyKey:     intent.StrategyKey,
		Exchange:        intent.Exchange,
		Pair:            intent.Pair,
		ExchangeOrderID: placed.ExchangeOrderID,
		Side:            intent.Side,
		Price:           intent.Price,
		Qty:             intent.Qty,
		Status:          types.OrderStatusOpen,
	})
}

func (e *Executor) executeCancel(ctx context.Context, intent *types.StrategyOrderIntent, logger zerolog.Logger) error {
	if intent.ExchangeOrderID == "" {
		// Contract violation, intentionally not retried.
		return ErrMissingExchangeOrderID
	}

	var result *exchange.PlacedOrder
	err := e.withRetries(ctx, logger, func() error {
		var callErr error
		result, callErr = e.connector.CancelOrder(ctx, intent.Exchange, intent.Pair, intent.ExchangeOrderID)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := e.store.UpdateStatus(intent.IntentID, types.IntentStatusAcked, ""); err != nil {
		return err
	}

	tracked, err := e.tracker.Order(intent.Exchange, intent.ExchangeOrderID)
	if err != nil {
		return err
	}
	if tracked != nil {
		tracked.Status = result.Status
		return e.tracker.UpsertOrder(tracked)
	}
	return nil
}

// executeReplace cancels the stored order then places the new quote. The
// cancel leg follows the CANCEL_ORDER contract; a replace without a stored
// exchange order id degrades to a plain placement.
func (e *Executor) executeReplace(ctx context.Context, intent *types.StrategyOrderIntent, logger zerolog.Logger) error {
	if intent.ExchangeOrderID != "" {
		err := e.withRetries(ctx, logger, func() error {
			_, callErr := e.connector.CancelOrder(ctx, intent.Exchange, intent.Pair, intent.ExchangeOrderID)
			return callErr
		})
		if err != nil {
			return fmt.Errorf("replace cancel leg: %w", err)
		}
		if tracked, err := e.tracker.Order(intent.Exchange, intent.ExchangeOrderID); err == nil && tracked != nil {
			tracked.Status = types.OrderStatusCancelled
			if err := e.tracker.UpsertOrder(tracked); err != nil {
				logger.Warn().Err(err).Msg("failed to mark replaced order cancelled")
			}
		}
	}
	return e.executeCreate(ctx, intent, logger)
}

// withRetries runs call with bounded exponential backoff. The first attempt
// is immediate; attempt n waits base * 2^(n-1).
func (e *Executor) withRetries(ctx context.Context, logger zerolog.Logger, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := call(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := e.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("exchange call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", e.cfg.MaxRetries, lastErr)
}
