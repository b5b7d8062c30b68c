package intent

import (
	"context"
	"sync"
	"time"

	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog/log"
)

// WorkerConfig bounds the worker's concurrency.
type WorkerConfig struct {
	PollInterval           time.Duration
	MaxInFlight            int
	MaxInFlightPerExchange int
}

// Worker pulls head-of-line intents per strategy and dispatches them to the
// executor as independent async tasks, enforcing a global in-flight cap, a
// per-exchange cap, and strict per-strategy serialization (one in flight).
type Worker struct {
	store    *Store
	executor *Executor
	cfg      WorkerConfig

	mu                 sync.Mutex
	inFlight           int
	inFlightIntents    map[string]struct{}
	inFlightStrategies map[string]struct{}
	inFlightByExchange map[string]int

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	healthy bool
}

// NewWorker creates an intent worker.
func NewWorker(store *Store, executor *Executor, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.MaxInFlightPerExchange <= 0 {
		cfg.MaxInFlightPerExchange = 4
	}
	return &Worker{
		store:              store,
		executor:           executor,
		cfg:                cfg,
		inFlightIntents:    make(map[string]struct{}),
		inFlightStrategies: make(map[string]struct{}),
		inFlightByExchange: make(map[string]int),
	}
}

// Name identifies the worker in the coordinator registry.
func (w *Worker) Name() string { return "intent_worker" }

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.healthy = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(loopCtx)
	log.Info().Str("component", "intent_worker").Msg("intent worker started")
	return nil
}

// Stop cancels the poll loop and waits for in-flight executions to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.healthy = false
	w.mu.Unlock()
	w.wg.Wait()
	log.Info().Str("component", "intent_worker").Msg("intent worker stopped")
	return nil
}

// Healthy reports whether the worker loop is running.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// OnTick is a no-op: the worker runs its own poll loop beneath the tick
// round. Registered with the coordinator only for lifecycle and health.
func (w *Worker) OnTick(ctx context.Context, ts time.Time) error { return nil }

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				log.Error().Err(err).Str("component", "intent_worker").Msg("poll failed")
			}
		}
	}
}

// Poll fills remaining capacity with dispatchable head-of-line intents.
// Candidate strategy keys are over-fetched at 4x the remaining capacity
// since many heads will be filtered out by the dispatch rules.
func (w *Worker) Poll(ctx context.Context) error {
	capacity := w.remainingCapacity()
	if capacity <= 0 {
		return nil
	}

	keys, err := w.store.StrategyKeysWithNew(capacity * 4)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if w.remainingCapacity() <= 0 {
			return nil
		}

		head, err := w.store.HeadOfLine(key)
		if err != nil {
			log.Error().Err(err).Str("strategy_key", key).Msg("head-of-line query failed")
			continue
		}
		// Dispatch only a head that is exactly NEW: a SENT/ACKED head means
		// the strategy already has work in flight somewhere.
		if head == nil || head.Status != types.IntentStatusNew {
			continue
		}

		if !w.tryAcquire(head) {
			continue
		}
		w.dispatch(ctx, head)
	}
	return nil
}

func (w *Worker) remainingCapacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.MaxInFlight - w.inFlight
}

// tryAcquire atomically claims the intent against all three limits:
// global cap, per-strategy serialization, and the per-exchange cap.
func (w *Worker) tryAcquire(intent *types.StrategyOrderIntent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight >= w.cfg.MaxInFlight {
		return false
	}
	if _, busy := w.inFlightIntents[intent.IntentID]; busy {
		return false
	}
	if _, busy := w.inFlightStrategies[intent.StrategyKey]; busy {
		return false
	}
	if intent.Exchange != "" && w.inFlightByExchange[intent.Exchange] >= w.cfg.MaxInFlightPerExchange {
		return false
	}

	w.inFlight++
	w.inFlightIntents[intent.IntentID] = struct{}{}
	w.inFlightStrategies[intent.StrategyKey] = struct{}{}
	if intent.Exchange != "" {
		w.inFlightByExchange[intent.Exchange]++
	}
	return true
}

func (w *Worker) release(intent *types.StrategyOrderIntent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	delete(w.inFlightIntents, intent.IntentID)
	delete(w.inFlightStrategies, intent.StrategyKey)
	if intent.Exchange != "" {
		w.inFlightByExchange[intent.Exchange]--
	}
}

// dispatch hands the intent to the executor asynchronously. Success and
// failure are both terminal for the slot accounting.
func (w *Worker) dispatch(ctx context.Context, intent *types.StrategyOrderIntent) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(intent)

		if err := w.executor.Execute(ctx, intent.IntentID); err != nil {
			log.Warn().
				Err(err).
				Str("component", "intent_worker").
				Str("intent_id", intent.IntentID).
				Str("strategy_key", intent.StrategyKey).
				Msg("intent execution failed")
		}
	}()
}
