package intent

import (
	"context"
	"sync"
	"time"

	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog/log"
)

// syncBatch caps how many strategies a single round will drain.
const syncBatch = 64

// SyncDispatcher executes head-of-line intents inline on the tick round,
// one strategy after another. Used instead of the worker when execution
// must complete within the round that produced it.
type SyncDispatcher struct {
	store    *Store
	executor *Executor

	mu      sync.Mutex
	healthy bool
}

// NewSyncDispatcher creates an inline dispatcher.
func NewSyncDispatcher(store *Store, executor *Executor) *SyncDispatcher {
	return &SyncDispatcher{store: store, executor: executor}
}

// Name identifies the dispatcher in the coordinator registry.
func (d *SyncDispatcher) Name() string { return "intent_sync_dispatcher" }

func (d *SyncDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.healthy = true
	d.mu.Unlock()
	return nil
}

func (d *SyncDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.healthy = false
	d.mu.Unlock()
	return nil
}

func (d *SyncDispatcher) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// OnTick drains each strategy's queue serially until its head is no longer
// NEW. Failures are terminal for the head, so the loop cannot spin.
func (d *SyncDispatcher) OnTick(ctx context.Context, ts time.Time) error {
	keys, err := d.store.StrategyKeysWithNew(syncBatch)
	if err != nil {
		return err
	}

	for _, key := range keys {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			head, err := d.store.HeadOfLine(key)
			if err != nil {
				return err
			}
			if head == nil || head.Status != types.IntentStatusNew {
				break
			}
			if err := d.executor.Execute(ctx, head.IntentID); err != nil {
				log.Warn().
					Err(err).
					Str("component", "intent_sync_dispatcher").
					Str("intent_id", head.IntentID).
					Str("strategy_key", key).
					Msg("intent execution failed")
			}
		}
	}
	return nil
}
