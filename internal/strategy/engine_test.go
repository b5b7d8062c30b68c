package strategy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/makerdesk/mm-core/internal/intent"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/makerdesk/mm-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type engineFixture struct {
	db      *gorm.DB
	engine  *Engine
	intents *intent.Store
	market  *fakeMarket
	ledger  *ledger.Service
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine_test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	err = db.AutoMigrate(
		&types.StrategyInstance{},
		&types.StrategyOrderIntent{},
		&types.TrackedOrder{},
		&ledger.LedgerEntry{},
		&ledger.Balance{},
		&outbox.OutboxEvent{},
		&outbox.ConsumerReceipt{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	intents := intent.NewStore(db)
	market := &fakeMarket{books: make(map[string]*types.OrderBook)}
	ledgerSvc := ledger.NewService(db, outbox.NewStore(db))
	return &engineFixture{
		db:      db,
		engine:  NewEngine(db, intents, market, ledgerSvc),
		intents: intents,
		market:  market,
		ledger:  ledgerSvc,
	}
}

func pmmParams() PureMarketMakingParams {
	return PureMarketMakingParams{
		Exchange:    "alpha",
		Pair:        "BTC/USDT",
		Layers:      1,
		OrderAmount: 0.5,
		BidSpread:   0.01,
		AskSpread:   0.01,
		CadenceMs:   1000,
	}
}

func TestStartStrategyPersistsInstance(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}
	if sess.StrategyKey != "pureMarketMaking:USER_1:CLIENT_1" {
		t.Errorf("strategy key = %s", sess.StrategyKey)
	}
	if f.engine.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", f.engine.SessionCount())
	}

	var instance types.StrategyInstance
	if err := f.db.Where("strategy_key = ?", sess.StrategyKey).First(&instance).Error; err != nil {
		t.Fatalf("instance not persisted: %v", err)
	}
	if instance.Status != types.InstanceStatusActive {
		t.Errorf("instance status = %s, want active", instance.Status)
	}
}

func TestStartStrategyRejectsBadParameters(t *testing.T) {
	f := newEngineFixture(t)

	bad := pmmParams()
	bad.Layers = 0
	if _, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", bad); err == nil {
		t.Error("zero layers must be rejected")
	}

	if _, err := f.engine.StartArbitrage("USER_1", "CLIENT_1", ArbitrageParams{
		ExchangeA: "alpha",
		ExchangeB: "alpha",
		Pair:      "BTC/USDT",
		Amount:    1,
		MinMargin: 0.001,
	}); err == nil {
		t.Error("identical arbitrage venues must be rejected")
	}

	if _, err := f.engine.StartVolume("USER_1", "CLIENT_1", VolumeParams{
		Exchange: "alpha",
		Pair:     "BTC/USDT",
		Amount:   1,
		Side:     "sideways",
	}); err == nil {
		t.Error("invalid volume side must be rejected")
	}

	if _, err := f.engine.StartPureMarketMaking("", "CLIENT_1", pmmParams()); err == nil {
		t.Error("empty user id must be rejected")
	}
}

func TestOnTickPublishesIntents(t *testing.T) {
	f := newEngineFixture(t)
	f.market.books["alpha:BTC/USDT"] = bookAround("alpha", "BTC/USDT", 100)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}

	now := time.Now()
	if err := f.engine.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}

	published, err := f.intents.ListByStrategy(sess.StrategyKey)
	if err != nil {
		t.Fatalf("ListByStrategy failed: %v", err)
	}
	if len(published) != 2 {
		t.Fatalf("got %d intents, want 2 (one bid, one ask)", len(published))
	}

	// A tick before the cadence elapses evaluates nothing new.
	if err := f.engine.OnTick(context.Background(), now.Add(time.Millisecond)); err != nil {
		t.Fatalf("second OnTick failed: %v", err)
	}
	published, _ = f.intents.ListByStrategy(sess.StrategyKey)
	if len(published) != 2 {
		t.Errorf("got %d intents after early tick, want still 2", len(published))
	}
}

func TestOnTickSameRoundIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.market.books["alpha:BTC/USDT"] = bookAround("alpha", "BTC/USDT", 100)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}

	// Re-running the same round timestamp regenerates the same intent ids,
	// which the unique index collapses into no-ops.
	now := time.Now()
	if err := f.engine.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick failed: %v", err)
	}
	sess.NextRunAtMs = now.UnixMilli()
	if err := f.engine.OnTick(context.Background(), now); err != nil {
		t.Fatalf("replayed OnTick failed: %v", err)
	}

	published, _ := f.intents.ListByStrategy(sess.StrategyKey)
	if len(published) != 2 {
		t.Errorf("got %d intents after replay, want 2", len(published))
	}
}

func TestStopStrategyEmitsStopMarker(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}
	if err := f.engine.StopStrategy(sess.StrategyKey); err != nil {
		t.Fatalf("StopStrategy failed: %v", err)
	}

	if f.engine.SessionCount() != 0 {
		t.Errorf("session count = %d, want 0", f.engine.SessionCount())
	}
	if f.engine.Session(sess.StrategyKey) != nil {
		t.Error("stopped session must leave the map")
	}

	published, _ := f.intents.ListByStrategy(sess.StrategyKey)
	if len(published) != 1 || published[0].Type != types.IntentStopExecutor {
		t.Fatalf("intents = %+v, want one STOP_EXECUTOR marker", published)
	}

	if err := f.engine.StopStrategy("pureMarketMaking:NOBODY:NOTHING"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestRerunStrategyReactivates(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}
	if err := f.engine.StopStrategy(sess.StrategyKey); err != nil {
		t.Fatalf("StopStrategy failed: %v", err)
	}

	rerun, err := f.engine.RerunStrategy(sess.StrategyKey)
	if err != nil {
		t.Fatalf("RerunStrategy failed: %v", err)
	}
	if rerun.StrategyType != types.StrategyPureMarketMaking {
		t.Errorf("rerun type = %s", rerun.StrategyType)
	}
	if rerun.CadenceMs != 1000 {
		t.Errorf("rerun cadence = %d, want the persisted 1000", rerun.CadenceMs)
	}
	if f.engine.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", f.engine.SessionCount())
	}

	if _, err := f.engine.RerunStrategy("pureMarketMaking:NOBODY:NOTHING"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestRebuildSessionsFromPersistedInstances(t *testing.T) {
	f := newEngineFixture(t)

	active, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}
	stopped, err := f.engine.StartVolume("USER_1", "CLIENT_2", VolumeParams{
		Exchange:   "alpha",
		Pair:       "BTC/USDT",
		Amount:     1,
		TradeCount: 5,
	})
	if err != nil {
		t.Fatalf("StartVolume failed: %v", err)
	}
	if err := f.engine.StopStrategy(stopped.StrategyKey); err != nil {
		t.Fatalf("StopStrategy failed: %v", err)
	}

	// A fresh engine over the same database sees only the active instance.
	rebuilt := NewEngine(f.db, f.intents, f.market, f.ledger)
	if err := rebuilt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rebuilt.SessionCount() != 1 {
		t.Fatalf("rebuilt session count = %d, want 1", rebuilt.SessionCount())
	}
	if rebuilt.Session(active.StrategyKey) == nil {
		t.Error("active session must survive the rebuild")
	}
	if rebuilt.Session(stopped.StrategyKey) != nil {
		t.Error("stopped session must not be rebuilt")
	}
}

func TestPauseAndWithdraw(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}

	if _, err := f.ledger.CreditDeposit(ledger.MutationCommand{
		UserID: "USER_1", AssetID: "USDT", Amount: "1000", IdempotencyKey: "dep-1",
	}); err != nil {
		t.Fatalf("CreditDeposit failed: %v", err)
	}
	if _, err := f.ledger.LockFunds(ledger.MutationCommand{
		UserID: "USER_1", AssetID: "USDT", Amount: "400", IdempotencyKey: "lock-1",
	}); err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	result, err := f.engine.PauseAndWithdraw(context.Background(), WithdrawRequest{
		StrategyKey:    sess.StrategyKey,
		UserID:         "USER_1",
		AssetID:        "USDT",
		Amount:         "250",
		IdempotencyKey: "wd-1",
		DrainTimeout:   time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("PauseAndWithdraw failed: %v", err)
	}

	if result.Unlocked != "400" {
		t.Errorf("unlocked = %s, want 400", result.Unlocked)
	}
	if result.Balance.Available != "750" {
		t.Errorf("available = %s, want 750", result.Balance.Available)
	}
	if result.Balance.Locked != "0" {
		t.Errorf("locked = %s, want 0", result.Balance.Locked)
	}
	if f.engine.Session(sess.StrategyKey) != nil {
		t.Error("withdrawn strategy must be stopped")
	}
}

func TestPauseAndWithdrawDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}
	if _, err := f.ledger.CreditDeposit(ledger.MutationCommand{
		UserID: "USER_1", AssetID: "USDT", Amount: "100", IdempotencyKey: "dep-1",
	}); err != nil {
		t.Fatalf("CreditDeposit failed: %v", err)
	}

	req := WithdrawRequest{
		StrategyKey:    sess.StrategyKey,
		UserID:         "USER_1",
		AssetID:        "USDT",
		Amount:         "40",
		IdempotencyKey: "wd-1",
		DrainTimeout:   time.Second,
		PollInterval:   10 * time.Millisecond,
	}
	first, err := f.engine.PauseAndWithdraw(context.Background(), req)
	if err != nil {
		t.Fatalf("PauseAndWithdraw failed: %v", err)
	}
	second, err := f.engine.PauseAndWithdraw(context.Background(), req)
	if err != nil {
		t.Fatalf("re-delivered PauseAndWithdraw failed: %v", err)
	}

	if first.WithdrawalID != second.WithdrawalID {
		t.Errorf("withdrawal ids differ: %s vs %s", first.WithdrawalID, second.WithdrawalID)
	}
	if second.Balance.Available != "60" {
		t.Errorf("available after replay = %s, want 60", second.Balance.Available)
	}

	var debits int64
	if err := f.db.Model(&ledger.LedgerEntry{}).
		Where("idempotency_key LIKE ?", "withdraw-debit:%").
		Count(&debits).Error; err != nil {
		t.Fatalf("count debits failed: %v", err)
	}
	if debits != 1 {
		t.Errorf("withdraw debit entries = %d, want 1", debits)
	}

	// A missing client key is rejected rather than minted server-side.
	req.IdempotencyKey = ""
	if _, err := f.engine.PauseAndWithdraw(context.Background(), req); err == nil {
		t.Error("missing idempotency key must be rejected")
	}
}

func TestStopStrategyReplayKeepsSingleMarker(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}

	if err := f.engine.StopStrategy(sess.StrategyKey); err != nil {
		t.Fatalf("StopStrategy failed: %v", err)
	}
	if err := f.engine.StopStrategy(sess.StrategyKey); err != nil {
		t.Fatalf("re-delivered StopStrategy failed: %v", err)
	}

	published, _ := f.intents.ListByStrategy(sess.StrategyKey)
	if len(published) != 1 || published[0].Type != types.IntentStopExecutor {
		t.Fatalf("intents = %+v, want a single STOP_EXECUTOR marker", published)
	}
}

func TestPauseAndWithdrawDrainTimeout(t *testing.T) {
	f := newEngineFixture(t)

	sess, err := f.engine.StartPureMarketMaking("USER_1", "CLIENT_1", pmmParams())
	if err != nil {
		t.Fatalf("StartPureMarketMaking failed: %v", err)
	}

	// An order that never clears keeps the drain open.
	f.market.open = []types.TrackedOrder{{
		StrategyKey:     sess.StrategyKey,
		Exchange:        "alpha",
		Pair:            "BTC/USDT",
		ExchangeOrderID: "ORD_STUCK",
		Status:          types.OrderStatusOpen,
	}}

	if _, err := f.ledger.CreditDeposit(ledger.MutationCommand{
		UserID: "USER_1", AssetID: "USDT", Amount: "1000", IdempotencyKey: "dep-1",
	}); err != nil {
		t.Fatalf("CreditDeposit failed: %v", err)
	}

	_, err = f.engine.PauseAndWithdraw(context.Background(), WithdrawRequest{
		StrategyKey:    sess.StrategyKey,
		UserID:         "USER_1",
		AssetID:        "USDT",
		Amount:         "250",
		IdempotencyKey: "wd-1",
		DrainTimeout:   50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("err = %v, want ErrDrainTimeout", err)
	}

	// The abort happens before any ledger mutation.
	balance, _ := f.ledger.GetBalance("USER_1", "USDT")
	if balance.Available != "1000" || balance.Locked != "0" {
		t.Errorf("balance = %s/%s, want untouched 1000/0", balance.Available, balance.Locked)
	}
}
