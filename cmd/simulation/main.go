package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/config"
	"github.com/makerdesk/mm-core/internal/database"
	"github.com/makerdesk/mm-core/internal/exchange"
	"github.com/makerdesk/mm-core/internal/intent"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/makerdesk/mm-core/internal/reconcile"
	"github.com/makerdesk/mm-core/internal/reward"
	"github.com/makerdesk/mm-core/internal/strategy"
	"github.com/makerdesk/mm-core/internal/ticker"
	"github.com/makerdesk/mm-core/internal/tracker"
	"github.com/makerdesk/mm-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	simUserID   = "USER_SIM"
	simClientID = "CLIENT_SIM"
	simDuration = 30 * time.Second
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// main runs the execution core end to end against the simulated venues:
// seed balances, start one session of each strategy type, let the tick
// coordinator run for a fixed window, then report what happened.
func main() {
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("mmcore-sim-%d.db", time.Now().UnixNano()))
	defer os.Remove(dbPath)

	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	cfg := config.Load()

	outboxStore := outbox.NewStore(db)
	ledgerService := ledger.NewService(db, outboxStore)
	connector := exchange.NewSimulated(cfg.MinRequestInterval)
	orderTracker := tracker.New(db, connector)
	intentStore := intent.NewStore(db)
	executor := intent.NewExecutor(intentStore, connector, orderTracker, outboxStore, intent.ExecutorConfig{
		Enabled:        true,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	engine := strategy.NewEngine(db, intentStore, orderTracker, ledgerService)
	rewardService := reward.NewService(reward.NewDatabase(db), ledgerService)

	seedBalances(ledgerService)

	coordinator := ticker.NewCoordinator(500 * time.Millisecond)
	coordinator.Register(orderTracker)
	coordinator.Register(engine)
	coordinator.Register(intent.NewWorker(intentStore, executor, intent.WorkerConfig{
		PollInterval:           200 * time.Millisecond,
		MaxInFlight:            cfg.MaxInFlight,
		MaxInFlightPerExchange: cfg.MaxInFlightPerExchange,
	}))
	coordinator.Register(rewardService)

	if err := coordinator.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tick coordinator")
	}

	startStrategies(engine)

	// Feed the reward pipeline partway through the run.
	go func() {
		time.Sleep(simDuration / 3)
		observeReward(rewardService)
	}()

	log.Info().Dur("duration", simDuration).Msg("Simulation running")
	time.Sleep(simDuration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Coordinator shutdown reported errors")
	}

	printSummary(intentStore, orderTracker, ledgerService, rewardService)

	auditor := reconcile.NewAuditor(ledgerService.GetDB(), reward.NewDatabase(db), intentStore, time.Minute, false)
	report, err := auditor.RunOnce(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Audit pass failed")
	}
	printAudit(report)
}

// seedBalances funds the simulation user on every venue pair.
func seedBalances(ledgerService *ledger.Service) {
	deposits := map[string]string{
		"BTC":  "5",
		"USDT": "500000",
	}
	for asset, amount := range deposits {
		_, err := ledgerService.CreditDeposit(ledger.MutationCommand{
			UserID:         simUserID,
			AssetID:        asset,
			Amount:         amount,
			IdempotencyKey: "sim-seed-" + asset,
			RefType:        "simulation",
		})
		if err != nil {
			log.Fatal().Err(err).Str("asset", asset).Msg("Failed to seed balance")
		}
		log.Info().Str("asset", asset).Str("amount", amount).Msg("Balance seeded")
	}
}

// startStrategies brings up one session of each type on the simulated
// venues.
func startStrategies(engine *strategy.Engine) {
	if _, err := engine.StartPureMarketMaking(simUserID, simClientID, strategy.PureMarketMakingParams{
		Exchange:    "alpha",
		Pair:        "BTC/USDT",
		Layers:      2,
		BidSpread:   0.002,
		AskSpread:   0.002,
		OrderAmount: 0.05,

		InventorySkewEnabled: true,
		TargetBaseRatio:      0.5,
		SkewFactor:           1.0,

		MakerBiasBps: 2,
		CadenceMs:    2000,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start market making session")
	}

	if _, err := engine.StartArbitrage(simUserID, simClientID, strategy.ArbitrageParams{
		ExchangeA: "alpha",
		ExchangeB: "beta",
		Pair:      "BTC/USDT",
		Amount:    0.1,
		MinMargin: 0.0005,
		CadenceMs: 1500,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start arbitrage session")
	}

	if _, err := engine.StartVolume(simUserID, simClientID, strategy.VolumeParams{
		Exchange:     "gamma",
		Pair:         "BTC/USDT",
		Amount:       0.02,
		IncrementPct: 0.05,
		PushRate:     0.01,
		TradeCount:   10,
		CadenceMs:    2000,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start volume session")
	}
}

// observeReward pushes one reward payment through mint, observe and
// allocate so distribution has something to do.
func observeReward(rewardService *reward.Service) {
	now := time.Now()

	_, _, err := rewardService.MintShares("POOL_SIM", simUserID, "100", "sim-mint-"+simUserID, now.Add(-time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to mint shares")
		return
	}

	rw, _, err := rewardService.ObserveReward("0x"+uuid.New().String(), "POOL_SIM", "USDT", "250", now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to observe reward")
		return
	}

	if _, err := rewardService.AllocateReward(rw.RewardID, now.Add(-time.Hour), now); err != nil {
		log.Error().Err(err).Msg("Failed to allocate reward")
		return
	}
	log.Info().Str("reward_id", rw.RewardID).Msg("Reward observed and allocated")
}

// printSummary reports intent outcomes, open orders and final balances.
func printSummary(intentStore *intent.Store, orderTracker *tracker.Tracker, ledgerService *ledger.Service, rewardService *reward.Service) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("\nIntent outcomes")
	fmt.Println(strings.Repeat("-", 40))
	statuses := []string{
		types.IntentStatusNew,
		types.IntentStatusSent,
		types.IntentStatusAcked,
		types.IntentStatusDone,
		types.IntentStatusFailed,
	}
	for _, status := range statuses {
		intents, err := intentStore.ListByStatus(status)
		if err != nil {
			log.Error().Err(err).Str("status", status).Msg("Failed to count intents")
			continue
		}
		fmt.Printf("%-8s %d\n", status, len(intents))
	}

	fmt.Println("\nOpen orders per strategy")
	fmt.Println(strings.Repeat("-", 40))
	for _, strategyType := range []string{types.StrategyPureMarketMaking, types.StrategyArbitrage, types.StrategyVolume} {
		key := strategy.StrategyKey(strategyType, simUserID, simClientID)
		orders, err := orderTracker.OpenOrdersByStrategy(key)
		if err != nil {
			log.Error().Err(err).Str("strategy_key", key).Msg("Failed to list open orders")
			continue
		}
		fmt.Printf("%-50s %d\n", key, len(orders))
	}

	fmt.Println("\nFinal balances")
	fmt.Println(strings.Repeat("-", 40))
	balances, err := ledgerService.GetUserBalances(simUserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list balances")
	}
	for _, balance := range balances {
		fmt.Printf("%-6s available=%-14s locked=%-14s total=%s\n",
			balance.AssetID, balance.Available, balance.Locked, balance.Total)
	}

	shares, err := rewardService.ShareBalance("POOL_SIM", simUserID)
	if err == nil {
		fmt.Printf("\nPool shares: %s\n", shares)
	}
}

// printAudit reports the reconciliation result for the run.
func printAudit(report *reconcile.Report) {
	fmt.Println("\nReconciliation audit")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Checked:    %d\n", report.Checked)
	fmt.Printf("Violations: %d\n", len(report.Violations))
	for _, violation := range report.Violations {
		fmt.Printf("  [%s] %s: %s\n", violation.Check, violation.Subject, violation.Detail)
	}
	if report.Clean() {
		fmt.Println("All checks passed")
	}
	fmt.Println(strings.Repeat("=", 80))
}
