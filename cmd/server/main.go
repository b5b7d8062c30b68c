package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/makerdesk/mm-core/internal/auth"
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
	"github.com/makerdesk/mm-core/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the execution core with graceful shutdown
// support: database, stores, exchange connector, tick coordinator and the
// API server.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	middleware.SetJWTSecret(cfg.JWTSecret)
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	outboxStore := outbox.NewStore(db)

	ledgerService := ledger.NewService(db, outboxStore)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	connector := exchange.NewSimulated(cfg.MinRequestInterval)
	orderTracker := tracker.New(db, connector)

	intentStore := intent.NewStore(db)
	executor := intent.NewExecutor(intentStore, connector, orderTracker, outboxStore, intent.ExecutorConfig{
		Enabled:        cfg.ExecutionEnabled,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	engine := strategy.NewEngine(db, intentStore, orderTracker, ledgerService)
	strategyHandlers := strategy.NewGinHandlers(engine)

	rewardService := reward.NewService(reward.NewDatabase(db), ledgerService)
	rewardHandlers := reward.NewGinHandlers(rewardService)

	// Tick coordinator: market data first, then strategy evaluation, then
	// execution, then reward distribution.
	coordinator := ticker.NewCoordinator(cfg.TickInterval)
	coordinator.Register(orderTracker)
	coordinator.Register(engine)
	switch cfg.ExecutionDriver {
	case "sync":
		coordinator.Register(intent.NewSyncDispatcher(intentStore, executor))
	default:
		coordinator.Register(intent.NewWorker(intentStore, executor, intent.WorkerConfig{
			PollInterval:           cfg.WorkerPollInterval,
			MaxInFlight:            cfg.MaxInFlight,
			MaxInFlightPerExchange: cfg.MaxInFlightPerExchange,
		}))
	}
	coordinator.Register(rewardService)

	if err := coordinator.Start(context.Background()); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start tick coordinator")
	}

	// Reconciliation auditor runs on its own, slower schedule.
	auditor := reconcile.NewAuditor(
		ledgerService.GetDB(),
		reward.NewDatabase(db),
		intentStore,
		cfg.ReconcileInterval,
		!cfg.ExecutionEnabled,
	)
	auditor.Start()
	reconcileHandlers := reconcile.NewGinHandlers(auditor)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, ledgerHandlers, strategyHandlers, rewardHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	auditor.Stop()
	if err := coordinator.Stop(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Coordinator shutdown reported errors")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Ledger and strategy routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	strategyHandlers *strategy.GinHandlers,
	rewardHandlers *reward.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Ledger routes
		ledgerGroup := v1.Group("/ledger")
		ledgerGroup.Use(middleware.JWTAuth())
		{
			ledgerGroup.POST("/deposits", ledgerHandlers.MutationHandler(ledger.TypeDepositCredit))
			ledgerGroup.POST("/locks", ledgerHandlers.MutationHandler(ledger.TypeLock))
			ledgerGroup.POST("/unlocks", ledgerHandlers.MutationHandler(ledger.TypeUnlock))
			ledgerGroup.POST("/withdrawals", ledgerHandlers.MutationHandler(ledger.TypeWithdrawDebit))
			ledgerGroup.GET("/balances/:user_id/:asset_id", ledgerHandlers.GetBalanceHandler())
			ledgerGroup.GET("/entries/:user_id", ledgerHandlers.GetEntriesHandler())
		}

		// Strategy routes
		strategies := v1.Group("/strategies")
		strategies.Use(middleware.JWTAuth())
		{
			strategies.POST("", strategyHandlers.StartStrategyHandler)
			strategies.POST("/:strategyKey/stop", strategyHandlers.StopStrategyHandler)
			strategies.POST("/:strategyKey/rerun", strategyHandlers.RerunStrategyHandler)
			strategies.POST("/:strategyKey/withdraw", strategyHandlers.PauseAndWithdrawHandler)
			strategies.GET("/:strategyKey/orders", strategyHandlers.OpenOrdersHandler)
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/ledger/pnl", ledgerHandlers.MutationHandler(ledger.TypeRealizedPnL))
			internal.POST("/ledger/fees", ledgerHandlers.MutationHandler(ledger.TypeFeeDebit))
			internal.POST("/ledger/adjustments", ledgerHandlers.MutationHandler(ledger.TypeAdjustment))

			internal.POST("/rewards/observe", rewardHandlers.ObserveRewardHandler)
			internal.POST("/rewards/shares/mint", rewardHandlers.MintSharesHandler)
			internal.POST("/rewards/shares/burn", rewardHandlers.BurnSharesHandler)
			internal.POST("/rewards/:rewardId/allocate", rewardHandlers.AllocateRewardHandler)
			internal.GET("/rewards/:rewardId/allocations", rewardHandlers.GetAllocationsHandler)

			internal.GET("/reconcile/report", reconcileHandlers.GetReportHandler)
			internal.POST("/reconcile/run", reconcileHandlers.RunAuditHandler)
		}
	}
}
