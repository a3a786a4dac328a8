package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/internal/config"
	"github.com/ksred/klear-funds/internal/database"
	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/fund"
	"github.com/ksred/klear-funds/internal/ledger"
	"github.com/ksred/klear-funds/internal/settlement"
	"github.com/ksred/klear-funds/internal/trading"
	"github.com/ksred/klear-funds/pkg/middleware"
)

// setupLogging configures pretty console output outside production and the
// global level from configuration
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main wires the venue together and serves the API until interrupted
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	directory, err := fund.NewStaticDirectoryFromConfig(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load fund directory")
	}

	// Event fabric
	outbox, err := events.OpenOutbox(cfg.OutboxPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to open event outbox")
	}
	bus := events.NewBus(events.Options{
		Partitions:  cfg.EventPartitions,
		QueueSize:   cfg.EventQueueSize,
		MaxAttempts: cfg.EventMaxAttempts,
		RetryDelay:  cfg.EventRetryDelay,
		Outbox:      outbox,
	})

	var forwarder *events.KafkaForwarder
	if cfg.KafkaEnabled {
		forwarder = events.NewKafkaForwarder(cfg.KafkaBrokers)
		forwarder.Attach(bus)
	}

	adapter := ledger.NewSimulator(cfg.LedgerMinLatency, cfg.LedgerMaxLatency, cfg.LedgerSuccessRate, cfg.LedgerPermanentRate)

	// Services and handlers
	authService := auth.NewServiceFromConfig(cfg)
	authHandlers := auth.NewGinHandlers(authService)

	tradingService := trading.NewService(db, directory, bus, trading.Options{
		ShardCount: cfg.ShardCount,
		QueueSize:  cfg.ShardQueueSize,
	})
	tradingHandlers := trading.NewGinHandlers(tradingService)

	settlementService := settlement.NewService(db, directory, adapter, bus, settlement.Options{
		FeeRateBps:        cfg.FeeRateBps,
		FeeRecipient:      cfg.FeeRecipient,
		EscrowPeriod:      cfg.EscrowPeriod,
		BatchDelay:        cfg.BatchDelay,
		MaxBatchSize:      cfg.MaxBatchSize,
		LedgerMaxAttempts: cfg.LedgerMaxAttempts,
		LedgerBaseDelay:   cfg.LedgerBaseDelay,
		LedgerTimeout:     cfg.LedgerCallTimeout,
	})
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	settlementService.RegisterSubscriptions(bus)
	tradingService.RegisterSubscriptions(bus)

	// Replay events a previous process journalled but never finished
	if n, err := bus.Recover(context.Background()); err != nil {
		zlog.Error().Err(err).Msg("Failed to recover outbox events")
	} else if n > 0 {
		zlog.Info().Int("events", n).Msg("Recovered outbox events")
	}

	// Create and start settlement processor
	settlementProcessor := settlement.NewProcessor(settlementService, cfg.ProcessorInterval, cfg.StaleSubmission)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go settlementProcessor.Start(processorCtx)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	setupRoutes(router, authService, authHandlers, tradingHandlers, settlementHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	processorCancel()
	tradingService.Close()
	if err := bus.Close(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("Event bus closed with undelivered events, they stay in the outbox")
	}
	settlementService.Close()
	if forwarder != nil {
		if err := forwarder.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close kafka writer")
		}
	}
	if err := outbox.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close outbox")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers. Everything but
// token issue requires a JWT; batch and dispute resolution need elevated roles.
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		tokens := v1.Group("/auth")
		tokens.Use(middleware.RateLimit())
		{
			tokens.POST("/token", authHandlers.GenerateTokenHandler())
		}

		secured := v1.Group("")
		secured.Use(middleware.JWTAuth(authService), middleware.RateLimit())

		orders := secured.Group("/orders")
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
			orders.GET("/:order_id/trades", tradingHandlers.ListOrderTradesHandler())
		}

		secured.GET("/books/:fund_id", tradingHandlers.GetBookHandler())

		settlements := secured.Group("/settlements")
		{
			settlements.GET("", settlementHandlers.ListSettlementsHandler())
			settlements.GET("/:settlement_id", settlementHandlers.GetSettlementHandler())
			settlements.POST("/:settlement_id/retry", settlementHandlers.RetrySettlementHandler())
			settlements.POST("/:settlement_id/escrow", settlementHandlers.DepositEscrowHandler())
			settlements.GET("/:settlement_id/escrow", settlementHandlers.ListEscrowsHandler())
			settlements.POST("/:settlement_id/confirm", settlementHandlers.ConfirmSettlementHandler())
			settlements.POST("/:settlement_id/dispute", settlementHandlers.RaiseDisputeHandler())
			settlements.POST("/:settlement_id/resolve",
				middleware.RequireRole(auth.RoleResolver, auth.RoleAdmin),
				settlementHandlers.ResolveDisputeHandler())
			settlements.POST("/:settlement_id/cancel", settlementHandlers.CancelSettlementHandler())
		}

		secured.POST("/escrow/:escrow_id/release", settlementHandlers.ReleaseEscrowHandler())

		batches := secured.Group("/batches")
		batches.Use(middleware.RequireRole(auth.RoleAdmin))
		{
			batches.POST("", settlementHandlers.CreateBatchHandler())
			batches.GET("/:batch_id", settlementHandlers.GetBatchHandler())
			batches.POST("/:batch_id/execute", settlementHandlers.ExecuteBatchHandler())
		}
	}
}
