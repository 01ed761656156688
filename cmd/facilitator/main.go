package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-spend-gateway/internal/facilitator"
	"agent-spend-gateway/internal/spend"
	"agent-spend-gateway/pkg/api"
	"agent-spend-gateway/pkg/challenge"
	"agent-spend-gateway/pkg/config"
	"agent-spend-gateway/pkg/db"
	"agent-spend-gateway/pkg/delegation"
	"agent-spend-gateway/pkg/logger"
	"agent-spend-gateway/pkg/sui"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger with file output for the facilitator service
	logger.InitWithFileLogging(cfg.LogLevel, logger.Facilitator)

	startupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Facilitator, logger.Startup)
	startupLogger.Info().Msg("Starting Agent Spend Gateway - Facilitator")

	// Initialize database
	database, err := db.NewGatewayDB(cfg.DatabasePath)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	startupLogger.Info().Str("db_path", cfg.DatabasePath).Msg("Database initialized successfully")

	// Challenge signing and issuance
	signer := challenge.NewSigner(cfg.FacilitatorSecret)
	issuer := challenge.NewIssuer(signer, cfg.FacilitatorID, cfg.DefaultNetwork, cfg.DefaultToken, cfg.DefaultMinAmount)
	startupLogger.Info().Str("facilitator_id", cfg.FacilitatorID).Msg("Challenge issuer initialized")

	// Initialize the Sui TransactionBuilder when live settlement or on-chain
	// mirroring is configured
	var suiTxBuilder *sui.TransactionBuilder
	if cfg.LiveSettlement || cfg.MirroringConfigured() {
		suiTxBuilder, err = sui.NewTransactionBuilder(context.Background(), startupLogger, cfg.SUI.RPCUrl, cfg.SUI.PackageID, cfg.SUI.Mnemonic)
		if err != nil {
			startupLogger.Error().Err(err).Msg("Failed to initialize Sui TransactionBuilder, continuing with simulated settlement")
			suiTxBuilder = nil
		} else {
			startupLogger.Info().
				Str("rpc_url", cfg.SUI.RPCUrl).
				Str("package_id", cfg.SUI.PackageID).
				Msg("Sui TransactionBuilder initialized successfully")
		}
	}

	// Settlement backend selection: live Sui settlement when configured and
	// reachable, simulated deterministic settlement otherwise
	var backend facilitator.SettlementBackend
	if cfg.LiveSettlement && suiTxBuilder != nil {
		backend = facilitator.NewSuiBackend(suiTxBuilder, cfg.SUI.LedgerID)
		startupLogger.Info().Str("ledger_id", cfg.SUI.LedgerID).Msg("Live Sui settlement backend enabled")
	} else {
		backend = &facilitator.SimulatedBackend{}
		startupLogger.Info().Msg("Simulated settlement backend enabled")
	}

	settlementLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Facilitator, logger.Settlement)
	ledger := facilitator.NewLedger(signer, database, backend, settlementLogger)

	// Delegation registry and spend service. Consumption mirroring falls back
	// to off-chain only when the on-chain manager is not configured.
	registry := delegation.NewRegistry(database)

	var mirror spend.ConsumptionMirror
	if cfg.MirroringConfigured() && suiTxBuilder != nil {
		mirror = spend.NewOnChainMirrored(suiTxBuilder, cfg.SUI.DelegationManagerID, cfg.SUI.SettlementRecipient)
		startupLogger.Info().Str("manager_id", cfg.SUI.DelegationManagerID).Msg("On-chain consumption mirroring enabled")
	} else {
		mirror = &spend.OffChainOnly{}
		startupLogger.Info().Msg("Off-chain consumption accounting only")
	}

	spendLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Facilitator, logger.Spend)
	spendService := spend.NewService(registry, database, mirror, spendLogger)

	// Initialize the HTTP service
	service := facilitator.NewService(cfg, database, issuer, ledger, registry, spendService)
	startupLogger.Info().Msg("Facilitator service initialized")

	// Create router
	router := mux.NewRouter()

	// Add middleware
	router.Use(api.RequestLogging)
	router.Use(api.SizeLimit)
	router.Use(api.CORS)

	// Health endpoints
	router.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	router.HandleFunc("/readyz", api.ReadinessCheck(database)).Methods("GET")

	// Payment protocol endpoints
	router.HandleFunc("/challenge", service.HandleIssueChallenge).Methods("POST")
	router.HandleFunc("/verify", service.HandleVerify).Methods("POST")
	router.HandleFunc("/settle", service.HandleSettle).Methods("POST")

	// Delegation endpoints
	router.HandleFunc("/delegations", service.HandleCreateDelegation).Methods("POST")
	router.HandleFunc("/delegations/{delegation_id}", service.HandleGetDelegation).Methods("GET")
	router.HandleFunc("/delegations/{delegation_id}", service.HandleRevokeDelegation).Methods("DELETE")
	router.HandleFunc("/delegations/{delegation_id}/evidence", service.HandleListEvidence).Methods("GET")

	// Billable actions sit behind the payment gate
	runRouter := router.PathPrefix("/runs").Subrouter()
	runRouter.Use(service.PaymentRequired)
	runRouter.HandleFunc("/{action}", service.HandleRun).Methods("POST")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.GetAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		startupLogger.Info().
			Str("address", cfg.GetAddr()).
			Msg("Facilitator server starting")

		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			startupLogger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Start background spend nonce cleanup goroutine
	go cleanupSpendNonces(database, cfg)
	startupLogger.Info().Msg("Background nonce cleanup routine started")

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	<-interrupt
	startupLogger.Info().Msg("Shutdown signal received")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		startupLogger.Error().Err(err).Msg("Server shutdown error")
	}

	startupLogger.Info().Msg("Facilitator server stopped")

	// Clean up old log files (keep last 7 days)
	if err := logger.CleanupOldLogs(7); err != nil {
		startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
	}
}

func cleanupSpendNonces(database *db.GatewayDB, cfg *config.Config) {
	cleanupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Facilitator, logger.General)

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		olderThan := time.Now().Add(-cfg.GetNonceRetention())
		if err := database.CleanupOldSpendNonces(olderThan); err != nil {
			cleanupLogger.Error().Err(err).Msg("Failed to cleanup old spend nonces")
		} else {
			cleanupLogger.Debug().Msg("Cleaned up old spend nonces")
		}
	}
}
