package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lumachat/internal/database/boltstore"
	"lumachat/internal/handlers"
	"lumachat/internal/metrics"
	"lumachat/internal/notify"
	"lumachat/internal/risk"
	"lumachat/internal/routing"
	"lumachat/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Lumachat risk service")

	// Get port from env or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "18920"
	}

	// Optional distributed tracing (OTLP over HTTP)
	if os.Getenv("TRACING_ENABLED") == "true" {
		tp, err := tracing.Init(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
		log.Info().Msg("Tracing initialized")
	}

	// Initialize BoltDB store for the risk ledger and message index
	dbPath := os.Getenv("LUMACHAT_DB_PATH")
	if dbPath == "" {
		// Default to XDG data directory or home directory for development
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to get home directory")
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
		dbPath = filepath.Join(dataDir, "lumachat", "risk.db")
	}

	store, err := boltstore.Open(boltstore.Options{
		Path: dbPath,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer store.Close()

	log.Info().Str("path", dbPath).Msg("Database opened")

	// Get specialized stores
	riskStore := store.RiskStore()
	messageStore := store.MessageStore()

	// Level-change push hub for connected clients
	hub := notify.NewHub()

	// Risk engine with the profile cache and worker pool
	engine := risk.NewEngine(riskStore, messageStore, hub, risk.DefaultConfig())
	defer engine.Close()

	stopSweeper := engine.StartIgnoreSweeper(10 * time.Minute)
	defer stopSweeper()
	log.Info().Msg("Risk engine initialized with background ignore sweeper")

	// Periodic gauge collection for ledger and index sizes
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	metrics.StartCollector(collectorCtx, metrics.StatsSource{
		DecisionCount: func() int { return store.BucketCount(boltstore.BucketRiskDecisions) },
		AppealCount:   func() int { return store.BucketCount(boltstore.BucketRiskAppeals) },
		AttemptCount:  func() int { return store.BucketCount(boltstore.BucketRiskAttempts) },
		IgnoreCount:   func() int { return store.BucketCount(boltstore.BucketRiskIgnores) },
		MessageCount:  func() int { return store.BucketCount(boltstore.BucketChatMessages) },
	}, time.Minute)

	// Initialize handlers with all dependencies via constructor injection
	h := handlers.NewHandler(engine, messageStore)

	// Setup router with middleware
	handler := routing.SetupRouter(routing.Config{
		Handlers: h,
		Hub:      hub,
		Logger:   log.Logger,
	})

	server := &http.Server{
		Addr:    "0.0.0.0:" + port,
		Handler: handler,
	}

	go func() {
		log.Info().
			Str("address", server.Addr).
			Str("url", "http://localhost:"+port).
			Str("database", dbPath).
			Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for shutdown signal, then drain in-flight requests
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
