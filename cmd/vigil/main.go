package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/serenline/vigil/internal/auth"
	"github.com/serenline/vigil/internal/config"
	"github.com/serenline/vigil/internal/escalation"
	"github.com/serenline/vigil/internal/ingest"
	"github.com/serenline/vigil/internal/ratelimit"
	"github.com/serenline/vigil/internal/scoring"
	"github.com/serenline/vigil/internal/server"
	"github.com/serenline/vigil/internal/siren"
	"github.com/serenline/vigil/internal/storage"
	"github.com/serenline/vigil/internal/telemetry"
	"github.com/serenline/vigil/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("VIGIL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("vigil starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Auth: JWT manager and the bootstrap admin.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("auth: hash admin key: %w", err)
		}
		if err := db.SeedAdmin(ctx, hash); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	// Risk scorer and the buffered session ledger writer.
	scorer := scoring.Select(&cfg, logger)
	slog.Info("risk scorer selected", "provider", scorer.Name())

	ledger := ingest.NewLedgerBuffer(db, logger, cfg.LedgerBufferSize, cfg.LedgerFlushTimeout)
	ledger.Start(ctx)

	// Siren controller, with the MQTT forced-delivery path when configured.
	var publisher siren.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqttPub, err := siren.NewMQTTPublisher(cfg.MQTTBrokerURL, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTTopicPrefix, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		publisher = mqttPub
		slog.Info("mqtt siren delivery enabled", "broker", cfg.MQTTBrokerURL)
	}
	sirens := siren.NewController(db, publisher, logger)

	// Escalation engine; re-arm pending-call timers lost to a restart.
	engine := escalation.New(db, sirens, ledger, logger,
		cfg.UnansweredTimeout, cfg.HighRiskWindow, cfg.HighRiskThreshold)
	if err := engine.ReconcilePendingTimers(ctx); err != nil {
		slog.Warn("pending timer reconciliation failed", "error", err)
	}

	ingestSvc := ingest.NewService(db, scorer, ledger, engine, logger,
		cfg.ScorerParallel, cfg.ScorerTimeout)

	// SSE broker needs the dedicated LISTEN/NOTIFY connection.
	var broker *server.Broker
	brokerCtx, brokerCancel := context.WithCancel(context.Background())
	defer brokerCancel()
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go func() {
			if err := broker.Start(brokerCtx); err != nil {
				slog.Error("sse broker stopped", "error", err)
			}
		}()
	} else {
		slog.Warn("NOTIFY_URL not configured, SSE subscriptions disabled")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter()
	} else {
		slog.Warn("rate limiting disabled")
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              engine,
		Ingest:              ingestSvc,
		Sirens:              sirens,
		Ledger:              ledger,
		Broker:              broker,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	srv := server.New(server.ServerConfig{
		Handlers:              handlers,
		JWTMgr:                jwtMgr,
		Logger:                logger,
		Limiter:               limiter,
		Port:                  cfg.Port,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		RequestsPerMinute:     cfg.RateLimitPerMinute,
		AuthRequestsPerMinute: cfg.RateLimitAuthPerMinute,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shut down in dependency order: stop taking requests, finish in-flight
	// scoring, stop timers, stop siren delivery, flush the ledger.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	ingestSvc.Close(shutdownCtx)
	engine.Close()
	sirens.Close(shutdownCtx)
	ledger.Drain(shutdownCtx)
	brokerCancel()

	slog.Info("vigil stopped")
	return nil
}
