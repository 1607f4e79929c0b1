package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/nagare/internal/config"
	"github.com/ashita-ai/nagare/internal/dispatch"
	"github.com/ashita-ai/nagare/internal/executor"
	"github.com/ashita-ai/nagare/internal/mcp"
	"github.com/ashita-ai/nagare/internal/server"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// The level var starts at Info and is re-set from config once it
	// loads, so startup logging works before the env is parsed.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(cfg.SlogLevel())

	slog.Info("nagare starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Select storage: Postgres when a DSN is configured, SQLite otherwise.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
		logger.Info("storage: postgres")
	} else {
		sq, err := storage.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		store = sq
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	}
	defer func() { _ = store.Close(context.Background()) }()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("workflows: %w", err)
	}

	// Seed accounts for all configured workflow owners so owner resolution
	// succeeds on the first webhook.
	for _, email := range cfg.OwnerEmails {
		if _, err := store.EnsureAccount(ctx, email); err != nil {
			return fmt.Errorf("seed account %s: %w", email, err)
		}
	}

	signer := dispatch.NewSigner(cfg.DispatchSigningKey)
	exec := executor.New(store, registry, cfg.Secrets, logger)

	queue := dispatch.NewHTTPQueue(cfg.WorkerBaseURL, signer, logger, cfg.DispatchMaxRetries)
	relay := dispatch.NewRelay(store, queue, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	relay.Start(ctx)

	mcpSrv := mcp.New(store, registry, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Registry:            registry,
		Executor:            exec,
		Signer:              signer,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown: stop accepting HTTP first (in-flight webhooks
		// may still write outbox entries), then drain the relay.
		slog.Info("nagare shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := srv.Shutdown(httpCtx)
		httpCancel()

		relayCtx, relayCancel := context.WithTimeout(context.Background(), 10*time.Second)
		relay.Drain(relayCtx)
		relayCancel()

		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("nagare stopped")
	return nil
}
