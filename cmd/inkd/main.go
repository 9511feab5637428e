// inkd - Local authoring sidecar for the Inkwell desktop app.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/inkwell-labs/inkd/internal/api"
	"github.com/inkwell-labs/inkd/internal/authoring"
	"github.com/inkwell-labs/inkd/internal/config"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/middleware"
	"github.com/inkwell-labs/inkd/internal/runner"
	"github.com/inkwell-labs/inkd/internal/store"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting sidecar", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to the task runner (optional). The sidecar still serves state
	// and revision history without it; submits report the runner as down.
	// bridge and feed stay nil interfaces when the dial fails.
	var bridge runner.Submitter
	var feed runner.EventSource
	client, err := runner.Dial(ctx, runner.ClientConfig{URL: cfg.RunnerURL}, logger)
	if err != nil {
		slog.Warn("Task runner unreachable, authoring disabled", "error", err)
	} else {
		defer client.Close()
		bridge = client
		feed = client
	}

	bus := taskbus.New(feed, taskbus.Options{
		EvictDelay:  cfg.Events.EvictDelay,
		JournalSize: cfg.Events.JournalSize,
		Logger:      logger,
	})
	defer bus.Close()

	deps := entitytask.Deps{Bus: bus, Bridge: bridge, Logger: logger}
	trackerCfg := authoring.Config{
		Repo:         repo,
		OpTimeout:    cfg.OpTimeout,
		MaxIdle:      cfg.MaxIdle,
		MaxRevisions: cfg.MaxRevisions,
	}
	writer := authoring.NewWriter(deps, trackerCfg)
	defer writer.Close()
	enhance := authoring.NewEnhance(deps, trackerCfg)
	defer enhance.Close()

	handler := api.NewHandler(writer, enhance, repo, bus, cfg)
	defer handler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	handler.RegisterRoutes(r)

	// Create server. The sidecar binds loopback only; the renderer is the
	// sole intended client.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         "127.0.0.1:" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start revision retention worker.
	store.StartRetentionWorker(ctx, repo, cfg.RevisionMaxAge)

	// Start server.
	go func() {
		slog.Info("Sidecar listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Sidecar stopped successfully")
}

// corsOrigins translates the single-origin config into the middleware's
// list form. Empty means any origin, the development default.
func corsOrigins(cfg *config.Config) []string {
	if cfg.AllowedOrigin == "" {
		return nil
	}
	return []string{cfg.AllowedOrigin}
}
