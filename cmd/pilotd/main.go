// pilotd - USSD banking session automation service
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
	"github.com/paxlab/ussd-pilot/internal/actuator"
	"github.com/paxlab/ussd-pilot/internal/api"
	"github.com/paxlab/ussd-pilot/internal/config"
	"github.com/paxlab/ussd-pilot/internal/engine"
	"github.com/paxlab/ussd-pilot/internal/middleware"
	"github.com/paxlab/ussd-pilot/internal/store"
	"github.com/paxlab/ussd-pilot/internal/stream"
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

	slog.Info("Starting pilotd", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Device bridge.
	adbCfg := actuator.DefaultADBConfig()
	adbCfg.Path = cfg.ADB.Path
	adbCfg.Serial = cfg.ADB.Serial
	adbCfg.TargetPackage = cfg.ADB.TargetPackage
	adbCfg.PollInterval = cfg.ADB.PollInterval
	adb := actuator.NewADB(adbCfg, logger)

	if err := adb.Probe(context.Background()); err != nil {
		slog.Warn("Device not reachable at startup, continuing anyway", "error", err)
	} else {
		slog.Info("Device connected", "serial", cfg.ADB.Serial)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go adb.Watch(ctx)
	slog.Info("Screen watcher started", "poll_interval", cfg.ADB.PollInterval)

	// Engine with fan-out to the live stream and the outcome recorder.
	hub := stream.NewHub(logger)
	recorder := store.NewOutcomeRecorder(repo, logger)

	engCfg := engine.DefaultConfig()
	engCfg.ShortCode = cfg.ShortCode
	engCfg.SourceID = cfg.ADB.TargetPackage
	engCfg.DebounceWindow = cfg.Engine.DebounceWindow
	engCfg.SettleDelay = cfg.Engine.SettleDelay
	engCfg.SubmitInterval = cfg.Engine.SubmitInterval
	engCfg.PostInjectDelay = cfg.Engine.PostInjectDelay
	engCfg.SubmitCooldown = cfg.Engine.SubmitCooldown
	engCfg.SessionTimeout = cfg.Engine.SessionTimeout

	eng := engine.New(engCfg, adb, adb, adb, engine.MultiListener(hub, recorder), logger)
	defer eng.Close()
	slog.Info("Automation engine started", "short_code", cfg.ShortCode)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, eng)
	wsHandler := stream.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/stream", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived stream connections
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
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

	slog.Info("Server stopped successfully")
}
