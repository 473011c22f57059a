// agentdeck - web front end for long-running interactive agent sessions
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

	"github.com/ashureev/agentdeck/internal/api"
	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/coordinator"
	"github.com/ashureev/agentdeck/internal/live"
	"github.com/ashureev/agentdeck/internal/middleware"
	"github.com/ashureev/agentdeck/internal/recipe"
	"github.com/ashureev/agentdeck/internal/secrets"
	"github.com/ashureev/agentdeck/internal/store"
	"github.com/ashureev/agentdeck/web"
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

	slog.Info("Starting server", "port", cfg.Port, "agent", cfg.AgentBin, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, cfg.TranscriptDir, logger)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "db", cfg.DBPath, "transcripts", cfg.TranscriptDir)

	recipes, err := recipe.NewFileStore(cfg.RecipeDir, logger)
	if err != nil {
		slog.Error("Failed to load recipe templates", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := recipes.Close(); closeErr != nil {
			slog.Error("Failed to close recipe store", "error", closeErr)
		}
	}()

	injector := secrets.NewEnvInjector(logger)
	co := coordinator.New(repo, recipes, injector, cfg, logger)

	// Live event fan-out to web clients.
	hub := live.NewHub(logger)
	wsHandler := live.NewWebSocketHandler(co, hub, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(co, recipes, repo, cfg)

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
	r.Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket streams need long-lived writes; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx, co.Events())

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

	// Sessions first, so transcripts capture their final output.
	co.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
