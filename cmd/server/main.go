// Insight Chat - conversational analytics server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/insight-chat/internal/action"
	"github.com/ashureev/insight-chat/internal/agent"
	"github.com/ashureev/insight-chat/internal/api"
	"github.com/ashureev/insight-chat/internal/config"
	"github.com/ashureev/insight-chat/internal/identity"
	"github.com/ashureev/insight-chat/internal/llm"
	"github.com/ashureev/insight-chat/internal/metadata"
	"github.com/ashureev/insight-chat/internal/middleware"
	"github.com/ashureev/insight-chat/internal/orchestrator"
	"github.com/ashureev/insight-chat/internal/packer"
	"github.com/ashureev/insight-chat/internal/query"
	"github.com/ashureev/insight-chat/internal/router"
	"github.com/ashureev/insight-chat/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	budget := packer.DefaultBudget()
	if cfg.BudgetFile != "" {
		budget, err = packer.LoadBudget(cfg.BudgetFile)
		if err != nil {
			slog.Error("Failed to load token budget file", "path", cfg.BudgetFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Token budget overlay loaded", "path", cfg.BudgetFile)
	}

	lm, err := llm.NewGenAIClient(ctx, llm.GenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize language model client", "error", err)
		os.Exit(1)
	}

	slog.Info("Connecting to query service via gRPC", "address", cfg.Query.Addr)
	queryClient, err := query.NewGrpcClient(query.GrpcClientConfig{
		Address:        cfg.Query.Addr,
		RequestTimeout: cfg.Query.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to query service", "error", err)
		os.Exit(1)
	}
	defer queryClient.Close()

	metadataCache := metadata.NewCache(queryClient, metadata.Config{
		TTL:          cfg.Metadata.TTL,
		MaxStaleness: cfg.Metadata.MaxStaleness,
	}, logger)
	metadata.StartRefreshWorker(ctx, metadataCache, cfg.Metadata.RefreshInterval)
	slog.Info("Metadata refresh worker started", "interval", cfg.Metadata.RefreshInterval)

	history := packer.HistoryLimits{
		MaxBlocks:       cfg.Context.HistoryLimit,
		MaxChars:        cfg.Context.HistoryMaxChars,
		MaxMessageChars: packer.DefaultHistoryLimits().MaxMessageChars,
	}
	temperature := float32(cfg.LLM.Temperature)

	classifier := router.New(lm, budget, router.Config{
		Temperature: 0,
		History:     history,
	}, logger)
	handlers := action.NewSet(action.Deps{
		LLM:      lm,
		Executor: queryClient,
		Metadata: metadataCache,
		Budget:   budget,
		Config: action.Config{
			Temperature:      temperature,
			QueryMaxRows:     cfg.Query.MaxRows,
			AnalysisMaxRows:  cfg.Context.AnalysisMaxRows,
			AnalysisMaxChars: cfg.Context.AnalysisMaxChars,
			History:          history,
		},
		Logger: logger,
	})
	orch := orchestrator.New(repo, classifier, handlers, orchestrator.Config{
		HistoryLimit:    cfg.Context.HistoryLimit,
		MaxMessageChars: cfg.Context.MaxMessageChars,
	}, logger)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	chatHandler := agent.NewHandler(agent.NewService(orch, conversationLogger, cfg.SSE.BufferSize, logger), cfg)
	defer chatHandler.Close()
	historyHandler := api.NewHistoryHandler(api.NewHandler(repo), cfg.Context.HistoryLimit)
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database":      repo,
		"query_service": queryClient,
		"metadata": api.PingFunc(func(ctx context.Context) error {
			_, err := metadataCache.Get(ctx)
			return err
		}),
	}, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else runs under the anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		historyHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
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

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}
