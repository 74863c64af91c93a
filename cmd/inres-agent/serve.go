package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/inreslabs/inres-agent/internal/audit"
	"github.com/inreslabs/inres-agent/internal/auth"
	"github.com/inreslabs/inres-agent/internal/config"
	"github.com/inreslabs/inres-agent/internal/gateway"
	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/mcp"
	"github.com/inreslabs/inres-agent/internal/metrics"
	"github.com/inreslabs/inres-agent/internal/ratelimit"
	"github.com/inreslabs/inres-agent/internal/sessionstore"
	"github.com/inreslabs/inres-agent/internal/store"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent gateway server",
		Long: `Start the agent gateway server.

The server will:
1. Load configuration from the file plus environment overrides
2. Connect to Postgres (persistence, audit) and Redis (rate limit, sessions)
3. Initialize the LLM provider and the external tool server pool
4. Serve /ws/stream, /healthz, and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config discovery (env only)
  inres-agent serve

  # Start with a config file
  inres-agent serve --config /etc/inres/agent.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Postgres backs both the conversation store and the audit sink. The
	// server runs without it, logging durability failures instead.
	var db *sql.DB
	var convStore gateway.ConversationStore
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping database: %w", err)
		}

		pg, err := store.NewPostgresStoreWithDB(db)
		if err != nil {
			return fmt.Errorf("prepare store: %w", err)
		}
		convStore = pg
		logger.Info("database connected")
	} else {
		logger.Warn("no database_url configured, transcript persistence disabled")
	}

	// Redis backs cross-instance state. Without it the limiter and session
	// registry are skipped; single-instance deployments still work.
	var redisClient redis.UniversalClient
	var limiter gateway.RateLimiter
	var sessions *sessionstore.Registry
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		limiter = ratelimit.NewLimiter(redisClient, ratelimit.Config{
			Limit:   cfg.AIRateLimit,
			Enabled: true,
		}, logger)
		sessions = sessionstore.NewRegistry(redisClient, 0)
		logger.Info("redis connected", "rate_limit", cfg.AIRateLimit)
	} else {
		logger.Warn("no redis_url configured, rate limiting and session registry disabled")
	}

	auditLogger := audit.NewLogger(cfg.Audit, logger, db)
	defer auditLogger.Close()

	m := metrics.New()

	pool := mcp.NewPool(mcp.PoolConfig{
		MaxGlobal:   cfg.MaxGlobalMCPServers,
		MaxPerUser:  cfg.MaxMCPServersPerUser,
		IdleTimeout: cfg.MCPIdleTimeout(),
	}, logger, m.LiveToolServers)

	streamer, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.AnthropicAPIKey,
		BaseURL: cfg.AnthropicBaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	planner, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.AnthropicAPIKey,
		BaseURL: cfg.AnthropicBaseURL,
		Model:   cfg.PlanModel,
	})
	if err != nil {
		return fmt.Errorf("create planner provider: %w", err)
	}

	gw := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Auth:     auth.NewJWTService(cfg.JWTSecret, 0),
		Streamer: streamer,
		Planner:  planner,
		Pool:     pool,
		Limiter:  limiter,
		Sessions: sessions,
		Store:    convStore,
		Audit:    auditLogger,
		Metrics:  m,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "mcp_servers", len(cfg.MCPServers))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	pool.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
