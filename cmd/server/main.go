package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/config"
	"github.com/pxb/pool-engine/internal/metrics"
	"github.com/pxb/pool-engine/internal/model"
	"github.com/pxb/pool-engine/internal/pool"
	"github.com/pxb/pool-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pgPool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		st = store.NewPostgresStore(pgPool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("storage.database_url not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		seedPoolConfig(ms, cfg.Pool)
		st = ms
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pool service ---
	poolSvc := pool.NewService(st, nil)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/pool", func(r chi.Router) {
		// Pool operations.
		r.Post("/deposit", poolSvc.Deposit)
		r.Post("/trade", poolSvc.ExecuteTrade)
		r.Post("/withdraw", poolSvc.Withdraw)

		// Queries.
		r.Get("/position/{userID}", poolSvc.GetPosition)
		r.Get("/history/{userID}", poolSvc.GetHistory)
		r.Get("/points/{userID}", poolSvc.GetPoints)
		r.Get("/leaderboard", poolSvc.GetLeaderboard)
		r.Get("/stats", poolSvc.GetStats)

		// Administration.
		r.Get("/config", poolSvc.GetConfig)
		r.Put("/config", poolSvc.UpdateConfig)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pool-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down pool-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pool-engine stopped")
}

// seedPoolConfig writes the configured pool parameters into a fresh
// in-memory store. Persistent stores keep whatever the config row holds.
func seedPoolConfig(ms *store.MemoryStore, p config.PoolConfig) {
	cfg := &model.PoolConfig{
		PoolSize:         decimal.NewFromFloat(p.InitialSize),
		VaultBalance:     decimal.Zero,
		CapMultiplier:    decimal.NewFromFloat(p.CapMultiplier),
		MinimumGuarantee: decimal.NewFromFloat(p.MinimumGuarantee),
		VaultRate:        decimal.NewFromFloat(p.VaultRate),
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid pool defaults", "err", err)
		os.Exit(1)
	}
	if err := ms.UpdatePoolConfig(context.Background(), cfg); err != nil {
		slog.Error("failed to seed pool config", "err", err)
		os.Exit(1)
	}
}

// setupLogger installs the default slog logger per config.
func setupLogger(lc config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(lc.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
