package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/superseed-odyssey/colony-engine/internal/auction"
	"github.com/superseed-odyssey/colony-engine/internal/combat"
	"github.com/superseed-odyssey/colony-engine/internal/gateway"
	"github.com/superseed-odyssey/colony-engine/internal/leaderboard"
	"github.com/superseed-odyssey/colony-engine/internal/ledger"
	"github.com/superseed-odyssey/colony-engine/internal/loan"
	"github.com/superseed-odyssey/colony-engine/internal/metrics"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"

	// defaultSQLitePath keeps a bare start durable: rounds, bids, and
	// vaults must survive a restart.
	defaultSQLitePath = "colony.db"
)

// storeBackend picks the storage backend from the environment: DATABASE_URL
// wins, COLONY_DB selects a SQLite path (or "memory" for the ephemeral dev
// store), and an empty environment falls back to SQLite at the default path.
func storeBackend(databaseURL, colonyDB string) (backend, dsn string) {
	switch {
	case databaseURL != "":
		return backendPostgres, databaseURL
	case colonyDB == backendMemory:
		return backendMemory, ""
	case colonyDB != "":
		return backendSQLite, colonyDB
	default:
		return backendSQLite, defaultSQLitePath
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	backend, dsn := storeBackend(os.Getenv("DATABASE_URL"), os.Getenv("COLONY_DB"))
	switch backend {
	case backendPostgres:
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case backendMemory:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()

	default:
		db, err := store.OpenSQLite(dsn)
		if err != nil {
			slog.Error("sqlite open failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { db.Close() })
		st = db
		slog.Info("using SQLite store", "path", dsn)
	}

	// Wrap with Redis read-through cache if configured.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := gateway.NewHub(logger)
	go hub.Run()

	// --- Engines ---
	locks := userlock.NewMap()
	clock := scheduler.Real{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	board := leaderboard.NewEngine(st, hub, clock, logger)
	led := ledger.NewService(st, locks, hub, board, clock, logger)
	loans := loan.NewEngine(st, locks, hub, board, clock, logger)
	auc := auction.NewEngine(st, locks, hub, board, clock, auction.DefaultInterval, rng, logger)
	cmb := combat.NewResolver(st, locks, hub, board, rng.Float64, logger)

	if err := auc.Load(context.Background()); err != nil {
		slog.Error("auction restore failed", "err", err)
		os.Exit(1)
	}

	gw := gateway.New(hub, led, loans, auc, board, cmb, logger)

	// --- Background jobs ---
	jobCtx, stopJobs := context.WithCancel(context.Background())
	sched := scheduler.New(logger)
	sched.Every(jobCtx, "auction_tick", time.Second, auc.Tick)
	sched.Every(jobCtx, "interest_accrual", time.Hour, loans.AccrueInterest)
	sched.Every(jobCtx, "interest_distribution", 4*time.Hour, loans.DistributePool)
	sched.Every(jobCtx, "vault_auto_repay", 4*time.Hour, loans.AutoRepay)
	sched.Every(jobCtx, "ranking_boost", time.Hour, board.ApplyPeriodicBoost)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"colony-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", gw.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("colony-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopJobs()
	sched.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down colony-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("colony-engine stopped")
}
