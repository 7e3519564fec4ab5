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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-ledger/internal/api"
	"github.com/atmx/paper-ledger/internal/config"
	"github.com/atmx/paper-ledger/internal/exposure"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/logging"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/oracle"
	"github.com/atmx/paper-ledger/internal/poller"
	"github.com/atmx/paper-ledger/internal/risk"
	"github.com/atmx/paper-ledger/internal/settlement"
	"github.com/atmx/paper-ledger/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("paper-ledger exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("paper-ledger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Ledger ---
	limiter := exposure.NewLimiter(cfg.MaxStake())
	svc := ledger.NewService(st, limiter, ledger.WithLogger(logger))
	if _, err := svc.EnsureDefault(ctx, cfg.Ledger.DefaultProfileName, cfg.InitialBalance()); err != nil {
		return fmt.Errorf("ensure default profile: %w", err)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	svc.Subscribe(wsHub)
	svc.Subscribe(metrics.Observer{})

	// --- Feeds and polling ---
	feed := oracle.New(cfg.Feeds.PriceURL, cfg.Feeds.ResolutionURL,
		oracle.WithRateLimit(cfg.Feeds.RatePerSec, max(1, int(cfg.Feeds.RatePerSec))),
		oracle.WithBatchSize(cfg.Feeds.BatchSize),
		oracle.WithTimeout(cfg.Feeds.FetchTimeout),
		oracle.WithLogger(logger),
	)
	var popts []poller.Option
	popts = append(popts, poller.WithLogger(logger))
	if cfg.SyntheticEnabled() {
		popts = append(popts, poller.WithSynthetic(oracle.NewSynthetic(uint64(time.Now().UnixNano()))))
		logger.Warn("synthetic prices enabled, marks for unpriced markets are simulated")
	}
	var prices oracle.PriceFeed
	if cfg.Feeds.PriceURL != "" {
		prices = feed
	} else {
		logger.Warn("PRICE_FEED_URL not set, live price refresh disabled")
	}
	var settler poller.Settler
	if cfg.Feeds.ResolutionURL != "" {
		settler = settlement.NewReconciler(svc, feed, logger)
	} else {
		logger.Warn("RESOLUTION_FEED_URL not set, automatic settlement disabled")
	}
	coord := poller.New(poller.Config{
		PriceInterval:      cfg.Poller.PriceInterval,
		SettleInterval:     cfg.Poller.SettleInterval,
		SettleInitialDelay: cfg.Poller.SettleInitialDelay,
		FetchTimeout:       cfg.Feeds.FetchTimeout,
	}, svc, prices, risk.NewEngine(svc, logger), settler, popts...)

	// --- HTTP router ---
	handler := api.NewHandler(svc, coord, logger)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard's cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"paper-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger events; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Register(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("paper-ledger listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Graceful shutdown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down paper-ledger...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// openStore builds the configured store, wrapped in the Redis cache when
// REDIS_URL is set. The returned cleanups release connections.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		logger.Info("opened SQLite store", "path", cfg.Store.SQLitePath)

	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL, logger)
		logger.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
	}
	return st, cleanup, nil
}
