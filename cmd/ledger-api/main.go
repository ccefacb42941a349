// Package main provides the ledger API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-pharmatrace/internal/api/handlers"
	"github.com/drfirst/go-pharmatrace/internal/api/middleware"
	"github.com/drfirst/go-pharmatrace/internal/config"
	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/internal/observability/logging"
	"github.com/drfirst/go-pharmatrace/internal/observability/metrics"
	"github.com/drfirst/go-pharmatrace/internal/observability/tracing"
	"github.com/drfirst/go-pharmatrace/internal/store/memory"
	"github.com/drfirst/go-pharmatrace/internal/store/postgres"
	"github.com/drfirst/go-pharmatrace/internal/store/sqlite"
	"github.com/drfirst/go-pharmatrace/pkg/idempotency"
)

const serviceName = "ledger-api"

// backend is the opened ledger store with its lifecycle hooks
type backend struct {
	store ledger.Store
	pool  *pgxpool.Pool // set for the postgres driver only
	ping  func(ctx context.Context) error
	close func()
}

func main() {
	cfg, err := config.Load("8080")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Ledger API failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Enabled = cfg.Tracing.Enabled
	traceCfg.OTLPEndpoint = cfg.Tracing.Endpoint
	traceCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	be, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer be.close()

	guard := ledger.NewGuard(cfg.Ledger.StatusPolicy, cfg.Ledger.Regulators...)
	engineCfg := ledger.DefaultConfig()
	engineCfg.LockTimeout = cfg.Ledger.LockTimeout
	engineCfg.BusyRetries = cfg.Ledger.BusyRetries
	engineCfg.Observer = m
	engine := ledger.NewEngine(be.store, guard, engineCfg, logger)
	query := ledger.NewQuery(be.store)

	var holdingsReader handlers.HoldingsReader
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		holdingsReader = holdings.NewProjection(redisClient, "")
	} else if pg, ok := be.store.(*postgres.Store); ok {
		// without the projection, holdings are read from the committed batches table
		holdingsReader = handlers.HoldingsFunc(pg.BatchesByOwner)
	}

	var inbox handlers.Idempotency
	if be.pool != nil {
		ib := idempotency.NewInbox(be.pool, idempotency.DefaultInboxConfig(), logger)
		ib.StartCleanup()
		defer ib.Stop()
		inbox = ib
	}

	ledgerHandler := handlers.NewLedgerHandler(engine, query, holdingsReader, inbox, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := be.ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", ledgerHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting ledger API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("status_policy", guard.Policy().String()),
			zap.Int("api_keys", len(cfg.APIKeys)))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("Opened SQLite ledger", zap.String("path", cfg.SQLitePath))
		return &backend{store: s, ping: s.Ping, close: func() { s.Close() }}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Connected to database")
		return &backend{store: postgres.NewStore(pool, logger), pool: pool, ping: pool.Ping, close: pool.Close}, nil

	default:
		logger.Warn("Using the in-memory ledger; state is lost on restart")
		return &backend{
			store: memory.New(),
			ping:  func(context.Context) error { return nil },
			close: func() {},
		}, nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
