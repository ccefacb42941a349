// Package main provides the outbox relay service entry point.
// Publishes committed custody events from the Postgres outbox to Redpanda.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-pharmatrace/internal/config"
	"github.com/drfirst/go-pharmatrace/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmatrace/internal/observability/logging"
	"github.com/drfirst/go-pharmatrace/internal/observability/metrics"
	"github.com/drfirst/go-pharmatrace/internal/observability/tracing"
	"github.com/drfirst/go-pharmatrace/internal/store/postgres"
	"github.com/drfirst/go-pharmatrace/pkg/circuitbreaker"
)

const (
	serviceName = "outbox-relay"
	// maintenanceInterval paces dead-lettering, cleanup and the pending gauge
	maintenanceInterval = 30 * time.Second
	processedRetention  = 24 * time.Hour
)

func main() {
	cfg, err := config.Load("9091")
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
		logger.Fatal("Outbox relay failed", zap.Error(err))
	}
	logger.Info("Outbox relay stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}

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

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("Connected to database")

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		admin.Close()
		return fmt.Errorf("ensure topics: %w", err)
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("Connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	cbManager := circuitbreaker.NewManager(logger)
	cbCfg := circuitbreaker.DefaultConfig("redpanda-producer")
	cbCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := cbManager.GetOrCreate(cbCfg.Name, cbCfg)
	if err != nil {
		return err
	}

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries
	outbox := postgres.NewOutbox(pool, &breakerPublisher{breaker: breaker, producer: producer}, outboxCfg, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"breakers":%d}`, serviceName, len(cbManager.GetHealthStatus()))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	// operator hook: releases a batch whose head event was dead-lettered
	mux.HandleFunc("POST /requeue", func(w http.ResponseWriter, r *http.Request) {
		batchID := r.URL.Query().Get("batch_id")
		if batchID == "" {
			http.Error(w, "batch_id is required", http.StatusBadRequest)
			return
		}
		n, err := outbox.Requeue(r.Context(), batchID)
		if err != nil {
			logger.Error("Requeue failed", zap.String("batch_id", batchID), zap.Error(err))
			http.Error(w, "requeue failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"batch_id":%q,"requeued":%d}`, batchID, n)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	outbox.Start()
	logger.Info("Outbox relay started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		maintain(gctx, outbox, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		outbox.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// maintain periodically dead-letters exhausted entries, prunes published
// ones and refreshes the pending gauge
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
				logger.Error("Dead-letter pass failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("Outbox entries dead-lettered", zap.Int64("count", n))
			}
			if _, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
				logger.Error("Outbox cleanup failed", zap.Error(err))
			}
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Error("Outbox stats failed", zap.Error(err))
				continue
			}
			if stats.DeadLettered > 0 {
				logger.Warn("Batches held back by dead-lettered events",
					zap.Int64("dead_lettered", stats.DeadLettered),
					zap.Int64("blocked", stats.Blocked))
			}
		}
	}
}

// breakerPublisher guards the producer with a circuit breaker
type breakerPublisher struct {
	breaker  *circuitbreaker.CircuitBreaker
	producer *redpanda.Producer
}

func (p *breakerPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.producer.ProduceMessage(ctx, topic, key, value)
	})
}
