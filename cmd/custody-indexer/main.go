// Package main provides the custody indexer service entry point.
// Consumes committed custody events, maintains the Redis holdings projection
// and archives batches that reach a terminal status to S3.
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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-pharmatrace/internal/archive"
	"github.com/drfirst/go-pharmatrace/internal/config"
	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/indexer"
	"github.com/drfirst/go-pharmatrace/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/internal/observability/logging"
	"github.com/drfirst/go-pharmatrace/internal/observability/metrics"
	"github.com/drfirst/go-pharmatrace/internal/observability/tracing"
	"github.com/drfirst/go-pharmatrace/internal/store/postgres"
	"github.com/drfirst/go-pharmatrace/pkg/circuitbreaker"
	"github.com/drfirst/go-pharmatrace/pkg/workerpool"
)

const (
	serviceName = "custody-indexer"
	// lagInterval paces the consumer group lag gauge
	lagInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load("9092")
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
		logger.Fatal("Custody indexer failed", zap.Error(err))
	}
	logger.Info("Custody indexer stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required")
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	projection := holdings.NewProjection(redisClient, "")
	if err := projection.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	cbManager := circuitbreaker.NewManager(logger)
	newBreaker := func(name string) (*circuitbreaker.CircuitBreaker, error) {
		cbCfg := circuitbreaker.DefaultConfig(name)
		cbCfg.IsSuccessful = indexer.ExpectedFailure
		cbCfg.OnStateChange = m.BreakerStateChanged
		return cbManager.GetOrCreate(name, cbCfg)
	}
	projectBreaker, err := newBreaker("holdings-redis")
	if err != nil {
		return err
	}

	ixCfg := indexer.Config{
		Projector:      projection,
		ProjectBreaker: projectBreaker,
		Observer:       m,
	}

	var documents indexer.DocumentReader
	// archiving needs the ledger itself to rebuild and verify the full history
	if cfg.Archive.Bucket != "" {
		if cfg.Store.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when ARCHIVE_S3_BUCKET is set")
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		archiver, err := archive.New(ctx, archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			PathStyle: cfg.Archive.PathStyle,
		}, ledger.NewQuery(postgres.NewStore(pool, logger)), logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		if ixCfg.ArchiveBreaker, err = newBreaker("archive-s3"); err != nil {
			return err
		}
		ixCfg.Archiver = archiver
		documents = archiver
		logger.Info("Archiving terminal batches", zap.String("bucket", cfg.Archive.Bucket))
	}
	ix := indexer.New(ixCfg, logger)

	poolCfg := workerpool.DefaultConfig()
	workers := workerpool.New(poolCfg, logger)
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Topics = []string{redpanda.TopicCustodyEvents}
	consumer, err := redpanda.NewConsumer(consumerCfg, ix.Handle, workers, logger)
	if err != nil {
		workers.Stop()
		return fmt.Errorf("create consumer: %w", err)
	}

	reads := indexer.NewReadHandler(projection, documents, logger).Routes()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("GET /positions/", reads)
	mux.Handle("GET /archive/", reads)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !workers.IsHealthy() {
			http.Error(w, "worker pool saturated", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := projection.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.Kafka.Brokers); err != nil {
			http.Error(w, "redpanda not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		consumer.Stop()
		workers.Stop()
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	consumer.Start()
	logger.Info("Custody indexer started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", poolCfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reportLag(gctx, admin, cfg.Kafka.GroupID, m, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		// consumer first so no new work reaches the pool
		if err := consumer.Stop(); err != nil {
			logger.Error("Consumer stop failed", zap.Error(err))
		}
		if err := workers.Stop(); err != nil {
			logger.Error("Worker pool stop failed", zap.Error(err))
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// reportLag refreshes the consumer group lag gauge until ctx is done
func reportLag(ctx context.Context, admin *redpanda.Admin, groupID string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.ConsumerGroupLag(ctx, groupID)
			if err != nil {
				logger.Warn("Consumer group lag unavailable", zap.Error(err))
				continue
			}
			m.ConsumerLag(lag)
		}
	}
}
