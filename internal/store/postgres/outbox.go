package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/infrastructure/redpanda"
)

// OutboxEntry is a custody event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
	DeadLettered  bool
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}
}

// OutboxPublisher publishes one outbox entry
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxObserver receives relay measurements
type OutboxObserver interface {
	OutboxPublished(topic string, err error)
	OutboxPending(n int64)
}

type nopOutboxObserver struct{}

func (nopOutboxObserver) OutboxPublished(string, error) {}
func (nopOutboxObserver) OutboxPending(int64)           {}

// Outbox relays committed custody events to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	observer  OutboxObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, observer OutboxObserver, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopOutboxObserver{}
	}
	defaults := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = defaults.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry inside the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and relaying outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops the processor and waits for the current poll to finish
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox poll failed", zap.Error(err))
			}
			if _, err := o.MoveToDeadLetter(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("dead letter sweep failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch claims up to BatchSize pending entries, publishes them in id order and
// marks the successes. Only the oldest unprocessed entry of each key is claimable, so
// a batch's events reach the topic in sequence order and a dead-lettered event holds
// back everything after it until Requeue.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entries, err := o.claim(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, tx.Commit(ctx)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	blocked := make(map[string]bool)
	published := 0
	for _, entry := range entries {
		if blocked[entry.KafkaKey] {
			continue
		}
		if err := o.processEntry(ctx, tx, entry); err != nil {
			blocked[entry.KafkaKey] = true
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("batch_id", entry.AggregateID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

// claim locks the head entry of each key so concurrent relays never publish the same
// row or overtake an earlier event of the same batch
func (o *Outbox) claim(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error,
		       dead_lettered_at IS NOT NULL
		FROM outbox
		WHERE processed_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND retry_count < $1
		  AND NOT EXISTS (
			SELECT 1 FROM outbox prev
			WHERE prev.kafka_key = outbox.kafka_key
			  AND prev.id < outbox.id
			  AND prev.processed_at IS NULL
		  )
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanOutboxEntry)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return entries, nil
}

func scanOutboxEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	entry := &OutboxEntry{}
	err := row.Scan(
		&entry.ID, &entry.AggregateID, &entry.AggregateType,
		&entry.EventType, &entry.Payload, &entry.KafkaTopic,
		&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		&entry.DeadLettered,
	)
	return entry, err
}

// processEntry publishes a single entry and records the outcome in tx
func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("batch_id", entry.AggregateID),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload)
	o.observer.OutboxPublished(entry.KafkaTopic, err)
	if err != nil {
		span.RecordError(err)
		if _, updateErr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetter is the envelope published for entries that exhausted their retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	BatchID       string          `json:"batch_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and parks them.
// A parked entry stays unprocessed, so later entries of its batch are not relayed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error,
		       dead_lettered_at IS NOT NULL
		FROM outbox
		WHERE processed_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanOutboxEntry)
	if err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}

	var count int64
	for _, entry := range entries {
		dl, _ := json.Marshal(DeadLetter{
			OriginalTopic: entry.KafkaTopic,
			EventType:     entry.EventType,
			BatchID:       entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, dl); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET dead_lettered_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			return count, fmt.Errorf("failed to mark dead letter entry: %w", err)
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("batch_id", entry.AggregateID))
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// Requeue releases the dead-lettered entries of one key for another round of retries
func (o *Outbox) Requeue(ctx context.Context, key string) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		UPDATE outbox
		SET dead_lettered_at = NULL, retry_count = 0, last_error = NULL, updated_at = NOW()
		WHERE kafka_key = $1
		  AND processed_at IS NULL
		  AND dead_lettered_at IS NOT NULL
	`, key)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		o.logger.Info("outbox entries requeued", zap.String("key", key), zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox table. Blocked counts entries waiting behind
// a dead-lettered entry of the same key.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	DeadLettered  int64
	Blocked       int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND dead_lettered_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND dead_lettered_at IS NULL AND retry_count >= $1),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL AND processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND dead_lettered_at IS NULL AND EXISTS (
				SELECT 1 FROM outbox dl
				WHERE dl.kafka_key = outbox.kafka_key
				  AND dl.id < outbox.id
				  AND dl.dead_lettered_at IS NOT NULL
				  AND dl.processed_at IS NULL
			)),
			MIN(created_at) FILTER (WHERE processed_at IS NULL AND dead_lettered_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed,
		&stats.DeadLettered, &stats.Blocked, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	o.observer.OutboxPending(stats.Pending)
	return stats, nil
}
