package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// RetryDelay is the pause before re-reading a partition after a failed record
	RetryDelay time.Duration
}

// DefaultConsumerConfig returns defaults for the custody indexer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "custody-indexer",
		Topics:            []string{TopicCustodyEvents},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     52428800, // 50MB
		StartOffset:       "earliest",
		RetryDelay:        time.Second,
	}
}

// MessageHandler is called for each consumed message. Returning an error that
// wraps workerpool.ErrPermanent skips the record; any other error re-reads the
// partition from that record on the next poll.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records with manual commits. With a worker pool, records of a
// poll are dispatched by key so one key's records apply in order while
// different keys proceed in parallel.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	errorCount     int64
	rewinds        int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer. pool may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, pool *workerpool.Pool, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConsumerConfig().RetryDelay
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		// only records marked after successful handling are ever committed
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop stops polling, commits marked offsets and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.incrementErrorCount()
			}
			continue
		}

		if c.processFetches(fetches.Records()) {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.RetryDelay):
			}
		}
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

// processFetches handles one poll, commits what succeeded and rewinds each
// partition to its first failed record. It reports whether anything was rewound.
func (c *Consumer) processFetches(records []*kgo.Record) bool {
	if len(records) == 0 {
		return false
	}
	errs := c.dispatch(records)

	failed := make(map[partitionKey]*kgo.Record)
	var commit []*kgo.Record
	for i, r := range records {
		pk := partitionKey{r.Topic, r.Partition}
		if _, ok := failed[pk]; ok {
			continue
		}
		if err := errs[i]; err != nil && !errors.Is(err, workerpool.ErrPermanent) {
			failed[pk] = r
			continue
		}
		commit = append(commit, r)
	}

	if len(commit) > 0 {
		c.client.MarkCommitRecords(commit...)
		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		} else {
			c.mu.Lock()
			c.lastCommitTime = time.Now()
			c.mu.Unlock()
		}
	}
	if len(failed) == 0 {
		return false
	}

	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for pk, r := range failed {
		if rewind[pk.topic] == nil {
			rewind[pk.topic] = make(map[int32]kgo.EpochOffset)
		}
		rewind[pk.topic][pk.partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		c.logger.Warn("rewinding partition",
			zap.String("topic", pk.topic),
			zap.Int32("partition", pk.partition),
			zap.Int64("offset", r.Offset))
	}
	c.client.SetOffsets(rewind)

	c.mu.Lock()
	c.rewinds++
	c.mu.Unlock()
	return true
}

// dispatch runs the handler for every record and returns the per-record errors
func (c *Consumer) dispatch(records []*kgo.Record) []error {
	errs := make([]error, len(records))
	if c.pool == nil {
		for i, r := range records {
			errs[i] = c.processRecord(c.ctx, r)
		}
		return errs
	}

	pending := make([]<-chan *workerpool.Result, len(records))
	for i, r := range records {
		done, err := c.pool.Dispatch(c.ctx, &workerpool.Task{
			ID:  fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset),
			Key: string(r.Key),
			Run: func(ctx context.Context) error { return c.processRecord(ctx, r) },
		})
		if err != nil {
			errs[i] = err
			continue
		}
		pending[i] = done
	}
	for i, done := range pending {
		if done == nil {
			continue
		}
		errs[i] = (<-done).Err
	}
	return errs
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.incrementErrorCount()
		return err
	}

	c.mu.Lock()
	c.messagesRead++
	c.mu.Unlock()
	return nil
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	Rewinds        int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		ErrorCount:     c.errorCount,
		Rewinds:        c.rewinds,
		LastCommitTime: c.lastCommitTime,
	}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
