// Package workerpool provides a bounded, key-sharded worker pool.
// Tasks that share a key always run on the same worker, in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a pool that is shutting down
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the key's queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work. Key selects the worker; an empty key uses ID.
type Task struct {
	ID  string
	Key string
	Run func(ctx context.Context) error
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Key      string
	Attempts int
	Err      error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of shards, one goroutine each
	Workers int
	// QueueSize is the capacity of each worker's queue
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job struct {
	task *Task
	ctx  context.Context
	done chan *Result
}

// Pool runs tasks on a fixed set of workers, sharded by task key
type Pool struct {
	config Config
	logger *zap.Logger

	queues []chan *job
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: cfg,
		logger: logger,
		queues: make([]chan *job, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *job, cfg.QueueSize)
	}
	return p
}

// Start launches all workers
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Shard returns the worker index a key is routed to
func (p *Pool) Shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

// Submit enqueues a task without blocking. The result is discarded.
func (p *Pool) Submit(task *Task) error {
	_, err := p.enqueue(nil, task)
	return err
}

// Dispatch enqueues a task, blocking while its queue is full, and returns a
// channel that receives the result once the task has finished
func (p *Pool) Dispatch(ctx context.Context, task *Task) (<-chan *Result, error) {
	return p.enqueue(ctx, task)
}

// SubmitWait enqueues a task and waits for its result
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	done, err := p.Dispatch(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res, nil
	}
}

// enqueue blocks only when ctx is non-nil
func (p *Pool) enqueue(ctx context.Context, task *Task) (<-chan *Result, error) {
	if task == nil || task.Run == nil {
		return nil, fmt.Errorf("task function is required")
	}
	key := task.Key
	if key == "" {
		key = task.ID
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	j := &job{task: task, ctx: ctx, done: make(chan *Result, 1)}
	if j.ctx == nil {
		j.ctx = p.ctx
	}
	q := p.queues[p.Shard(key)]

	if ctx == nil {
		select {
		case q <- j:
		default:
			return nil, ErrQueueFull
		}
	} else {
		select {
		case q <- j:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrStopped
		}
	}

	atomic.AddInt64(&p.tasksSubmitted, 1)
	atomic.AddInt64(&p.queueDepth, 1)
	return j.done, nil
}

// Stop rejects new tasks and waits for queued ones to drain
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for j := range p.queues[id] {
		atomic.AddInt64(&p.queueDepth, -1)
		res := p.run(j)
		if res.Err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", res.TaskID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		j.done <- res
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// run executes a task with retries and linear backoff
func (p *Pool) run(j *job) *Result {
	res := &Result{TaskID: j.task.ID, Key: j.task.Key}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := j.ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		err := j.task.Run(j.ctx)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err
		if errors.Is(err, ErrPermanent) || attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", j.task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-j.ctx.Done():
			res.Err = j.ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if p.config.MaxRetries > 0 && !errors.Is(res.Err, ErrPermanent) {
		res.Err = fmt.Errorf("task failed after %d attempts: %w", res.Attempts, res.Err)
	}
	return res
}

// ErrPermanent marks a task error that must not be retried; wrap it with %w
var ErrPermanent = errors.New("permanent task failure")

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true while the queues are not backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
