package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Operation names a mutating engine operation
type Operation string

const (
	OpCreate       Operation = "create_batch"
	OpTransfer     Operation = "transfer_batch"
	OpUpdateStatus Operation = "update_status"
)

// Observer receives engine measurements
type Observer interface {
	OperationCompleted(op Operation, err error, elapsed time.Duration)
	LockWaited(wait time.Duration)
	LockBusy()
}

type nopObserver struct{}

func (nopObserver) OperationCompleted(Operation, error, time.Duration) {}
func (nopObserver) LockWaited(time.Duration)                          {}
func (nopObserver) LockBusy()                                         {}

// Config holds engine configuration
type Config struct {
	// LockTimeout is the longest a single attempt waits for the batch lock
	LockTimeout time.Duration
	// BusyRetries is the number of lock or commit attempts before ErrBusy surfaces
	BusyRetries uint
	// BusyBackoff is the initial backoff between attempts
	BusyBackoff time.Duration
	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time
	// Observer receives metrics; defaults to a no-op
	Observer Observer
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LockTimeout: DefaultLockTimeout,
		BusyRetries: 3,
		BusyBackoff: 50 * time.Millisecond,
		Clock:       time.Now,
	}
}

// Engine applies create, transfer and status operations atomically against a Store
type Engine struct {
	store  Store
	guard  *Guard
	locks  *LockTable
	cfg    Config
	obs    Observer
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a transition engine over store
func NewEngine(store Store, guard *Guard, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewGuard(PolicyOwnerOrRegulator)
	}
	defaults := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}
	if cfg.BusyRetries == 0 {
		cfg.BusyRetries = defaults.BusyRetries
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = defaults.BusyBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Engine{
		store:  store,
		guard:  guard,
		locks:  NewLockTable(),
		cfg:    cfg,
		obs:    obs,
		logger: logger,
		tracer: otel.Tracer("ledger-engine"),
	}
}

// Guard returns the engine's authorization guard
func (e *Engine) Guard() *Guard { return e.guard }

// CreateBatch registers a new batch held by requester and records its creation event
func (e *Engine) CreateBatch(ctx context.Context, requester Identity, req CreateBatchRequest) (TxRef, error) {
	if err := req.Validate(); err != nil {
		return TxRef{}, err
	}
	if requester == "" {
		return TxRef{}, fmt.Errorf("%w: requester", ErrMissingField)
	}

	return e.execute(ctx, OpCreate, req.BatchID, func(tx Tx, now time.Time) (*CustodyEvent, error) {
		if _, exists, err := tx.Get(req.BatchID); err != nil {
			return nil, err
		} else if exists {
			return nil, ErrAlreadyExists
		}
		if err := e.guard.Authorize(nil, requester, ActionCreate); err != nil {
			return nil, err
		}

		batch := Batch{
			ID:           req.BatchID,
			DrugName:     req.DrugName,
			DosageForm:   req.DosageForm,
			Strength:     req.Strength,
			Manufacturer: req.Manufacturer,
			MfgDate:      req.MfgDate.UTC().Truncate(time.Second),
			ExpDate:      req.ExpDate.UTC().Truncate(time.Second),
			CurrentOwner: requester,
			Status:       StatusActive,
			CreatedAt:    now,
		}
		if err := tx.Create(batch); err != nil {
			return nil, err
		}

		note := req.Note
		if note == "" {
			note = "batch created"
		}
		return &CustodyEvent{
			BatchID:   req.BatchID,
			Kind:      EventCreated,
			To:        requester,
			Status:    StatusActive,
			Timestamp: now,
			Location:  req.FirstLocation,
			Note:      note,
		}, nil
	})
}

// TransferBatch moves custody from the current holder to req.To
func (e *Engine) TransferBatch(ctx context.Context, req TransferRequest) (TxRef, error) {
	if strings.TrimSpace(req.BatchID) == "" {
		return TxRef{}, fmt.Errorf("%w: batch_id", ErrMissingField)
	}
	if strings.TrimSpace(string(req.To)) == "" {
		return TxRef{}, fmt.Errorf("%w: to", ErrMissingField)
	}

	return e.execute(ctx, OpTransfer, req.BatchID, func(tx Tx, now time.Time) (*CustodyEvent, error) {
		batch, ok, err := tx.Get(req.BatchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		if err := e.guard.Authorize(&batch, req.Requester, ActionTransfer); err != nil {
			return nil, err
		}
		if batch.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrBatchTerminal, batch.Status)
		}
		if req.To == batch.CurrentOwner {
			return nil, ErrSameOwner
		}

		if err := tx.UpdateOwner(batch.ID, req.To); err != nil {
			return nil, err
		}
		return &CustodyEvent{
			BatchID:   batch.ID,
			Kind:      EventTransferred,
			From:      batch.CurrentOwner,
			To:        req.To,
			Status:    batch.Status,
			Timestamp: now,
			Location:  req.Location,
			Note:      req.Note,
		}, nil
	})
}

// UpdateStatus moves an active batch into Recalled or Dispensed
func (e *Engine) UpdateStatus(ctx context.Context, req StatusRequest) (TxRef, error) {
	if strings.TrimSpace(req.BatchID) == "" {
		return TxRef{}, fmt.Errorf("%w: batch_id", ErrMissingField)
	}
	if !req.Status.Valid() {
		return TxRef{}, fmt.Errorf("%w: %d", ErrUnknownStatus, req.Status)
	}

	return e.execute(ctx, OpUpdateStatus, req.BatchID, func(tx Tx, now time.Time) (*CustodyEvent, error) {
		batch, ok, err := tx.Get(req.BatchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		if err := e.guard.Authorize(&batch, req.Requester, ActionUpdateStatus); err != nil {
			return nil, err
		}
		if !batch.Status.CanTransitionTo(req.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, batch.Status, req.Status)
		}

		if err := tx.UpdateStatus(batch.ID, req.Status); err != nil {
			return nil, err
		}
		note := req.Note
		if note == "" {
			note = fmt.Sprintf("status changed to %s by %s", req.Status, req.Requester)
		}
		return &CustodyEvent{
			BatchID:   batch.ID,
			Kind:      EventStatusChanged,
			From:      batch.CurrentOwner,
			To:        batch.CurrentOwner,
			Status:    req.Status,
			Timestamp: now,
			Note:      note,
		}, nil
	})
}

// transition computes the store mutation and the event describing it
type transition func(tx Tx, now time.Time) (*CustodyEvent, error)

// execute runs fn under the batch lock inside one store transaction
func (e *Engine) execute(ctx context.Context, op Operation, batchID string, fn transition) (ref TxRef, err error) {
	ctx, span := e.tracer.Start(ctx, string(op),
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	start := time.Now()
	defer func() {
		e.obs.OperationCompleted(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			if !IsDomainError(err) {
				span.SetStatus(codes.Error, err.Error())
			}
		}
	}()

	release, err := e.acquire(ctx, batchID)
	if err != nil {
		return TxRef{}, err
	}
	defer release()

	// Abandoned before the transaction opened: nothing to undo
	if err := ctx.Err(); err != nil {
		return TxRef{}, err
	}

	// Once entered, a transaction runs to commit or rollback regardless of the caller.
	// A store that detects a concurrent commit by another writer reports ErrBusy
	// after rolling back, and the whole transition is re-evaluated on fresh state.
	txCtx := context.WithoutCancel(ctx)
	ref, err = backoff.Retry(ctx, func() (TxRef, error) {
		var ref TxRef
		err := e.store.RunInTx(txCtx, batchID, func(tx Tx) error {
			now := e.cfg.Clock().UTC().Truncate(time.Second)
			ev, err := fn(tx, now)
			if err != nil {
				return err
			}
			seq, err := tx.Append(ev)
			if err != nil {
				return err
			}
			ref = TxRef{BatchID: batchID, Sequence: seq, Hash: ev.Hash}
			return nil
		})
		if errors.Is(err, ErrBusy) {
			e.logger.Debug("ledger commit conflict, retrying", zap.String("batch_id", batchID))
			return TxRef{}, err
		}
		if err != nil {
			return TxRef{}, backoff.Permanent(err)
		}
		return ref, nil
	}, backoff.WithBackOff(e.busyBackOff()), backoff.WithMaxTries(e.cfg.BusyRetries))
	if err != nil {
		if errors.Is(err, ErrStorageFault) {
			e.logger.Error("ledger commit failed",
				zap.String("op", string(op)),
				zap.String("batch_id", batchID),
				zap.Error(err))
		}
		return TxRef{}, err
	}

	span.SetAttributes(
		attribute.Int64("sequence", int64(ref.Sequence)),
		attribute.String("tx_hash", ref.Hash.Hex()))
	e.logger.Debug("ledger commit",
		zap.String("op", string(op)),
		zap.String("batch_id", batchID),
		zap.Uint64("sequence", ref.Sequence),
		zap.String("tx_hash", ref.Hash.Hex()))
	return ref, nil
}

// acquire takes the batch lock, retrying ErrBusy with bounded exponential backoff
func (e *Engine) acquire(ctx context.Context, batchID string) (func(), error) {
	start := time.Now()

	release, err := backoff.Retry(ctx, func() (func(), error) {
		release, err := e.locks.Acquire(ctx, batchID, e.cfg.LockTimeout)
		if err != nil {
			if errors.Is(err, ErrBusy) {
				e.obs.LockBusy()
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return release, nil
	}, backoff.WithBackOff(e.busyBackOff()), backoff.WithMaxTries(e.cfg.BusyRetries))
	if err != nil {
		if errors.Is(err, ErrBusy) {
			e.logger.Warn("batch lock contention",
				zap.String("batch_id", batchID),
				zap.Duration("waited", time.Since(start)))
		}
		return nil, err
	}

	e.obs.LockWaited(time.Since(start))
	return release, nil
}

func (e *Engine) busyBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BusyBackoff
	bo.MaxInterval = 10 * e.cfg.BusyBackoff
	return bo
}
