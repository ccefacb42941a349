// Package indexer folds the committed custody event stream into the holdings
// projection and archives batches that reach a terminal status.
package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/pkg/circuitbreaker"
	"github.com/drfirst/go-pharmatrace/pkg/workerpool"
)

// Projector applies one custody event to a read model
type Projector interface {
	Apply(ctx context.Context, ev ledger.CustodyEvent) (holdings.Outcome, error)
}

// Archiver stores the audit document of a terminal batch
type Archiver interface {
	ArchiveBatch(ctx context.Context, batchID string) (key string, created bool, err error)
}

// Observer receives indexer measurements
type Observer interface {
	RecordConsumed()
	ProjectionOutcome(outcome holdings.Outcome, err error)
	ArchiveWritten(created bool, err error)
}

type nopObserver struct{}

func (nopObserver) RecordConsumed()                           {}
func (nopObserver) ProjectionOutcome(holdings.Outcome, error) {}
func (nopObserver) ArchiveWritten(bool, error)                {}

// Config wires the indexer's dependencies. Archiver and the breakers are optional.
type Config struct {
	Projector      Projector
	Archiver       Archiver
	ProjectBreaker *circuitbreaker.CircuitBreaker
	ArchiveBreaker *circuitbreaker.CircuitBreaker
	Observer       Observer
}

// Indexer handles records from the custody events topic
type Indexer struct {
	projector      Projector
	archiver       Archiver
	projectBreaker *circuitbreaker.CircuitBreaker
	archiveBreaker *circuitbreaker.CircuitBreaker
	obs            Observer
	logger         *zap.Logger
}

// New creates an indexer
func New(cfg Config, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Indexer{
		projector:      cfg.Projector,
		archiver:       cfg.Archiver,
		projectBreaker: cfg.ProjectBreaker,
		archiveBreaker: cfg.ArchiveBreaker,
		obs:            obs,
		logger:         logger,
	}
}

// Handle processes one consumed record. Undecodable or forged records are
// reported as permanent failures and skipped; every other error leaves the
// record to be redelivered.
func (ix *Indexer) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ix.obs.RecordConsumed()

	ev, err := redpanda.DecodeCustodyMessage(msg.Value)
	if err != nil {
		ix.logger.Error("Dropping undecodable custody record",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return fmt.Errorf("%w: %w", workerpool.ErrPermanent, err)
	}

	var outcome holdings.Outcome
	err = run(ctx, ix.projectBreaker, func(ctx context.Context) error {
		var applyErr error
		outcome, applyErr = ix.projector.Apply(ctx, ev)
		return applyErr
	})
	ix.obs.ProjectionOutcome(outcome, err)
	if err != nil {
		if errors.Is(err, holdings.ErrOutOfOrder) {
			ix.logger.Warn("Custody event arrived before its predecessor",
				zap.String("batch_id", ev.BatchID),
				zap.Uint64("sequence", ev.Sequence))
		}
		return fmt.Errorf("project %s/%d: %w", ev.BatchID, ev.Sequence, err)
	}

	ix.logger.Debug("Custody event projected",
		zap.String("batch_id", ev.BatchID),
		zap.Uint64("sequence", ev.Sequence),
		zap.String("outcome", string(outcome)))

	if !ev.Status.IsTerminal() || ix.archiver == nil {
		return nil
	}
	return ix.archive(ctx, ev)
}

// archive runs on every delivery of a terminal event; the archive is create-only
func (ix *Indexer) archive(ctx context.Context, ev ledger.CustodyEvent) error {
	var (
		key     string
		created bool
	)
	err := run(ctx, ix.archiveBreaker, func(ctx context.Context) error {
		var archErr error
		key, created, archErr = ix.archiver.ArchiveBatch(ctx, ev.BatchID)
		return archErr
	})
	ix.obs.ArchiveWritten(created, err)

	switch {
	case err == nil:
		if created {
			ix.logger.Info("Terminal batch archived",
				zap.String("batch_id", ev.BatchID),
				zap.String("status", ev.Status.String()),
				zap.String("key", key))
		}
		return nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrTampered):
		ix.logger.Error("Batch cannot be archived",
			zap.String("batch_id", ev.BatchID),
			zap.Error(err))
		return fmt.Errorf("%w: archive %s: %w", workerpool.ErrPermanent, ev.BatchID, err)
	default:
		return fmt.Errorf("archive %s: %w", ev.BatchID, err)
	}
}

func run(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(ctx context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}
	return cb.Execute(ctx, fn)
}

// ExpectedFailure reports errors that say nothing about the health of a
// dependency and must not trip its breaker
func ExpectedFailure(err error) bool {
	return err == nil ||
		errors.Is(err, holdings.ErrOutOfOrder) ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, ledger.ErrTampered) ||
		errors.Is(err, context.Canceled)
}
