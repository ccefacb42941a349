package ledger

import (
	"context"
	"iter"
	"time"
)

// BatchSnapshot is the read-only projection of a batch's current state
type BatchSnapshot struct {
	Batch
	BatchKey     Hash      `json:"batch_key"`
	Fingerprint  Hash      `json:"fingerprint"`
	HeadSequence uint64    `json:"head_sequence"`
	HeadHash     Hash      `json:"head_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Query serves read-only projections; it never mutates
type Query struct {
	store Reader
}

// NewQuery creates a query service over r
func NewQuery(r Reader) *Query {
	return &Query{store: r}
}

// Exists reports whether batchID has ever been created
func (q *Query) Exists(ctx context.Context, batchID string) (bool, error) {
	_, ok, err := q.store.Snapshot(ctx, batchID)
	return ok, err
}

// GetBatch returns the current snapshot of a batch
func (q *Query) GetBatch(ctx context.Context, batchID string) (BatchSnapshot, error) {
	rec, ok, err := q.store.Snapshot(ctx, batchID)
	if err != nil {
		return BatchSnapshot{}, err
	}
	if !ok {
		return BatchSnapshot{}, ErrNotFound
	}
	return snapshotOf(rec), nil
}

// GetHistory returns the batch's custody events in sequence order.
// ErrNotFound means the batch never existed; an existing batch always has its creation event.
func (q *Query) GetHistory(ctx context.Context, batchID string) (iter.Seq2[CustodyEvent, error], error) {
	ok, err := q.Exists(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return q.store.History(ctx, batchID), nil
}

func snapshotOf(rec Record) BatchSnapshot {
	return BatchSnapshot{
		Batch:        rec.Batch,
		BatchKey:     BatchKey(rec.Batch.ID),
		Fingerprint:  FingerprintBatch(rec.Batch),
		HeadSequence: rec.Head.Sequence,
		HeadHash:     rec.Head.Hash,
		UpdatedAt:    rec.Head.Timestamp,
	}
}
