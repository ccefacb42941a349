package ledger

import (
	"context"
	"iter"
)

// Reader is the read side of a store. Reads never observe a partially applied mutation.
type Reader interface {
	// Snapshot returns the batch and its latest event as of one committed state
	Snapshot(ctx context.Context, batchID string) (Record, bool, error)
	// History yields events in ascending sequence order. Each range re-reads
	// the store; an unknown batch yields nothing.
	History(ctx context.Context, batchID string) iter.Seq2[CustodyEvent, error]
}

// Tx is one atomic unit of work over the batch store and the custody ledger.
// Nothing done through a Tx is visible until RunInTx commits it.
type Tx interface {
	Get(batchID string) (Batch, bool, error)
	// Create inserts b, failing with ErrAlreadyExists if the id is taken
	Create(b Batch) error
	UpdateOwner(batchID string, owner Identity) error
	UpdateStatus(batchID string, status Status) error
	// Append seals ev after the batch's current head and stores it, returning its sequence
	Append(ev *CustodyEvent) (uint64, error)
}

// Store persists batches and their custody ledgers
type Store interface {
	Reader
	// RunInTx runs fn in a transaction scoped to batchID and commits if fn
	// returns nil. On any error nothing is applied.
	RunInTx(ctx context.Context, batchID string, fn func(tx Tx) error) error
}

// CollectHistory drains a history sequence into a slice
func CollectHistory(seq iter.Seq2[CustodyEvent, error]) ([]CustodyEvent, error) {
	var events []CustodyEvent
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
