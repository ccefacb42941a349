// Package memory provides an in-process ledger store.
// Committed state is copy-on-write so readers never block writers.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

// entry is one committed version of a batch. It is never mutated after publication.
type entry struct {
	batch  ledger.Batch
	events []ledger.CustodyEvent
}

// Store keeps batches and custody ledgers in memory
type Store struct {
	mu      sync.RWMutex
	batches map[string]*entry
}

// New creates an empty memory store
func New() *Store {
	return &Store{batches: make(map[string]*entry)}
}

var _ ledger.Store = (*Store)(nil)

// Snapshot returns the batch and its head event from one committed version
func (s *Store) Snapshot(ctx context.Context, batchID string) (ledger.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, false, err
	}
	e := s.load(batchID)
	if e == nil {
		return ledger.Record{}, false, nil
	}
	return ledger.Record{Batch: e.batch, Head: e.events[len(e.events)-1]}, true, nil
}

// History yields the committed events of batchID. Each range reads the latest version.
func (s *Store) History(ctx context.Context, batchID string) iter.Seq2[ledger.CustodyEvent, error] {
	return func(yield func(ledger.CustodyEvent, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(ledger.CustodyEvent{}, err)
			return
		}
		e := s.load(batchID)
		if e == nil {
			return
		}
		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// RunInTx stages fn's writes and publishes them as a new version if fn succeeds
func (s *Store) RunInTx(ctx context.Context, batchID string, fn func(tx ledger.Tx) error) error {
	base := s.load(batchID)
	tx := &memTx{batchID: batchID, base: base}
	if base != nil {
		tx.batch = base.batch
		tx.exists = true
		head := base.events[len(base.events)-1]
		tx.head = &head
	}

	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}
	if tx.exists && tx.head == nil {
		return fmt.Errorf("%w: batch %s committed without a custody event", ledger.ErrStorageFault, batchID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batches[batchID] != base {
		// Someone committed since this transaction read its base version
		return ledger.ErrBusy
	}
	var events []ledger.CustodyEvent
	if base != nil {
		events = base.events
	}
	s.batches[batchID] = &entry{
		batch:  tx.batch,
		events: append(events, tx.staged...),
	}
	return nil
}

// Len returns the number of stored batches
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

func (s *Store) load(batchID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches[batchID]
}

type memTx struct {
	batchID string
	base    *entry

	batch    ledger.Batch
	exists   bool
	modified bool
	head     *ledger.CustodyEvent
	staged   []ledger.CustodyEvent
}

func (t *memTx) dirty() bool {
	return t.modified || len(t.staged) > 0
}

func (t *memTx) scope(batchID string) error {
	if batchID != t.batchID {
		return fmt.Errorf("%w: transaction for %s cannot touch %s", ledger.ErrStorageFault, t.batchID, batchID)
	}
	return nil
}

func (t *memTx) Get(batchID string) (ledger.Batch, bool, error) {
	if err := t.scope(batchID); err != nil {
		return ledger.Batch{}, false, err
	}
	return t.batch, t.exists, nil
}

func (t *memTx) Create(b ledger.Batch) error {
	if err := t.scope(b.ID); err != nil {
		return err
	}
	if t.exists {
		return ledger.ErrAlreadyExists
	}
	t.batch = b
	t.exists = true
	t.modified = true
	return nil
}

func (t *memTx) UpdateOwner(batchID string, owner ledger.Identity) error {
	if err := t.scope(batchID); err != nil {
		return err
	}
	if !t.exists {
		return ledger.ErrNotFound
	}
	t.batch.CurrentOwner = owner
	t.modified = true
	return nil
}

func (t *memTx) UpdateStatus(batchID string, status ledger.Status) error {
	if err := t.scope(batchID); err != nil {
		return err
	}
	if !t.exists {
		return ledger.ErrNotFound
	}
	t.batch.Status = status
	t.modified = true
	return nil
}

func (t *memTx) Append(ev *ledger.CustodyEvent) (uint64, error) {
	if err := t.scope(ev.BatchID); err != nil {
		return 0, err
	}
	if !t.exists {
		return 0, ledger.ErrNotFound
	}
	ledger.Seal(ev, t.head)
	t.staged = append(t.staged, *ev)
	head := *ev
	t.head = &head
	return ev.Sequence, nil
}
