package ledger_test

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/internal/store/memory"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	engine := newEngine(t, store, ledger.Config{})
	_, err := engine.CreateBatch(ctx, manufacturer, createReq("B1"))
	require.NoError(t, err)
	_, err = engine.TransferBatch(ctx, ledger.TransferRequest{BatchID: "B1", Requester: manufacturer, To: distributor, Location: "Warehouse"})
	require.NoError(t, err)
	_, err = engine.UpdateStatus(ctx, ledger.StatusRequest{BatchID: "B1", Requester: distributor, Status: ledger.StatusDispensed})
	require.NoError(t, err)
	return store
}

func TestQuery_UnknownBatch(t *testing.T) {
	q := ledger.NewQuery(memory.New())
	ctx := context.Background()

	_, err := q.GetBatch(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = q.GetHistory(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = q.Verify(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	ok, err := q.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuery_HistoryReplaysToSnapshot(t *testing.T) {
	store := seededStore(t)
	q := ledger.NewQuery(store)
	ctx := context.Background()

	snap, err := q.GetBatch(ctx, "B1")
	require.NoError(t, err)
	events := history(t, q, "B1")
	require.Len(t, events, 3)

	last := events[len(events)-1]
	assert.Equal(t, snap.CurrentOwner, last.To)
	assert.Equal(t, snap.Status, last.Status)
	assert.Equal(t, snap.HeadSequence, last.Sequence)
	assert.Equal(t, snap.HeadHash, last.Hash)
	assert.Equal(t, ledger.FingerprintBatch(snap.Batch), snap.Fingerprint)

	// reads are repeatable and do not mutate
	again, err := q.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

// tamperedReader rewrites one event of the stored history on the way out
type tamperedReader struct {
	ledger.Reader
	mutate func(*ledger.CustodyEvent)
}

func (r tamperedReader) History(ctx context.Context, batchID string) iter.Seq2[ledger.CustodyEvent, error] {
	return func(yield func(ledger.CustodyEvent, error) bool) {
		for ev, err := range r.Reader.History(ctx, batchID) {
			if err == nil {
				r.mutate(&ev)
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	tests := map[string]func(*ledger.CustodyEvent){
		"rewritten note": func(ev *ledger.CustodyEvent) {
			if ev.Sequence == 1 {
				ev.Note = "never happened"
			}
		},
		"rehashed recipient": func(ev *ledger.CustodyEvent) {
			if ev.Sequence == 1 {
				ev.To = stranger
				ev.Hash = ledger.FingerprintEvent(*ev)
			}
		},
		"broken link": func(ev *ledger.CustodyEvent) {
			if ev.Sequence == 2 {
				ev.PrevHash = ledger.Hash{}
				ev.Hash = ledger.FingerprintEvent(*ev)
			}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			q := ledger.NewQuery(tamperedReader{Reader: store, mutate: mutate})
			v, err := q.Verify(ctx, "B1")
			assert.ErrorIs(t, err, ledger.ErrTampered)
			assert.False(t, v.Valid)
		})
	}

	v, err := ledger.NewQuery(store).Verify(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, distributor, v.Owner)
	assert.Equal(t, ledger.StatusDispensed, v.Status)
}
