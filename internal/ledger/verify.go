package ledger

import (
	"context"
	"fmt"
)

// Verification reports the result of replaying a batch's history
type Verification struct {
	BatchID      string   `json:"batch_id"`
	Events       int      `json:"events"`
	HeadSequence uint64   `json:"head_sequence"`
	HeadHash     Hash     `json:"head_hash"`
	Owner        Identity `json:"owner"`
	Status       Status   `json:"status"`
	Valid        bool     `json:"valid"`
}

// Verify replays the history of batchID and checks it against the current snapshot:
// sequences contiguous from 0, every hash recomputes, the chain links, timestamps
// never decrease and the replayed holder and status match the batch.
// Events committed after the snapshot was read are ignored.
func (q *Query) Verify(ctx context.Context, batchID string) (Verification, error) {
	rec, ok, err := q.store.Snapshot(ctx, batchID)
	if err != nil {
		return Verification{}, err
	}
	if !ok {
		return Verification{}, ErrNotFound
	}

	v := Verification{BatchID: batchID}
	var prev *CustodyEvent
	for ev, err := range q.store.History(ctx, batchID) {
		if err != nil {
			return Verification{}, err
		}
		if ev.Sequence > rec.Head.Sequence {
			break
		}
		if err := checkLink(prev, ev); err != nil {
			return v, err
		}
		if err := replay(&v, ev); err != nil {
			return v, err
		}
		v.Events++
		v.HeadSequence = ev.Sequence
		v.HeadHash = ev.Hash
		cur := ev
		prev = &cur
	}

	if prev == nil {
		return v, fmt.Errorf("%w: batch %s has no creation event", ErrTampered, batchID)
	}
	if v.HeadHash != rec.Head.Hash {
		return v, fmt.Errorf("%w: head hash %s does not match stored head %s", ErrTampered, v.HeadHash, rec.Head.Hash)
	}
	if v.Owner != rec.Batch.CurrentOwner {
		return v, fmt.Errorf("%w: replayed holder %q, batch holder %q", ErrTampered, v.Owner, rec.Batch.CurrentOwner)
	}
	if v.Status != rec.Batch.Status {
		return v, fmt.Errorf("%w: replayed status %s, batch status %s", ErrTampered, v.Status, rec.Batch.Status)
	}

	v.Valid = true
	return v, nil
}

func checkLink(prev *CustodyEvent, ev CustodyEvent) error {
	if FingerprintEvent(ev) != ev.Hash {
		return fmt.Errorf("%w: event %d hash mismatch", ErrTampered, ev.Sequence)
	}
	if prev == nil {
		if ev.Sequence != 0 || !ev.PrevHash.IsZero() {
			return fmt.Errorf("%w: history does not start at sequence 0", ErrTampered)
		}
		return nil
	}
	if ev.Sequence != prev.Sequence+1 {
		return fmt.Errorf("%w: sequence gap %d -> %d", ErrTampered, prev.Sequence, ev.Sequence)
	}
	if ev.PrevHash != prev.Hash {
		return fmt.Errorf("%w: event %d does not link to %d", ErrTampered, ev.Sequence, prev.Sequence)
	}
	if ev.Timestamp.Before(prev.Timestamp) {
		return fmt.Errorf("%w: event %d timestamp goes backwards", ErrTampered, ev.Sequence)
	}
	return nil
}

// replay applies ev to the running state in v
func replay(v *Verification, ev CustodyEvent) error {
	switch ev.Kind {
	case EventCreated:
		if ev.Sequence != 0 || ev.Status != StatusActive {
			return fmt.Errorf("%w: unexpected creation event at %d", ErrTampered, ev.Sequence)
		}
	case EventTransferred:
		if ev.From != v.Owner || ev.Status != v.Status || v.Status.IsTerminal() {
			return fmt.Errorf("%w: transfer at %d inconsistent with prior state", ErrTampered, ev.Sequence)
		}
	case EventStatusChanged:
		if ev.From != v.Owner || ev.To != v.Owner || !v.Status.CanTransitionTo(ev.Status) {
			return fmt.Errorf("%w: status change at %d inconsistent with prior state", ErrTampered, ev.Sequence)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrTampered, ev.Kind)
	}
	v.Owner = ev.To
	v.Status = ev.Status
	return nil
}
