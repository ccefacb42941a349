// Package postgres provides the PostgreSQL ledger store.
// Every custody event is written together with an outbox row so downstream
// consumers see exactly the committed history.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

const recordQuery = `
	SELECT b.batch_id, b.drug_name, b.dosage_form, b.strength, b.manufacturer,
	       b.mfg_date, b.exp_date, b.current_owner, b.status, b.created_at,
	       e.sequence, e.kind, e.from_id, e.to_id, e.status, e.ts,
	       e.location, e.note, e.prev_hash, e.hash
	FROM batches b
	JOIN custody_events e ON e.batch_id = b.batch_id AND e.sequence = b.head_sequence
	WHERE b.batch_id = $1
`

// Store implements ledger.Store on a pgx connection pool
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new Postgres store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Snapshot reads the batch and its head event in one statement
func (s *Store) Snapshot(ctx context.Context, batchID string) (ledger.Record, bool, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, recordQuery, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fault("read batch", err)
	}
	return rec, true, nil
}

// History streams the batch's events in sequence order
func (s *Store) History(ctx context.Context, batchID string) iter.Seq2[ledger.CustodyEvent, error] {
	return func(yield func(ledger.CustodyEvent, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT batch_id, sequence, kind, from_id, to_id, status, ts, location, note, prev_hash, hash
			FROM custody_events
			WHERE batch_id = $1
			ORDER BY sequence ASC
		`, batchID)
		if err != nil {
			yield(ledger.CustodyEvent{}, fault("query history", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(ledger.CustodyEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ledger.CustodyEvent{}, fault("iterate history", err))
		}
	}
}

// RunInTx runs fn in a pgx transaction; the batch row is locked FOR UPDATE on first read
func (s *Store) RunInTx(ctx context.Context, batchID string, fn func(tx ledger.Tx) error) (retErr error) {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault("begin", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.String("batch_id", batchID), zap.Error(rbErr))
			}
		}
	}()

	tx := &storeTx{ctx: ctx, tx: pgTx, batchID: batchID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fault("commit", err)
	}
	return nil
}

// BatchesByOwner returns the batch ids currently held by owner
func (s *Store) BatchesByOwner(ctx context.Context, owner ledger.Identity) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT batch_id FROM batches WHERE current_owner = $1 ORDER BY batch_id`, string(owner))
	if err != nil {
		return nil, fault("query holdings", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fault("scan holdings", err)
	}
	return ids, nil
}

type storeTx struct {
	ctx     context.Context
	tx      pgx.Tx
	batchID string

	head   *ledger.CustodyEvent
	loaded bool
}

func (t *storeTx) scope(batchID string) error {
	if batchID != t.batchID {
		return fmt.Errorf("%w: transaction for %s cannot touch %s", ledger.ErrStorageFault, t.batchID, batchID)
	}
	return nil
}

func (t *storeTx) Get(batchID string) (ledger.Batch, bool, error) {
	if err := t.scope(batchID); err != nil {
		return ledger.Batch{}, false, err
	}
	// Row lock serialises writers running in other processes
	rec, err := scanRecord(t.tx.QueryRow(t.ctx, recordQuery+" FOR UPDATE OF b", batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		t.loaded = true
		return ledger.Batch{}, false, nil
	}
	if err != nil {
		return ledger.Batch{}, false, fault("read batch", err)
	}
	head := rec.Head
	t.head = &head
	t.loaded = true
	return rec.Batch, true, nil
}

func (t *storeTx) Create(b ledger.Batch) error {
	if err := t.scope(b.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `
		INSERT INTO batches (batch_id, drug_name, dosage_form, strength, manufacturer,
		                     mfg_date, exp_date, current_owner, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (batch_id) DO NOTHING
	`, b.ID, b.DrugName, b.DosageForm, b.Strength, b.Manufacturer,
		b.MfgDate.Unix(), b.ExpDate.Unix(), string(b.CurrentOwner), int16(b.Status), b.CreatedAt.Unix())
	if err != nil {
		return fault("insert batch", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAlreadyExists
	}
	t.head = nil
	t.loaded = true
	return nil
}

func (t *storeTx) UpdateOwner(batchID string, owner ledger.Identity) error {
	if err := t.scope(batchID); err != nil {
		return err
	}
	return t.update(`UPDATE batches SET current_owner = $1 WHERE batch_id = $2`, string(owner), batchID)
}

func (t *storeTx) UpdateStatus(batchID string, status ledger.Status) error {
	if err := t.scope(batchID); err != nil {
		return err
	}
	return t.update(`UPDATE batches SET status = $1 WHERE batch_id = $2`, int16(status), batchID)
}

func (t *storeTx) update(query string, args ...any) error {
	tag, err := t.tx.Exec(t.ctx, query, args...)
	if err != nil {
		return fault("update batch", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *storeTx) Append(ev *ledger.CustodyEvent) (uint64, error) {
	if err := t.scope(ev.BatchID); err != nil {
		return 0, err
	}
	if !t.loaded {
		if _, ok, err := t.Get(ev.BatchID); err != nil {
			return 0, err
		} else if !ok {
			return 0, ledger.ErrNotFound
		}
	}

	ledger.Seal(ev, t.head)
	if _, err := t.tx.Exec(t.ctx, `
		INSERT INTO custody_events (batch_id, sequence, kind, from_id, to_id, status, ts,
		                            location, note, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.BatchID, int64(ev.Sequence), string(ev.Kind), string(ev.From), string(ev.To), int16(ev.Status),
		ev.Timestamp.Unix(), ev.Location, ev.Note, ev.PrevHash.Hex(), ev.Hash.Hex()); err != nil {
		return 0, fault("insert event", err)
	}
	if err := t.update(`UPDATE batches SET head_sequence = $1 WHERE batch_id = $2`, int64(ev.Sequence), ev.BatchID); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(redpanda.NewCustodyMessage(*ev))
	if err != nil {
		return 0, fmt.Errorf("marshal custody message: %w", err)
	}
	if err := WriteEntry(t.ctx, t.tx, &OutboxEntry{
		AggregateID:   ev.BatchID,
		AggregateType: "batch",
		EventType:     string(ev.Kind),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicCustodyEvents,
		KafkaKey:      ev.BatchID,
	}); err != nil {
		return 0, fault("outbox", err)
	}

	head := *ev
	t.head = &head
	return ev.Sequence, nil
}

func scanRecord(row pgx.Row) (ledger.Record, error) {
	var rec ledger.Record
	var (
		owner, kind, from, to, prev, hash string
		mfg, exp, created, seq, ts        int64
		status, evStatus                  int16
	)
	b := &rec.Batch
	ev := &rec.Head
	err := row.Scan(&b.ID, &b.DrugName, &b.DosageForm, &b.Strength, &b.Manufacturer,
		&mfg, &exp, &owner, &status, &created,
		&seq, &kind, &from, &to, &evStatus, &ts,
		&ev.Location, &ev.Note, &prev, &hash)
	if err != nil {
		return ledger.Record{}, err
	}
	b.MfgDate, b.ExpDate, b.CreatedAt = fromUnix(mfg), fromUnix(exp), fromUnix(created)
	b.CurrentOwner = ledger.Identity(owner)
	b.Status = ledger.Status(status)

	ev.BatchID = b.ID
	ev.Sequence = uint64(seq)
	ev.Kind = ledger.EventKind(kind)
	ev.From, ev.To = ledger.Identity(from), ledger.Identity(to)
	ev.Status = ledger.Status(evStatus)
	ev.Timestamp = fromUnix(ts)
	if err := parseHashes(ev, prev, hash); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

func scanEvent(row pgx.Row) (ledger.CustodyEvent, error) {
	var ev ledger.CustodyEvent
	var (
		kind, from, to, prev, hash string
		seq, ts                    int64
		status                     int16
	)
	if err := row.Scan(&ev.BatchID, &seq, &kind, &from, &to, &status, &ts,
		&ev.Location, &ev.Note, &prev, &hash); err != nil {
		return ledger.CustodyEvent{}, fault("scan event", err)
	}
	ev.Sequence = uint64(seq)
	ev.Kind = ledger.EventKind(kind)
	ev.From, ev.To = ledger.Identity(from), ledger.Identity(to)
	ev.Status = ledger.Status(status)
	ev.Timestamp = fromUnix(ts)
	if err := parseHashes(&ev, prev, hash); err != nil {
		return ledger.CustodyEvent{}, err
	}
	return ev, nil
}

func parseHashes(ev *ledger.CustodyEvent, prev, hash string) error {
	var err error
	if ev.PrevHash, err = ledger.ParseHash(prev); err != nil {
		return fault("decode prev_hash", err)
	}
	if ev.Hash, err = ledger.ParseHash(hash); err != nil {
		return fault("decode hash", err)
	}
	return nil
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func fault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrStorageFault, op, err)
}
