// Package sqlite persists batches and custody ledgers in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id      TEXT PRIMARY KEY,
	drug_name     TEXT NOT NULL,
	dosage_form   TEXT NOT NULL,
	strength      TEXT NOT NULL,
	manufacturer  TEXT NOT NULL,
	mfg_date      INTEGER NOT NULL,
	exp_date      INTEGER NOT NULL,
	current_owner TEXT NOT NULL,
	status        INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	head_sequence INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS custody_events (
	batch_id  TEXT NOT NULL REFERENCES batches(batch_id),
	sequence  INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	from_id   TEXT NOT NULL,
	to_id     TEXT NOT NULL,
	status    INTEGER NOT NULL,
	ts        INTEGER NOT NULL,
	location  TEXT NOT NULL,
	note      TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL,
	PRIMARY KEY (batch_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_batches_owner ON batches(current_owner);
`

const recordQuery = `
SELECT b.batch_id, b.drug_name, b.dosage_form, b.strength, b.manufacturer,
       b.mfg_date, b.exp_date, b.current_owner, b.status, b.created_at,
       e.sequence, e.kind, e.from_id, e.to_id, e.status, e.ts,
       e.location, e.note, e.prev_hash, e.hash
FROM batches b
JOIN custody_events e ON e.batch_id = b.batch_id AND e.sequence = b.head_sequence
WHERE b.batch_id = ?`

const historyQuery = `
SELECT batch_id, sequence, kind, from_id, to_id, status, ts, location, note, prev_hash, hash
FROM custody_events
WHERE batch_id = ?
ORDER BY sequence ASC`

// Store implements ledger.Store on database/sql with the modernc SQLite driver
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		path = "pharmatrace.db"
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The schema is not applied.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot reads the batch and its head event in one statement
func (s *Store) Snapshot(ctx context.Context, batchID string) (ledger.Record, bool, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, recordQuery, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fault("read batch", err)
	}
	return rec, true, nil
}

// History yields the batch's events in sequence order. Rows are drained before
// yielding so the single connection is free while the caller consumes them.
func (s *Store) History(ctx context.Context, batchID string) iter.Seq2[ledger.CustodyEvent, error] {
	return func(yield func(ledger.CustodyEvent, error) bool) {
		events, err := s.loadHistory(ctx, batchID)
		if err != nil {
			yield(ledger.CustodyEvent{}, err)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *Store) loadHistory(ctx context.Context, batchID string) ([]ledger.CustodyEvent, error) {
	rows, err := s.db.QueryContext(ctx, historyQuery, batchID)
	if err != nil {
		return nil, fault("query history", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ledger.CustodyEvent
	for rows.Next() {
		var ev ledger.CustodyEvent
		var prev, hash string
		var ts int64
		if err := rows.Scan(&ev.BatchID, &ev.Sequence, &ev.Kind, &ev.From, &ev.To, &ev.Status,
			&ts, &ev.Location, &ev.Note, &prev, &hash); err != nil {
			return nil, fault("scan event", err)
		}
		ev.Timestamp = fromUnix(ts)
		if err := parseHashes(&ev, prev, hash); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate history", err)
	}
	return events, nil
}

// RunInTx runs fn inside a database transaction, committing only if fn succeeds
func (s *Store) RunInTx(ctx context.Context, batchID string, fn func(tx ledger.Tx) error) (retErr error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("begin", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.String("batch_id", batchID), zap.Error(rbErr))
			}
		}
	}()

	tx := &storeTx{ctx: ctx, tx: sqlTx, batchID: batchID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fault("commit", err)
	}
	return nil
}

type storeTx struct {
	ctx     context.Context
	tx      *sql.Tx
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
	rec, err := scanRecord(t.tx.QueryRowContext(t.ctx, recordQuery, batchID))
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO batches (batch_id, drug_name, dosage_form, strength, manufacturer,
		                     mfg_date, exp_date, current_owner, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING`,
		b.ID, b.DrugName, b.DosageForm, b.Strength, b.Manufacturer,
		b.MfgDate.Unix(), b.ExpDate.Unix(), string(b.CurrentOwner), int(b.Status), b.CreatedAt.Unix())
	if err != nil {
		return fault("insert batch", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fault("insert batch", err)
	} else if n == 0 {
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
	return t.update(`UPDATE batches SET current_owner = ? WHERE batch_id = ?`, string(owner), batchID)
}

func (t *storeTx) UpdateStatus(batchID string, status ledger.Status) error {
	if err := t.scope(batchID); err != nil {
		return err
	}
	return t.update(`UPDATE batches SET status = ? WHERE batch_id = ?`, int(status), batchID)
}

func (t *storeTx) update(query string, args ...any) error {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return fault("update batch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("update batch", err)
	}
	if n == 0 {
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
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO custody_events (batch_id, sequence, kind, from_id, to_id, status, ts,
		                            location, note, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.BatchID, ev.Sequence, string(ev.Kind), string(ev.From), string(ev.To), int(ev.Status),
		ev.Timestamp.Unix(), ev.Location, ev.Note, ev.PrevHash.Hex(), ev.Hash.Hex()); err != nil {
		return 0, fault("insert event", err)
	}
	if err := t.update(`UPDATE batches SET head_sequence = ? WHERE batch_id = ?`, ev.Sequence, ev.BatchID); err != nil {
		return 0, err
	}

	head := *ev
	t.head = &head
	return ev.Sequence, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.Record, error) {
	var rec ledger.Record
	b := &rec.Batch
	ev := &rec.Head
	var mfg, exp, created, ts int64
	var prev, hash string
	err := row.Scan(&b.ID, &b.DrugName, &b.DosageForm, &b.Strength, &b.Manufacturer,
		&mfg, &exp, &b.CurrentOwner, &b.Status, &created,
		&ev.Sequence, &ev.Kind, &ev.From, &ev.To, &ev.Status, &ts,
		&ev.Location, &ev.Note, &prev, &hash)
	if err != nil {
		return ledger.Record{}, err
	}
	b.MfgDate, b.ExpDate, b.CreatedAt = fromUnix(mfg), fromUnix(exp), fromUnix(created)
	ev.BatchID = b.ID
	ev.Timestamp = fromUnix(ts)
	if err := parseHashes(ev, prev, hash); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
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
