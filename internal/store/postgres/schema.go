package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id      TEXT PRIMARY KEY,
	drug_name     TEXT NOT NULL,
	dosage_form   TEXT NOT NULL,
	strength      TEXT NOT NULL,
	manufacturer  TEXT NOT NULL,
	mfg_date      BIGINT NOT NULL,
	exp_date      BIGINT NOT NULL,
	current_owner TEXT NOT NULL,
	status        SMALLINT NOT NULL,
	created_at    BIGINT NOT NULL,
	head_sequence BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batches_owner ON batches (current_owner);

CREATE TABLE IF NOT EXISTS custody_events (
	batch_id  TEXT NOT NULL REFERENCES batches (batch_id),
	sequence  BIGINT NOT NULL,
	kind      TEXT NOT NULL,
	from_id   TEXT NOT NULL,
	to_id     TEXT NOT NULL,
	status    SMALLINT NOT NULL,
	ts        BIGINT NOT NULL,
	location  TEXT NOT NULL,
	note      TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL,
	PRIMARY KEY (batch_id, sequence)
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT,
	dead_lettered_at TIMESTAMPTZ
);

ALTER TABLE outbox ADD COLUMN IF NOT EXISTS dead_lettered_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_key_pending ON outbox (kafka_key, id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS idempotency_inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
`

// Migrate creates the ledger, outbox and idempotency tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
