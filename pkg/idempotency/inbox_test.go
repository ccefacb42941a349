package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/store/postgres"
)

func TestGenerateKey(t *testing.T) {
	k := GenerateKey("0xMFG", "create_batch", "req-1")
	assert.Len(t, k, 64)
	assert.Equal(t, k, GenerateKey("0xMFG", "create_batch", " req-1 "))
	assert.NotEqual(t, k, GenerateKey("0xDIST", "create_batch", "req-1"))
	assert.NotEqual(t, k, GenerateKey("0xMFG", "transfer_batch", "req-1"))
}

func TestSamePayload(t *testing.T) {
	assert.True(t, samePayload(json.RawMessage(`{"a": 1, "b": "x"}`), json.RawMessage(`{"b":"x","a":1}`)))
	assert.False(t, samePayload(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.False(t, samePayload(json.RawMessage(`{"a":1}`), nil))
	assert.True(t, samePayload(nil, nil))
}

func TestTerminal(t *testing.T) {
	base := errors.New("rejected")
	assert.Nil(t, Terminal(nil))
	assert.True(t, isTerminalError(Terminal(base)))
	assert.True(t, isTerminalError(fmt.Errorf("wrapped: %w", Terminal(base))))
	assert.ErrorIs(t, Terminal(base), base)
	assert.False(t, isTerminalError(base))
}

func getPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("Database not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Database not available: %v", err)
	}
	require.NoError(t, postgres.Migrate(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func TestInbox_ReplaysFirstResult(t *testing.T) {
	pool := getPool(t)
	inbox := NewInbox(pool, DefaultInboxConfig(), nil)
	ctx := context.Background()
	key := GenerateKey("0xMFG", "create_batch", uuid.NewString())
	payload := json.RawMessage(`{"request_sha256":"abc"}`)

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":201}`), nil
	}

	first, err := inbox.Process(ctx, key, "create_batch", payload, fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, key, "create_batch", payload, fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"status":201}`, string(second.Result))
	assert.Equal(t, 1, calls)

	_, err = inbox.Process(ctx, key, "create_batch", json.RawMessage(`{"request_sha256":"def"}`), fn)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestInbox_RetryableAndTerminalFailures(t *testing.T) {
	pool := getPool(t)
	inbox := NewInbox(pool, DefaultInboxConfig(), nil)
	ctx := context.Background()
	payload := json.RawMessage(`{"request_sha256":"abc"}`)

	retryKey := GenerateKey("0xMFG", "transfer_batch", uuid.NewString())
	_, err := inbox.Process(ctx, retryKey, "transfer_batch", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("busy")
	})
	require.Error(t, err)

	res, err := inbox.Process(ctx, retryKey, "transfer_batch", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"status":200}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	failKey := GenerateKey("0xMFG", "transfer_batch", uuid.NewString())
	_, err = inbox.Process(ctx, failKey, "transfer_batch", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("malformed"))
	})
	require.Error(t, err)
	_, err = inbox.Process(ctx, failKey, "transfer_batch", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)

	stats, err := inbox.GetStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Failed, int64(1))
}

func TestInbox_SweepRecoversStaleStartedEntries(t *testing.T) {
	pool := getPool(t)
	cfg := DefaultInboxConfig()
	cfg.RecoveryTimeout = time.Minute
	inbox := NewInbox(pool, cfg, nil)
	ctx := context.Background()
	payload := json.RawMessage(`{"request_sha256":"abc"}`)

	// a request that died after claiming its key
	key := GenerateKey("0xMFG", "update_status", uuid.NewString())
	require.NoError(t, inbox.startProcessing(ctx, key, "update_status", payload))

	_, err := inbox.Process(ctx, key, "update_status", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.ErrorIs(t, err, ErrMessageInProgress)

	_, err = pool.Exec(ctx, `UPDATE idempotency_inbox SET updated_at = NOW() - INTERVAL '2 minutes' WHERE idempotency_key = $1`, key)
	require.NoError(t, err)
	inbox.sweep(ctx)

	res, err := inbox.Process(ctx, key, "update_status", payload, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"status":200}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}
