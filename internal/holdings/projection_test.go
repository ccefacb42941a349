package holdings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

func setupProjection(t *testing.T) (*miniredis.Miniredis, *Projection) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewProjection(client, "")
}

// chain builds a sealed custody history: create by 0xMFG, transfer to
// 0xDIST, transfer to 0xPHARM, then recall by 0xPHARM.
func chain(batchID string) []ledger.CustodyEvent {
	base := time.Unix(1735689600, 0).UTC()
	steps := []ledger.CustodyEvent{
		{Kind: ledger.EventCreated, To: "0xMFG", Status: ledger.StatusActive},
		{Kind: ledger.EventTransferred, From: "0xMFG", To: "0xDIST", Status: ledger.StatusActive},
		{Kind: ledger.EventTransferred, From: "0xDIST", To: "0xPHARM", Status: ledger.StatusActive},
		{Kind: ledger.EventStatusChanged, From: "0xPHARM", To: "0xPHARM", Status: ledger.StatusRecalled},
	}
	var head *ledger.CustodyEvent
	for i := range steps {
		steps[i].BatchID = batchID
		steps[i].Timestamp = base.Add(time.Duration(i) * time.Hour)
		ledger.Seal(&steps[i], head)
		head = &steps[i]
	}
	return steps
}

func TestProjection_AppliesChain(t *testing.T) {
	_, p := setupProjection(t)
	ctx := context.Background()

	for _, ev := range chain("BATCH001") {
		outcome, err := p.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}

	held, err := p.Holdings(ctx, "0xPHARM")
	require.NoError(t, err)
	assert.Equal(t, []string{"BATCH001"}, held)

	for _, prior := range []ledger.Identity{"0xMFG", "0xDIST"} {
		held, err := p.Holdings(ctx, prior)
		require.NoError(t, err)
		assert.Empty(t, held, prior)
	}

	pos, found, err := p.Position(ctx, "BATCH001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Position{BatchID: "BATCH001", Owner: "0xPHARM", Status: ledger.StatusRecalled, Sequence: 3}, pos)
}

func TestProjection_ReplayIsIdempotent(t *testing.T) {
	_, p := setupProjection(t)
	ctx := context.Background()
	events := chain("BATCH001")

	for _, ev := range events[:3] {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	// redelivery of the whole prefix after a consumer rewind
	for _, ev := range events[:3] {
		outcome, err := p.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	held, err := p.Holdings(ctx, "0xDIST")
	require.NoError(t, err)
	assert.Empty(t, held)

	pos, _, err := p.Position(ctx, "BATCH001")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos.Sequence)
	assert.Equal(t, ledger.Identity("0xPHARM"), pos.Owner)
}

func TestProjection_RejectsGap(t *testing.T) {
	_, p := setupProjection(t)
	ctx := context.Background()
	events := chain("BATCH001")

	_, err := p.Apply(ctx, events[1])
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = p.Apply(ctx, events[0])
	require.NoError(t, err)

	_, err = p.Apply(ctx, events[2])
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, found, err := p.Position(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestProjection_IndependentBatches(t *testing.T) {
	_, p := setupProjection(t)
	ctx := context.Background()

	for _, id := range []string{"B2", "B1"} {
		_, err := p.Apply(ctx, chain(id)[0])
		require.NoError(t, err)
	}

	held, err := p.Holdings(ctx, "0xMFG")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "B2"}, held)

	_, found, err := p.Position(ctx, "B3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProjection_RedisUnavailable(t *testing.T) {
	mr, p := setupProjection(t)
	mr.Close()

	_, err := p.Apply(context.Background(), chain("BATCH001")[0])
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrOutOfOrder)
	assert.Error(t, p.Ping(context.Background()))
}

func TestProjection_KeyLayout(t *testing.T) {
	mr, p := setupProjection(t)
	ctx := context.Background()

	for _, ev := range chain("B1")[:2] {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	assert.True(t, mr.Exists("holdings:batch:B1"))
	assert.Equal(t, "1", mr.HGet("holdings:batch:B1", "seq"))
	members, err := mr.SMembers("holdings:owner:0xDIST")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, members)
	held, err := p.Holdings(ctx, "0xMFG")
	require.NoError(t, err)
	assert.Empty(t, held)
}
