// Package holdings maintains a Redis read model of which party currently
// holds which batch, built from the committed custody event stream.
package holdings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

const defaultPrefix = "holdings:"

// ErrOutOfOrder is returned when an event arrives before its predecessor was applied
var ErrOutOfOrder = errors.New("custody event out of order")

// Outcome reports what Apply did with an event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// KEYS[1] batch position hash, KEYS[2] holder set of the sender, KEYS[3] holder set of the receiver
// ARGV: sequence, owner, status, batch id, has-sender flag
var applyEventScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local last = redis.call('HGET', KEYS[1], 'seq')

if not last then
	if seq ~= 0 then
		return -1
	end
else
	last = tonumber(last)
	if seq <= last then
		return 0
	end
	if seq ~= last + 1 then
		return -1
	end
end

if ARGV[5] == '1' then
	redis.call('SREM', KEYS[2], ARGV[4])
end
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('HSET', KEYS[1], 'seq', seq, 'owner', ARGV[2], 'status', ARGV[3])
return 1
`)

// Position is the projected state of one batch
type Position struct {
	BatchID  string          `json:"batch_id"`
	Owner    ledger.Identity `json:"owner"`
	Status   ledger.Status   `json:"status"`
	Sequence uint64          `json:"sequence"`
}

// Projection applies custody events to Redis exactly once, in sequence order.
// The apply script moves a batch between owner sets that live in different hash
// slots, so the projection needs a single-node (or sentinel) client, not a cluster.
type Projection struct {
	client *redis.Client
	prefix string
}

// NewProjection creates a projection. An empty prefix uses "holdings:".
func NewProjection(client *redis.Client, prefix string) *Projection {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Projection{client: client, prefix: prefix}
}

func (p *Projection) batchKey(batchID string) string {
	return p.prefix + "batch:" + batchID
}

func (p *Projection) ownerKey(owner ledger.Identity) string {
	return p.prefix + "owner:" + string(owner)
}

// Apply folds ev into the projection. Replays of already applied events are
// reported as OutcomeDuplicate; a gap in the sequence returns ErrOutOfOrder.
func (p *Projection) Apply(ctx context.Context, ev ledger.CustodyEvent) (Outcome, error) {
	hasSender := "0"
	if ev.From != "" {
		hasSender = "1"
	}
	keys := []string{p.batchKey(ev.BatchID), p.ownerKey(ev.From), p.ownerKey(ev.To)}

	result, err := applyEventScript.Run(ctx, p.client, keys,
		ev.Sequence, string(ev.To), int(ev.Status), ev.BatchID, hasSender).Int()
	if err != nil {
		return "", fmt.Errorf("apply %s/%d: %w", ev.BatchID, ev.Sequence, err)
	}

	switch result {
	case 1:
		return OutcomeApplied, nil
	case 0:
		return OutcomeDuplicate, nil
	default:
		return "", fmt.Errorf("%w: %s/%d", ErrOutOfOrder, ev.BatchID, ev.Sequence)
	}
}

// Holdings returns the ids of batches currently held by owner, sorted
func (p *Projection) Holdings(ctx context.Context, owner ledger.Identity) ([]string, error) {
	ids, err := p.client.SMembers(ctx, p.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("holdings of %s: %w", owner, err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Position returns the projected state of a batch; found is false if no event was applied yet
func (p *Projection) Position(ctx context.Context, batchID string) (pos Position, found bool, err error) {
	fields, err := p.client.HGetAll(ctx, p.batchKey(batchID)).Result()
	if err != nil {
		return Position{}, false, fmt.Errorf("position of %s: %w", batchID, err)
	}
	if len(fields) == 0 {
		return Position{}, false, nil
	}

	seq, err := strconv.ParseUint(fields["seq"], 10, 64)
	if err != nil {
		return Position{}, false, fmt.Errorf("position of %s: bad sequence: %w", batchID, err)
	}
	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return Position{}, false, fmt.Errorf("position of %s: bad status: %w", batchID, err)
	}
	return Position{
		BatchID:  batchID,
		Owner:    ledger.Identity(fields["owner"]),
		Status:   ledger.Status(status),
		Sequence: seq,
	}, true, nil
}

// Ping checks connectivity to Redis
func (p *Projection) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
