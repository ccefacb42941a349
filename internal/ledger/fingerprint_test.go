package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() CustodyEvent {
	return CustodyEvent{
		BatchID:   "BATCH001",
		Kind:      EventCreated,
		To:        "acme",
		Status:    StatusActive,
		Timestamp: time.Unix(1735689600, 0).UTC(),
		Location:  "Factory A",
		Note:      "batch created",
	}
}

func TestBatchKey(t *testing.T) {
	// Keccak-256 of the empty string
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		BatchKey("").Hex())
	assert.NotEqual(t, BatchKey("BATCH001"), BatchKey("BATCH002"))
}

func TestFingerprintEvent_Deterministic(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	assert.Equal(t, FingerprintEvent(a), FingerprintEvent(b))

	b.Note = "batch created."
	assert.NotEqual(t, FingerprintEvent(a), FingerprintEvent(b))

	// the stored hash is not an input
	c := sampleEvent()
	c.Hash = Hash{1}
	assert.Equal(t, FingerprintEvent(a), FingerprintEvent(c))
}

func TestFingerprintEvent_FieldBoundaries(t *testing.T) {
	a := sampleEvent()
	a.Location, a.Note = "ab", "c"
	b := sampleEvent()
	b.Location, b.Note = "a", "bc"
	assert.NotEqual(t, FingerprintEvent(a), FingerprintEvent(b))
}

func TestSeal(t *testing.T) {
	first := sampleEvent()
	Seal(&first, nil)
	assert.Equal(t, uint64(0), first.Sequence)
	assert.True(t, first.PrevHash.IsZero())
	assert.Equal(t, FingerprintEvent(first), first.Hash)

	second := CustodyEvent{
		BatchID:   "BATCH001",
		Kind:      EventTransferred,
		From:      "acme",
		To:        "dist",
		Timestamp: first.Timestamp.Add(-time.Hour),
	}
	Seal(&second, &first)
	assert.Equal(t, uint64(1), second.Sequence)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, first.Timestamp, second.Timestamp)
}

func TestHash_TextRoundTrip(t *testing.T) {
	h := BatchKey("BATCH001")

	data, err := json.Marshal(struct {
		H Hash `json:"h"`
	}{h})
	require.NoError(t, err)
	assert.Contains(t, string(data), h.Hex())

	parsed, err := ParseHash(h.Hex()[2:])
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("0x1234")
	assert.Error(t, err)
	_, err = ParseHash("0x" + string(make([]byte, 64)))
	assert.Error(t, err)
}
