package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a fingerprint in bytes
const HashSize = 32

// Hash is a Keccak-256 content fingerprint
type Hash [HashSize]byte

// Hex returns the 0x-prefixed lowercase hex form
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a hex fingerprint with or without the 0x prefix
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// Domain separation tags keep batch and event fingerprints in distinct spaces
const (
	eventTag = "pharmatrace/custody-event/v1"
	batchTag = "pharmatrace/batch/v1"
)

// canonicalWriter feeds length-prefixed fields into a hash in a fixed order
type canonicalWriter struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64]byte
}

func newCanonicalWriter(tag string) *canonicalWriter {
	w := &canonicalWriter{h: sha3.NewLegacyKeccak256()}
	w.str(tag)
	return w
}

func (w *canonicalWriter) str(s string) {
	n := binary.PutUvarint(w.buf[:], uint64(len(s)))
	w.h.Write(w.buf[:n])
	io.WriteString(w.h, s)
}

func (w *canonicalWriter) u64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.h.Write(w.buf[:8])
}

func (w *canonicalWriter) unix(t time.Time) {
	w.u64(uint64(t.Unix()))
}

func (w *canonicalWriter) raw(b []byte) {
	w.h.Write(b)
}

func (w *canonicalWriter) sum() Hash {
	var out Hash
	copy(out[:], w.h.Sum(nil))
	return out
}

// FingerprintEvent computes the fingerprint of a custody event.
// The stored Hash field is not part of the input; PrevHash is, which chains the history.
func FingerprintEvent(ev CustodyEvent) Hash {
	w := newCanonicalWriter(eventTag)
	w.str(ev.BatchID)
	w.u64(ev.Sequence)
	w.str(string(ev.Kind))
	w.str(string(ev.From))
	w.str(string(ev.To))
	w.raw([]byte{byte(ev.Status)})
	w.unix(ev.Timestamp)
	w.str(ev.Location)
	w.str(ev.Note)
	w.raw(ev.PrevHash[:])
	return w.sum()
}

// FingerprintBatch computes the fingerprint of a batch snapshot
func FingerprintBatch(b Batch) Hash {
	w := newCanonicalWriter(batchTag)
	w.str(b.ID)
	w.str(b.DrugName)
	w.str(b.DosageForm)
	w.str(b.Strength)
	w.str(b.Manufacturer)
	w.unix(b.MfgDate)
	w.unix(b.ExpDate)
	w.str(string(b.CurrentOwner))
	w.raw([]byte{byte(b.Status)})
	w.unix(b.CreatedAt)
	return w.sum()
}

// BatchKey returns the Keccak-256 of the external batch identifier, the key
// under which the on-chain contract stored batches
func BatchKey(batchID string) Hash {
	h := sha3.NewLegacyKeccak256()
	io.WriteString(h, batchID)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Seal assigns the next sequence number after head, links PrevHash, clamps the
// timestamp so it never goes backwards and computes the event hash.
// A nil head means ev is the first event of the batch.
func Seal(ev *CustodyEvent, head *CustodyEvent) {
	if head == nil {
		ev.Sequence = 0
		ev.PrevHash = Hash{}
	} else {
		ev.Sequence = head.Sequence + 1
		ev.PrevHash = head.Hash
		if ev.Timestamp.Before(head.Timestamp) {
			ev.Timestamp = head.Timestamp
		}
	}
	ev.Hash = FingerprintEvent(*ev)
}
