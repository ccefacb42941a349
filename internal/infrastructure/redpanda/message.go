package redpanda

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

// CustodyMessage is the wire form of a committed custody event on TopicCustodyEvents
type CustodyMessage struct {
	BatchID   string `json:"batch_id"`
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    uint8  `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Location  string `json:"location"`
	Note      string `json:"note"`
	PrevHash  string `json:"prev_hash"`
	TxHash    string `json:"tx_hash"`
}

// NewCustodyMessage converts a sealed event to its wire form
func NewCustodyMessage(ev ledger.CustodyEvent) CustodyMessage {
	return CustodyMessage{
		BatchID:   ev.BatchID,
		Sequence:  ev.Sequence,
		Kind:      string(ev.Kind),
		From:      string(ev.From),
		To:        string(ev.To),
		Status:    uint8(ev.Status),
		Timestamp: ev.Timestamp.Unix(),
		Location:  ev.Location,
		Note:      ev.Note,
		PrevHash:  ev.PrevHash.Hex(),
		TxHash:    ev.Hash.Hex(),
	}
}

// DecodeCustodyMessage parses a record value and checks its fingerprint
func DecodeCustodyMessage(value []byte) (ledger.CustodyEvent, error) {
	var m CustodyMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return ledger.CustodyEvent{}, fmt.Errorf("decode custody message: %w", err)
	}
	return m.Event()
}

// Event converts the message back into a custody event, verifying tx_hash
func (m CustodyMessage) Event() (ledger.CustodyEvent, error) {
	ev := ledger.CustodyEvent{
		BatchID:   m.BatchID,
		Sequence:  m.Sequence,
		Kind:      ledger.EventKind(m.Kind),
		From:      ledger.Identity(m.From),
		To:        ledger.Identity(m.To),
		Status:    ledger.Status(m.Status),
		Timestamp: time.Unix(m.Timestamp, 0).UTC(),
		Location:  m.Location,
		Note:      m.Note,
	}
	var err error
	if ev.PrevHash, err = ledger.ParseHash(m.PrevHash); err != nil {
		return ledger.CustodyEvent{}, fmt.Errorf("prev_hash: %w", err)
	}
	if ev.Hash, err = ledger.ParseHash(m.TxHash); err != nil {
		return ledger.CustodyEvent{}, fmt.Errorf("tx_hash: %w", err)
	}
	if ledger.FingerprintEvent(ev) != ev.Hash {
		return ledger.CustodyEvent{}, fmt.Errorf("%w: message for %s/%d", ledger.ErrTampered, ev.BatchID, ev.Sequence)
	}
	return ev, nil
}
