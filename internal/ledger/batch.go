package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Identity names a party in the supply chain (manufacturer, distributor, pharmacy, regulator)
type Identity string

// EventKind classifies a custody event
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventTransferred   EventKind = "transferred"
	EventStatusChanged EventKind = "status_changed"
)

// Batch is the current state of a tracked batch
type Batch struct {
	ID           string    `json:"batch_id"`
	DrugName     string    `json:"drug_name"`
	DosageForm   string    `json:"dosage_form"`
	Strength     string    `json:"strength"`
	Manufacturer string    `json:"manufacturer"`
	MfgDate      time.Time `json:"mfg_date"`
	ExpDate      time.Time `json:"exp_date"`
	CurrentOwner Identity  `json:"current_owner"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// CustodyEvent is one immutable entry of a batch's history.
// To and Status describe the batch after the event was applied.
type CustodyEvent struct {
	BatchID   string    `json:"batch_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	From      Identity  `json:"from"`
	To        Identity  `json:"to"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
	Note      string    `json:"note"`
	PrevHash  Hash      `json:"prev_hash"`
	Hash      Hash      `json:"hash"`
}

// TxRef is the auditable reference returned for every committed mutation
type TxRef struct {
	BatchID  string `json:"batch_id"`
	Sequence uint64 `json:"sequence"`
	Hash     Hash   `json:"tx_hash"`
}

// Record is a consistent read of a batch together with its latest event
type Record struct {
	Batch Batch
	Head  CustodyEvent
}

// CreateBatchRequest carries the creation fields
type CreateBatchRequest struct {
	BatchID       string
	DrugName      string
	DosageForm    string
	Strength      string
	Manufacturer  string
	MfgDate       time.Time
	ExpDate       time.Time
	FirstLocation string
	Note          string
}

// Validate checks required fields and the date invariant
func (r CreateBatchRequest) Validate() error {
	required := []struct {
		name, value string
	}{
		{"batch_id", r.BatchID},
		{"drug_name", r.DrugName},
		{"dosage_form", r.DosageForm},
		{"strength", r.Strength},
		{"manufacturer", r.Manufacturer},
		{"first_location", r.FirstLocation},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if r.MfgDate.IsZero() {
		return fmt.Errorf("%w: mfg_date", ErrMissingField)
	}
	if r.ExpDate.IsZero() {
		return fmt.Errorf("%w: exp_date", ErrMissingField)
	}
	if !r.MfgDate.Before(r.ExpDate) {
		return ErrInvalidDates
	}
	return nil
}

// TransferRequest moves custody of a batch to a new holder
type TransferRequest struct {
	BatchID   string
	Requester Identity
	To        Identity
	Location  string
	Note      string
}

// StatusRequest changes the regulatory status of a batch
type StatusRequest struct {
	BatchID   string
	Requester Identity
	Status    Status
	Note      string
}
