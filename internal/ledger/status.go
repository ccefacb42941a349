// Package ledger implements the batch custody state machine, the append-only
// custody ledger behind it and the read-side projections over both.
package ledger

import "fmt"

// Status represents the regulatory status of a batch
type Status uint8

const (
	StatusActive Status = iota
	StatusRecalled
	StatusDispensed
)

// ParseStatus maps the wire code (0, 1, 2) to a Status
func ParseStatus(code int) (Status, error) {
	s := Status(code)
	if code < 0 || !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}
	return s, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	return s <= StatusDispensed
}

// IsTerminal reports whether no further status transition is permitted
func (s Status) IsTerminal() bool {
	return s == StatusRecalled || s == StatusDispensed
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Only an active batch moves, and only into a terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusActive {
		return false
	}
	return next == StatusRecalled || next == StatusDispensed
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusRecalled:
		return "Recalled"
	case StatusDispensed:
		return "Dispensed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}
