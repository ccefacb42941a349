package ledger

import "errors"

// Domain errors. They are expected conditions and are surfaced to callers as-is.
var (
	ErrNotFound          = errors.New("batch not found")
	ErrAlreadyExists     = errors.New("batch already exists")
	ErrUnauthorized      = errors.New("requester is not authorized for this batch")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrBatchTerminal     = errors.New("batch is in a terminal status")
	ErrSameOwner         = errors.New("recipient already holds the batch")
	ErrInvalidDates      = errors.New("manufacturing date must be before expiry date")
	ErrMissingField      = errors.New("required field missing")
	ErrUnknownStatus     = errors.New("unknown status code")
)

// Operational errors.
var (
	// ErrBusy is returned when the per-batch lock could not be taken in time. Retryable.
	ErrBusy = errors.New("batch is busy, retry later")
	// ErrStorageFault wraps failures of the persistence layer.
	ErrStorageFault = errors.New("storage fault")
	// ErrTampered is returned when a stored history fails verification.
	ErrTampered = errors.New("custody history failed verification")
)

// IsDomainError reports whether err is an expected, caller-recoverable condition
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrUnauthorized, ErrInvalidTransition,
		ErrBatchTerminal, ErrSameOwner, ErrInvalidDates, ErrMissingField, ErrUnknownStatus,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrBatchTerminal, "batch_terminal"},
	{ErrSameOwner, "same_owner"},
	{ErrInvalidDates, "invalid_dates"},
	{ErrMissingField, "missing_field"},
	{ErrUnknownStatus, "unknown_status"},
	{ErrBusy, "busy"},
	{ErrTampered, "tampered"},
	{ErrStorageFault, "storage_fault"},
}

// ErrorCode returns a stable code for err: "ok" for nil, "internal" for unclassified errors
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
