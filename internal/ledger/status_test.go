package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for code, want := range map[int]Status{0: StatusActive, 1: StatusRecalled, 2: StatusDispensed} {
		got, err := ParseStatus(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, code := range []int{-1, 3, 255, 256} {
		_, err := ParseStatus(code)
		assert.ErrorIs(t, err, ErrUnknownStatus, "code %d", code)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusRecalled, true},
		{StatusActive, StatusDispensed, true},
		{StatusActive, StatusActive, false},
		{StatusRecalled, StatusActive, false},
		{StatusRecalled, StatusDispensed, false},
		{StatusRecalled, StatusRecalled, false},
		{StatusDispensed, StatusActive, false},
		{StatusDispensed, StatusRecalled, false},
		{StatusDispensed, StatusDispensed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusRecalled.IsTerminal())
	assert.True(t, StatusDispensed.IsTerminal())
	assert.Equal(t, "Status(7)", Status(7).String())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "ok", ErrorCode(nil))
	assert.Equal(t, "not_found", ErrorCode(ErrNotFound))
	assert.Equal(t, "busy", ErrorCode(fmt.Errorf("transfer B1: %w", ErrBusy)))
	assert.Equal(t, "storage_fault", ErrorCode(fmt.Errorf("%w: disk full", ErrStorageFault)))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
	assert.True(t, IsDomainError(ErrSameOwner))
	assert.False(t, IsDomainError(ErrBusy))
}
