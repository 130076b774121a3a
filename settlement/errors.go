package settlement

import (
	"errors"
	"fmt"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidEvent is returned for events missing required identifiers.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvariantViolation means the calculator or resolver produced entries
	// that do not reconcile. Fatal for the order; never retried.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// InvariantViolationError carries what was expected against what was built.
type InvariantViolationError struct {
	OrderID  ledger.OrderID
	EntryID  ledger.EntryID
	Expected int64
	Actual   int64
	Detail   string
}

func (e *InvariantViolationError) Error() string {
	msg := fmt.Sprintf("invariant violation on order %s: %s (expected %d, got %d)",
		e.OrderID, e.Detail, e.Expected, e.Actual)
	if e.EntryID != "" {
		msg += fmt.Sprintf(" entry %s", e.EntryID)
	}
	return msg
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed on retry.
// Every engine operation is idempotent, so retrying is always safe.
func IsRetryable(err error) bool {
	return ledger.IsRetryable(err)
}

// IsClientError returns true if the caller must correct its input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || commission.IsInputError(err)
}

// IsNotFound returns true if the error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrEntryNotFound)
}
