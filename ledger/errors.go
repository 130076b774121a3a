/*
errors.go - Storage error taxonomy

ERROR CATEGORIES:
  1. Race outcomes   - ErrAlreadyReversed. Expected under concurrency, the
                       settlement engine swallows it.
  2. Lookup failures - ErrEntryNotFound, ErrNotReversible
  3. Transient       - ErrTransient wraps busy/locked/connection failures;
                       callers retry with the same inputs.

USAGE:
  if errors.Is(err, ledger.ErrAlreadyReversed) {
      // a concurrent refund won the race, nothing to do
  }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyReversed is returned by MarkReversed when ReversedAt is
	// already set. Evidence the protocol works, not a failure.
	ErrAlreadyReversed = errors.New("entry already reversed")

	// ErrEntryNotFound is returned when an entry ID does not exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNotReversible is returned when MarkReversed targets a reversal entry.
	ErrNotReversible = errors.New("reversal entries cannot be reversed")

	// ErrTransient marks storage failures that may succeed on retry.
	ErrTransient = errors.New("transient storage error")

	// ErrInvalidEntry is returned when an entry fails basic shape checks
	// before being written.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ValidateForAppend checks the shape rules every store enforces.
func ValidateForAppend(e Entry) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	case e.OrderID == "" || e.PayeeID == "" || e.Type == "":
		return fmt.Errorf("%w: %s: order, payee and type are required", ErrInvalidEntry, e.ID)
	case !ValidCurrency(e.Currency):
		return fmt.Errorf("%w: %s: bad currency %q", ErrInvalidEntry, e.ID, e.Currency)
	case e.IsReversal() && e.AmountCents >= 0:
		return fmt.Errorf("%w: %s: reversal amount must be negative", ErrInvalidEntry, e.ID)
	case !e.IsReversal() && e.AmountCents <= 0:
		return fmt.Errorf("%w: %s: original amount must be positive", ErrInvalidEntry, e.ID)
	case e.ReversedAt != nil || e.ReversedByID != "":
		return fmt.Errorf("%w: %s: reversed_at is set by MarkReversed only", ErrInvalidEntry, e.ID)
	}
	return nil
}
