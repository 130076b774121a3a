package commission

import (
	"errors"
	"fmt"

	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// SENTINEL ERRORS - caller-correctable input errors, never retried
// =============================================================================

var (
	// ErrInvalidAmount is returned for a non-positive or out-of-range gross,
	// a malformed currency, or a gross too small to cover fixed fees.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidSchedule is returned for negative or excessive basis points,
	// or a chain spec that cannot be evaluated.
	ErrInvalidSchedule = errors.New("invalid fee schedule")

	// ErrChainResolution is returned when a chain references a payee that
	// cannot be resolved and no fallback is configured.
	ErrChainResolution = errors.New("chain resolution failed")

	// ErrUnknownPayee is returned by a PayeeDirectory for identities it does
	// not recognise.
	ErrUnknownPayee = errors.New("unknown payee")

	// ErrReferralCycle is returned when an upline walk revisits an identity
	// already in the same run.
	ErrReferralCycle = errors.New("referral cycle")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ChainResolutionError identifies the slot that could not be resolved.
type ChainResolutionError struct {
	OrderID ledger.OrderID
	Role    ledger.EntryType
	PayeeID ledger.PayeeID
	Cause   error
}

func (e *ChainResolutionError) Error() string {
	msg := fmt.Sprintf("chain resolution failed for order %s at %s", e.OrderID, e.Role)
	if e.PayeeID != "" {
		msg += fmt.Sprintf(" (payee %s)", e.PayeeID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ChainResolutionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrChainResolution}
	}
	return []error{ErrChainResolution, e.Cause}
}

// IsInputError returns true for errors the caller must correct.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrChainResolution)
}
