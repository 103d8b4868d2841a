package redemption

import (
	"errors"
	"fmt"
)

// Eligibility outcomes. These disable the redeem action rather than fail it.
var (
	ErrNotAuthenticated     = errors.New("sign in to redeem this promotion")
	ErrBusinessClosed       = errors.New("the business is closed right now")
	ErrAlreadyRedeemedToday = errors.New("you already redeemed this promotion today")
	ErrPromotionInactive    = errors.New("this promotion is not active")
)

// Proof errors. The session stays open and the countdown keeps running.
var (
	ErrInvalidCodeFormat = errors.New("the code must be exactly 4 digits")
	ErrEmptyProof        = errors.New("scan the business QR code first")
	ErrInvalidQRCode     = errors.New("this QR code does not belong to the business")
	ErrCodeMismatch      = errors.New("the code does not match the business code")
	ErrUnsupportedMethod = errors.New("unsupported redemption method")
	ErrMethodDisabled    = errors.New("this redemption method is disabled")
)

// Session and lookup errors.
var (
	ErrSessionNotFound   = errors.New("redemption session not found")
	ErrSessionClosed     = errors.New("redemption session is no longer open")
	ErrPromotionNotFound = errors.New("promotion not found")
	ErrBusinessNotFound  = errors.New("business not found")
)

// ErrBackend marks transient store or ledger failures. Callers may retry the
// same action; any entered proof is kept on the session.
var ErrBackend = errors.New("temporary failure, please try again")

func backendError(err error) error {
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

// Reason maps an evaluator error to a stable machine-readable code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrBusinessClosed):
		return "business_closed"
	case errors.Is(err, ErrAlreadyRedeemedToday):
		return "already_redeemed_today"
	case errors.Is(err, ErrPromotionInactive):
		return "promotion_inactive"
	case errors.Is(err, ErrInvalidCodeFormat):
		return "invalid_code_format"
	case errors.Is(err, ErrEmptyProof):
		return "empty_proof"
	case errors.Is(err, ErrInvalidQRCode):
		return "invalid_qr_code"
	case errors.Is(err, ErrCodeMismatch):
		return "code_mismatch"
	case errors.Is(err, ErrUnsupportedMethod):
		return "unsupported_method"
	case errors.Is(err, ErrMethodDisabled):
		return "method_disabled"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrPromotionNotFound):
		return "promotion_not_found"
	case errors.Is(err, ErrBusinessNotFound):
		return "business_not_found"
	case errors.Is(err, ErrBackend):
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}
