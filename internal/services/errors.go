// Package services implements the payment-lane orchestrator: fee quoting,
// lane selection, user operation building and signing, stipend bootstrapping
// and receipt reconciliation.
package services

import (
	"errors"
	"fmt"
)

// Reason codes surfaced to callers. Downstream UX and support tooling key
// off these exact strings, so they are part of the API contract.
const (
	ReasonFeeTooHigh            = "FEE_TOO_HIGH"
	ReasonAmountTooSmall        = "AMOUNT_TOO_SMALL"
	ReasonInsufficientBalance   = "INSUFFICIENT_BALANCE"
	ReasonCanonicalViolation    = "CANONICAL_VIOLATION"
	ReasonPermit2SetupRequired  = "PERMIT2_SETUP_REQUIRED"
	ReasonNeedsAAApprove        = "NEEDS_AA_APPROVE"
	ReasonPermit2StipendTimeout = "PERMIT2_STIPEND_TIMEOUT"
	ReasonRouterStipendEmpty    = "ROUTER_STIPEND_EMPTY"
	ReasonUnsupportedEntryPoint = "UNSUPPORTED_ENTRYPOINT"
	ReasonDraftHashMismatch     = "DRAFT_HASH_MISMATCH"
	ReasonFeeMismatch           = "FEE_MISMATCH"
	ReasonPending               = "PENDING"
)

// ReasonError is a failure with a stable machine-readable reason code.
type ReasonError struct {
	Code    string
	Message string
	// Meta carries reason-specific details, e.g. the minimum viable amount
	// for AMOUNT_TOO_SMALL or the shortfall for ROUTER_STIPEND_EMPTY.
	Meta map[string]interface{}
}

func (e *ReasonError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewReason builds a ReasonError with a formatted message.
func NewReason(code, format string, args ...interface{}) *ReasonError {
	return &ReasonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMeta attaches a detail entry and returns the error for chaining.
func (e *ReasonError) WithMeta(key string, value interface{}) *ReasonError {
	if e.Meta == nil {
		e.Meta = map[string]interface{}{}
	}
	e.Meta[key] = value
	return e
}

// ReasonOf extracts the reason code from an error chain, or "" when the
// error carries no code.
func ReasonOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsReason reports whether err carries the given reason code.
func IsReason(err error, code string) bool {
	return ReasonOf(err) == code
}
