// Package hxerr defines the stable error codes of the transactional core
// and the structured error type carried across every public boundary.
// Engines never panic and never leak raw SQL errors: storage-kernel
// violations are mapped to their HX### codes verbatim so callers and tests
// can match them exactly.
package hxerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Code is a stable, user-visible error identifier.
type Code string

const (
	// Storage-kernel invariant codes. These originate from triggers and
	// are surfaced verbatim.
	HX001 Code = "HX001" // task in terminal lifecycle state cannot be modified
	HX002 Code = "HX002" // escrow in terminal state cannot be modified
	HX004 Code = "HX004" // escrow.amount is immutable after INSERT
	HX101 Code = "HX101" // XP ledger INSERT requires escrow RELEASED
	HX102 Code = "HX102" // DELETE/TRUNCATE on XP ledger forbidden
	HX201 Code = "HX201" // escrow RELEASED requires task COMPLETED; also XP tax gate
	HX301 Code = "HX301" // task COMPLETED requires an ACCEPTED proof
	HX401 Code = "HX401" // badges are append-only
	HX501 Code = "HX501" // recurring task limit exceeded
	HX701 Code = "HX701" // chargeback revenue ledger rows immutable (UPDATE)
	HX702 Code = "HX702" // chargeback revenue ledger rows immutable (DELETE)
	HX801 Code = "HX801" // escrow release blocked: worker payouts locked
	HX810 Code = "HX810" // escrow release blocked: worker payouts locked (transfer path)
	HX811 Code = "HX811" // DELETE on payment disputes forbidden
	HX902 Code = "HX902" // LIVE mode requires price >= 1500

	// State violations from engines.
	InvalidState      Code = "INVALID_STATE"
	InvalidTransition Code = "INVALID_TRANSITION"
	TaskTerminal      Code = "TASK_TERMINAL"
	EscrowTerminal    Code = "ESCROW_TERMINAL"

	// Authority violations.
	Forbidden                    Code = "FORBIDDEN"
	UserBanned                   Code = "USER_BANNED"
	TrustTierInsufficient        Code = "TRUST_TIER_INSUFFICIENT"
	TaskRiskBlockedAlpha         Code = "TASK_RISK_BLOCKED_ALPHA"
	InstantTaskTrustInsufficient Code = "INSTANT_TASK_TRUST_INSUFFICIENT"
	PlanRequired                 Code = "PLAN_REQUIRED"

	// Input validation.
	PriceTooLow           Code = "PRICE_TOO_LOW"
	Live2Violation        Code = "LIVE_2_VIOLATION"
	InstantTaskIncomplete Code = "INSTANT_TASK_INCOMPLETE"

	// Operational.
	RateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	NotFound          Code = "NOT_FOUND"
	Duplicate         Code = "DUPLICATE"
	DBError           Code = "DB_ERROR"
	Internal          Code = "INTERNAL_ERROR"
)

// Error is the structured error carried across every public boundary.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with a code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details map and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from any error, defaulting to
// INTERNAL_ERROR for unstructured errors.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return Internal
}

// Is lets errors.Is match on code equality.
func (e *Error) Is(target error) bool {
	var he *Error
	if errors.As(target, &he) {
		return e.Code == he.Code
	}
	return false
}

// kernelCodes is the set of codes raised by storage-kernel triggers.
var kernelCodes = map[string]Code{
	"HX001": HX001, "HX002": HX002, "HX004": HX004,
	"HX101": HX101, "HX102": HX102, "HX201": HX201, "HX301": HX301,
	"HX401": HX401, "HX501": HX501, "HX701": HX701, "HX702": HX702,
	"HX801": HX801, "HX810": HX810, "HX811": HX811, "HX902": HX902,
}

// FromDB maps a database error to a structured Error. Trigger violations
// raise P0001 with an "HX###: reason" message; unique violations become
// DUPLICATE; everything else is DB_ERROR with the driver message preserved.
func FromDB(err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "P0001": // raise_exception
			msg := string(pqErr.Message)
			if idx := strings.Index(msg, ":"); idx > 0 {
				if code, ok := kernelCodes[strings.TrimSpace(msg[:idx])]; ok {
					return &Error{Code: code, Message: strings.TrimSpace(msg[idx+1:])}
				}
			}
			return &Error{Code: DBError, Message: msg}
		case "23505": // unique_violation
			return &Error{
				Code:    Duplicate,
				Message: "duplicate key",
				Details: map[string]any{"constraint": pqErr.Constraint},
			}
		case "40001": // serialization_failure, caller may retry
			return &Error{Code: DBError, Message: "serialization failure", Details: map[string]any{"retryable": true}}
		}
		return &Error{Code: DBError, Message: pqErr.Message}
	}
	return &Error{Code: DBError, Message: err.Error()}
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	return CodeOf(FromDB(err)) == Duplicate
}
