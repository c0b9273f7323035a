// Package errs defines the error classes the lifecycle service reports to callers.
package errs

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so wrapped instances compare equal to the class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a copy of the class carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Reason: e.Reason, Message: msg}
}

// WithMessagef returns a copy of the class carrying a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithReason attaches a caller-facing reason code such as NODE_ALREADY_DEPLOYED.
func (e *Error) WithReason(reason string) *Error {
	return &Error{Code: e.Code, Reason: reason, Message: e.Message}
}

var (
	ErrValidation  = &Error{Code: "E_VALIDATION"}
	ErrConflict    = &Error{Code: "E_CONFLICT"}
	ErrNotFound    = &Error{Code: "E_NOT_FOUND"}
	ErrForbidden   = &Error{Code: "E_FORBIDDEN"}
	ErrNotEligible = &Error{Code: "E_NOT_ELIGIBLE"}
)

// Reason codes surfaced to API callers.
const (
	ReasonNodeAlreadyDeployed   = "NODE_ALREADY_DEPLOYED"
	ReasonNodeAlreadyRegistered = "NODE_ALREADY_REGISTERED"
	ReasonNodeNotRegistered     = "NODE_NOT_REGISTERED"
	ReasonNodeLocked            = "NODE_LOCKED"
	ReasonNodeViolated          = "NODE_VIOLATED"
	ReasonTunnelNotVerified     = "TUNNEL_VERIFICATION_REQUIRED"
	ReasonSessionNotActive      = "SESSION_NOT_ACTIVE"
	ReasonSessionExpired        = "SESSION_EXPIRED"
	ReasonFullySettled          = "SESSION_FULLY_SETTLED"
	ReasonBufferCooldown        = "BUFFER_COOLDOWN"
	ReasonInsufficientBalance   = "INSUFFICIENT_BALANCE"
	ReasonConcurrentUpdate      = "CONCURRENT_UPDATE"
	ReasonMinimumChargePending  = "ONE_HOUR_MINIMUM"
)

// NotEligibleError reports that a time-gated operation was attempted too
// early. It is an expected business outcome, not a fault.
type NotEligibleError struct {
	ElapsedSeconds  int64
	RequiredSeconds int64
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%s: settlement not allowed until session has been active for %ds (elapsed %ds)",
		ErrNotEligible.Code, e.RequiredSeconds, e.ElapsedSeconds)
}

func (e *NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}

// RetryAfterSeconds is how long the caller should wait before retrying.
func (e *NotEligibleError) RetryAfterSeconds() int64 {
	if d := e.RequiredSeconds - e.ElapsedSeconds; d > 0 {
		return d
	}
	return 0
}

// Validation builds a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return ErrValidation.WithMessagef(format, args...)
}

// Conflict builds a conflict error tagged with reason.
func Conflict(reason, format string, args ...any) error {
	return ErrConflict.WithMessagef(format, args...).WithReason(reason)
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) error {
	return ErrNotFound.WithMessagef(format, args...)
}

// ReasonOf extracts the reason code from err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// CodeOf extracts the class code from err, if any.
func CodeOf(err error) string {
	var ne *NotEligibleError
	if errors.As(err, &ne) {
		return ErrNotEligible.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
