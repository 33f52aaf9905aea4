// Package apperrors defines the coded error type used across the execution
// core. Codes are stable identifiers callers branch on; messages are for
// humans.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies an error category.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeInvalidStateForFill Code = "INVALID_STATE_FOR_FILL"
	CodeFillExceedsOrder    Code = "FILL_EXCEEDS_ORDER"
	CodeOptimisticLock      Code = "OPTIMISTIC_LOCK_FAILED"
	CodeRiskLimitExceeded   Code = "RISK_LIMIT_EXCEEDED"
	CodeNoLimitsConfigured  Code = "NO_LIMITS_CONFIGURED"
	CodePositionChanged     Code = "POSITION_CHANGED"
	CodeKillSwitchActive    Code = "KILL_SWITCH_ACTIVE"
	CodeRateLimitQueueFull  Code = "RATE_LIMIT_QUEUE_FULL"
	CodeRateLimitTimeout    Code = "RATE_LIMIT_QUEUE_TIMEOUT"
	CodeRateLimiterStopped  Code = "RATE_LIMITER_STOPPED"
	CodeExchangeUnavailable Code = "EXCHANGE_UNAVAILABLE"
	CodeExchangeTimeout     Code = "EXCHANGE_TIMEOUT"
	CodeExchangeAPI         Code = "EXCHANGE_API_ERROR"
	CodeStreamDisconnected  Code = "STREAM_DISCONNECTED"
	CodeDuplicateFill       Code = "DUPLICATE_FILL"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a coded error with optional structured details and cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code, so errors.Is works against a bare-code target.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Retryable reports whether the error category is transient from the
// caller's point of view.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeExchangeTimeout, CodeExchangeUnavailable, CodeRateLimitTimeout, CodeOptimisticLock:
		return true
	}
	return false
}
