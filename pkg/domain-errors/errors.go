// Package domainerrors provides coded errors so transport layers can map
// domain failures to responses without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeRequestsExhausted Code = "quota_requests_exhausted"
	CodeTokensExhausted   Code = "quota_tokens_exhausted"
	CodeQuotaExhausted    Code = "quota_exhausted"
	CodeRateLimited       Code = "rate_limited"
	CodeLedgerUnavailable Code = "ledger_unavailable"
	CodeUpstream          Code = "upstream_generation"
	CodeConflict          Code = "conflict"
	CodeNotFound          Code = "not_found"
	CodeInternal          Code = "internal"
)

// Error carries a classification code alongside a human-readable message
// and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with a static message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
// Returns nil if err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// IsQuotaExhausted reports whether err is any of the quota exhaustion codes.
func IsQuotaExhausted(err error) bool {
	switch CodeOf(err) {
	case CodeRequestsExhausted, CodeTokensExhausted, CodeQuotaExhausted:
		return true
	}
	return false
}
