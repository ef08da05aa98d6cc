// Package tomerr defines the broker's error taxonomy. Every error that can
// reach a client or drive retry accounting is represented as an *Error with a
// stable Kind label; everything else is wrapped as INTERNAL at the boundary.
package tomerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error label exposed to clients.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindAuthRequired     Kind = "AUTH_REQUIRED"
	KindAuthDenied       Kind = "AUTH_DENIED"
	KindNotFound         Kind = "NOT_FOUND"
	KindTemplateNotFound Kind = "TEMPLATE_NOT_FOUND"
	KindParseError       Kind = "PARSE_ERROR"
	KindGatingError      Kind = "GATING_ERROR"
	KindTransportError   Kind = "TRANSPORT_ERROR"
	KindAuthFailure      Kind = "AUTH_FAILURE"
	KindTimeoutError     Kind = "TIMEOUT_ERROR"
	KindInternal         Kind = "INTERNAL"
)

// RetryHint tells the job lifecycle whether a failure is worth retrying.
type RetryHint string

const (
	// RetryTransient marks failures that may succeed on a later attempt.
	RetryTransient RetryHint = "TRANSIENT"
	// RetryFatal marks failures that retrying cannot fix.
	RetryFatal RetryHint = "FATAL"
	// RetryNone marks errors outside the worker retry path (controller-side).
	RetryNone RetryHint = "NONE"
)

type (
	// Error is the broker's structured error. Kind drives the HTTP status and
	// the client contract, Hint drives worker retry accounting, and Detail is
	// the human-readable message (secret material must never appear in it).
	Error struct {
		Kind   Kind      `json:"error"`
		Detail string    `json:"detail"`
		Hint   RetryHint `json:"-"`

		cause error
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with the given kind and formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Hint: defaultHint(kind)}
}

// Wrap constructs an Error whose detail is the wrapped error's message.
// The cause remains reachable through errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), Hint: defaultHint(kind), cause: err}
}

// WithHint returns a copy of the error carrying an explicit retry hint.
func (e *Error) WithHint(hint RetryHint) *Error {
	dup := *e
	dup.Hint = hint
	return &dup
}

// defaultHint maps each kind to its retry hint per the error taxonomy.
func defaultHint(kind Kind) RetryHint {
	switch kind {
	case KindGatingError, KindTransportError, KindTimeoutError:
		return RetryTransient
	case KindAuthFailure:
		return RetryFatal
	default:
		return RetryNone
	}
}

// KindOf extracts the Kind from any error, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// HintOf extracts the retry hint from any error. Unclassified errors are
// treated as transient so that unexpected worker failures get retried.
func HintOf(err error) RetryHint {
	var te *Error
	if errors.As(err, &te) {
		if te.Hint != "" {
			return te.Hint
		}
		return defaultHint(te.Kind)
	}
	return RetryTransient
}

// DetailOf extracts the client-safe detail from any error.
func DetailOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Detail
	}
	return err.Error()
}

// HTTPStatus maps an error kind to the HTTP status used when the error is
// surfaced directly on a controller response (as opposed to via a job).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindAuthDenied:
		return http.StatusForbidden
	case KindNotFound, KindTemplateNotFound:
		return http.StatusNotFound
	case KindParseError:
		return http.StatusUnprocessableEntity
	case KindTransportError, KindAuthFailure:
		return http.StatusBadGateway
	case KindTimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
