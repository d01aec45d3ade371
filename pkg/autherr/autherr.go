// Package autherr defines the error taxonomy shared by every credential
// resolver. Errors carry a machine-readable Kind so callers can tell
// "reconnect needed" apart from "retry later".
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a credential failure.
type Kind string

const (
	// KindAuthRequired means no usable profile exists.
	KindAuthRequired Kind = "AUTH_REQUIRED"

	// KindAuthExpired means a stored long-lived credential was rejected.
	KindAuthExpired Kind = "AUTH_EXPIRED"

	// KindAccessDenied means the provider refused for policy or entitlement reasons.
	KindAccessDenied Kind = "ACCESS_DENIED"

	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindModelUnavailable Kind = "MODEL_UNAVAILABLE"

	// KindNetworkRetryable is a transient failure that is safe to retry.
	KindNetworkRetryable Kind = "NETWORK_RETRYABLE"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrAuthRequired     = &Error{Kind: KindAuthRequired}
	ErrAuthExpired      = &Error{Kind: KindAuthExpired}
	ErrAccessDenied     = &Error{Kind: KindAccessDenied}
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded}
	ErrModelUnavailable = &Error{Kind: KindModelUnavailable}
	ErrNetworkRetryable = &Error{Kind: KindNetworkRetryable}
)

// Error is a typed credential error.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

// New creates an Error without an underlying cause.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(kind Kind, provider string, cause error, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a NETWORK_RETRYABLE error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetworkRetryable
}

// NeedsReconnect reports whether the user must run an acquisition flow again.
func NeedsReconnect(err error) bool {
	switch KindOf(err) {
	case KindAuthRequired, KindAuthExpired:
		return true
	default:
		return false
	}
}

// FromStatus maps a non-2xx credential endpoint status to an error using the
// token-exchange mapping: 401 expired, 403 denied, anything else retryable.
func FromStatus(provider string, status int, message string) *Error {
	switch status {
	case http.StatusUnauthorized:
		return New(KindAuthExpired, provider, message)
	case http.StatusForbidden:
		return New(KindAccessDenied, provider, message)
	default:
		return New(KindNetworkRetryable, provider, message)
	}
}
