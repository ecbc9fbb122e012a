package sync

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Kind classifies provider and sync failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth: credential expired or revoked. Needs re-authorisation, never retried.
	KindAuth
	// KindRateLimit: remote throttling. Retried with backoff.
	KindRateLimit
	// KindCursorInvalid: remote rejected the stored cursor. Adapters recover from it internally.
	KindCursorInvalid
	// KindNotFound: a single remote item vanished.
	KindNotFound
	// KindTransient: network or 5xx failure. Retried with backoff.
	KindTransient
	// KindPersistence: local store write failed.
	KindPersistence
	// KindProviderUnsupported: no adapter for the account's provider kind. Fatal for that account.
	KindProviderUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindCursorInvalid:
		return "cursor_invalid"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPersistence:
		return "persistence"
	case KindProviderUnsupported:
		return "provider_unsupported"
	default:
		return "unknown"
	}
}

// ErrAccountNotFound is returned when a sync targets an account that does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Error is a classified failure of a provider call or sync step.
type Error struct {
	Kind     Kind
	Provider model.ProviderKind
	Op       string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = string(e.Provider) + " " + msg
	}
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind. A nil err yields a nil error.
func NewError(kind Kind, provider model.ProviderKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, provider model.ProviderKind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsAuth(err error) bool { return KindOf(err) == KindAuth }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	default:
		return false
	}
}

// HTTPKind maps an HTTP status from a provider API to an error kind.
// rateLimited marks a 403 whose body reports quota exhaustion.
func HTTPKind(status int, rateLimited bool) Kind {
	switch {
	case status == 401:
		return KindAuth
	case status == 403 && rateLimited:
		return KindRateLimit
	case status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 410:
		return KindCursorInvalid
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}
