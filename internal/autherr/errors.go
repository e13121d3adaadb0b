package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an authentication-related failure. Callers branch on the
// kind, never on error strings.
type Kind int

const (
	// KindUnknown is an unexpected failure that fits no other kind.
	KindUnknown Kind = iota

	// KindAuthRequired means no credential is present at all.
	KindAuthRequired

	// KindAuthExpired means a credential is present but was rejected or has
	// expired and could not be recovered without user interaction.
	KindAuthExpired

	// KindNetwork is a connectivity failure. Retryable.
	KindNetwork

	// KindTimeout means a bounded-time operation exceeded its deadline. Retryable.
	KindTimeout

	// KindRateLimited means the provider is throttling. Retryable after backoff.
	KindRateLimited
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "auth_required"
	case KindAuthExpired:
		return "auth_expired"
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified authentication error. It wraps the underlying cause
// so that errors.Is/As continue to work through it.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "refresh search scope"
	Message string
	Err     error

	// RetryAfter carries the provider's backoff hint for KindRateLimited.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrRefreshInProgress is returned when a refresh attempt is rejected because
// another one already holds the browser profile. It is retryable: callers
// should back off and try again rather than queue behind the profile lock.
var ErrRefreshInProgress = New(KindNetwork, "", "a session refresh is already in progress")

// KindOf classifies an arbitrary error. Unclassified errors come back as
// KindUnknown; context deadline and net timeouts are recognized as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// IsAuthKind reports whether the error means the caller's credential is
// missing or unrecoverable (as opposed to a transient failure).
func IsAuthKind(err error) bool {
	k := KindOf(err)
	return k == KindAuthRequired || k == KindAuthExpired
}

// IsRetryable reports whether the operation may succeed if attempted again
// without user interaction.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
