// Package fserr classifies failures into the small set of error kinds
// the filesystem layer can express to callers.
package fserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind partitions errors by how the filesystem must react to them.
type Kind int

const (
	// NotFound means the remote resource does not exist: a 404/410
	// response or an unresolvable host. Cached as Invalid until the
	// attribute TTL expires.
	NotFound Kind = iota

	// Network is a transient transport failure: timeout, connection
	// reset, handshake failure, or a 5xx response. Retryable, never
	// cached.
	Network

	// Protocol means the remote answered with something unusable: a
	// malformed response or an unexpected status code. Cached as
	// Invalid with TTL so a persistently broken resource is not
	// probed in a hot loop.
	Protocol

	// Unsupported marks operations that would mutate state on a
	// read-only filesystem. Surfaced immediately, no retry.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error carries a kind and the target (URL or path) it is scoped to.
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Target, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt can change the outcome.
// Recognized by the retry package.
func (e *Error) Retryable() bool {
	return e.Kind == Network
}

// New wraps err with a kind, scoped to target.
func New(kind Kind, target string, err error) *Error {
	return &Error{Kind: kind, Target: target, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, target, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Target: target, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// FromStatus classifies an unexpected HTTP status code.
//
// 404 and 410 are NotFound. 5xx and 429 are Network (the next attempt
// may succeed). Everything else, including 403, is Protocol: the
// server is reachable and definite, retrying cannot help, but the
// resource is not readable either.
func FromStatus(status int, target string) *Error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return Newf(NotFound, target, "server returned %d", status)
	case status >= 500 || status == http.StatusTooManyRequests:
		return Newf(Network, target, "server returned %d", status)
	default:
		return Newf(Protocol, target, "unexpected status %d", status)
	}
}
