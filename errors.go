package glintfetch

import (
	"errors"
	"fmt"

	"github.com/glint-browser/glint-fetch/trust"
)

// ErrorKind classifies fetch failures for the caller.
type ErrorKind string

const (
	// KindUnsupported means the URI scheme is unknown or disabled.
	KindUnsupported ErrorKind = "unsupported"
	// KindPoolExhausted means the per-origin connection limit was hit
	// and the bounded wait expired.
	KindPoolExhausted ErrorKind = "pool-exhausted"
	// KindTimeout means the request deadline expired mid-fetch.
	KindTimeout ErrorKind = "timeout"
	// KindTooManyRedirects means the redirect hop limit was exceeded.
	KindTooManyRedirects ErrorKind = "too-many-redirects"
	// KindIntegrityMismatch means content-addressed bytes did not hash
	// to the requested identifier.
	KindIntegrityMismatch ErrorKind = "integrity-mismatch"
	// KindTrustValidationFailed means transport trust validation failed.
	KindTrustValidationFailed ErrorKind = "trust-validation-failed"
	// KindTransportError is a transient network failure, retried a bounded
	// number of times before surfacing.
	KindTransportError ErrorKind = "transport-error"
	// KindCacheCorruption is internal: a persistent entry failed to
	// deserialize. It is logged and evicted, never surfaced to callers.
	KindCacheCorruption ErrorKind = "cache-corruption"
)

// Error is the typed failure returned by the fetcher.
// It always carries the kind and the origin involved, so callers can
// render a meaningful error page.
type Error struct {
	Kind   ErrorKind
	Origin string
	// TrustReason is set for KindTrustValidationFailed.
	TrustReason trust.Reason
	Err         error
}

func (e *Error) Error() string {
	if e.Kind == KindTrustValidationFailed && e.TrustReason != "" {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.TrustReason, e.Origin, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Origin)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Origin, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind for template errors like
// &Error{Kind: KindTimeout}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Origin == "" || t.Origin == e.Origin)
}

// NewError wraps err with a kind and origin.
func NewError(kind ErrorKind, origin string, err error) *Error {
	return &Error{Kind: kind, Origin: origin, Err: err}
}

// KindOf returns the error kind of err, or an empty kind for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// retryable reports whether the error is a transient transport failure.
// Only those are ever retried automatically.
func retryable(err error) bool {
	return KindOf(err) == KindTransportError
}
