package glintfetch

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/glint-browser/glint-fetch/trust"
)

// ResourceRequest describes one resource to fetch.
// It is immutable once handed to the fetcher.
type ResourceRequest struct {
	// Parsed URI of the resource. The scheme selects the protocol handler.
	URL *url.URL
	// Request verb, where the protocol has one. Defaults to GET.
	Method string
	// Extra metadata to send with the request, where the protocol has headers.
	Header http.Header
	// NoCache bypasses cache lookup (the response may still be stored).
	NoCache bool
	// Validator is the opaque token of a stale cache entry, set by the
	// pipeline so the handler can issue a conditional request where the
	// protocol supports one.
	Validator string
}

// NewRequest parses uri and returns a GET request for it.
func NewRequest(uri string) (*ResourceRequest, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return &ResourceRequest{
		URL:    u,
		Method: http.MethodGet,
		Header: make(http.Header),
	}, nil
}

// ResourceResponse is the uniform result of a fetch, whatever the protocol.
// The caller owns the response and must close the body.
type ResourceResponse struct {
	// Protocol-mapped status code (HTTP semantics).
	StatusCode int
	// Response metadata.
	Header http.Header
	// Response content. Bounded bodies are replayable in-memory readers,
	// stream bodies are live and non-restartable.
	Body io.ReadCloser
	// Cacheable is false for streams and responses with no-store semantics.
	Cacheable bool
	// Expires is the absolute freshness limit, zero if the protocol gave none.
	// Immutable (content-addressed) responses set Immutable instead.
	Expires   time.Time
	Immutable bool
	// Validator allows a conditional refetch once the entry is stale
	// (entity tag or last-modified marker, opaque to the cache).
	Validator string
	// Protocol is the scheme of the handler that produced the response.
	Protocol string
	// TLSState is the transport trust material of the exchange, nil for
	// protocols without one. Consumed by the validation gate.
	TLSState *tls.ConnectionState
	// Trust records the transport trust decision, set at the validation
	// gate before the response reaches the cache or the caller.
	Trust trust.Decision
	// FromCache is true when the body was served from a stored entry,
	// including a stale entry revalidated with a "not modified" answer.
	FromCache bool
	// Revalidated is true when the stored body was served only after a
	// conditional refetch confirmed it is still current.
	Revalidated bool
	// Coalesced is true when this caller shared another request's
	// in-flight network exchange.
	Coalesced bool
}

// NewBodyBytes wraps b as an in-memory response body.
func NewBodyBytes(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}
