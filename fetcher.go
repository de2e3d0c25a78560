package glintfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/glint-browser/glint-fetch/cache"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	serializer "github.com/glint-browser/glint-fetch/pkg/response-serializer"
	"github.com/glint-browser/glint-fetch/pool"
	"github.com/glint-browser/glint-fetch/trust"
)

// streamSchemes name protocols whose responses are live streams. A
// stream body belongs to exactly one caller, so these bypass the cache
// and request coalescing.
var streamSchemes = map[string]bool{
	"ws":  true,
	"wss": true,
}

// FetcherConfig wires the pipeline together.
type FetcherConfig struct {
	Registry *Registry
	Cache    *cache.Manager
	Pool     *pool.Pool
	Trust    *trust.Validator
	// MaxRetries bounds automatic retries of transient transport
	// failures. Default 2.
	MaxRetries int
	// RetryBackoff is the pause between retries. Default 250ms.
	RetryBackoff time.Duration
	Logger       *zerolog.Logger
	// Now is for tests; time.Now if nil.
	Now func() time.Time
}

// Fetcher runs the fetch pipeline: cache lookup, handler dispatch
// through the connection pool, trust validation, then cache store.
// Concurrent fetches for the same cache key coalesce onto one network
// exchange.
type Fetcher struct {
	registry *Registry
	cache    *cache.Manager
	pool     *pool.Pool
	trust    *trust.Validator
	keyer    cachekey.CacheKeyer

	flight  singleflight.Group
	retries int
	backoff time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		registry: cfg.Registry,
		cache:    cfg.Cache,
		pool:     cfg.Pool,
		trust:    cfg.Trust,
		retries:  cfg.MaxRetries,
		backoff:  cfg.RetryBackoff,
		log:      logger,
		now:      now,
	}
}

// fetchOutcome is the shareable result of one network exchange. Bodies
// are materialized bytes, so every coalesced waiter gets its own reader.
type fetchOutcome struct {
	snapshot    serializer.StoredResponse
	trust       trust.Decision
	cacheable   bool
	expires     time.Time
	fromCache   bool
	revalidated bool
}

// Fetch resolves the request to a response. Unknown schemes fail before
// any cache or pool work, cache hits return without any network work,
// and stale entries with a validator trigger a conditional refetch.
func (f *Fetcher) Fetch(ctx context.Context, req *ResourceRequest) (*ResourceResponse, error) {
	if req.URL == nil {
		return nil, NewError(KindUnsupported, "", fmt.Errorf("request has no URL"))
	}
	// the caller's request stays untouched; defaults and the validator
	// from a stale entry live on a pipeline-owned copy
	r := *req
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}

	handler, err := f.registry.Resolve(r.URL.Scheme)
	if err != nil {
		return nil, err
	}

	// streams are terminal and single-owner, no cache or coalescing
	if streamSchemes[r.URL.Scheme] {
		return f.dispatch(ctx, handler, &r)
	}

	key := f.keyer.GetKey(r.Method, r.URL)
	host := r.URL.Hostname()

	var stale cache.Entry
	var hasStale bool
	if !r.NoCache {
		entry, status := f.cache.Lookup(key)
		switch status {
		case cache.Hit:
			if res, ok := f.serveEntry(entry); ok {
				f.log.Debug().Str("key", key).Msg("Serving fresh cache entry")
				return res, nil
			}
			// corrupt entry was evicted inside serveEntry, fall through
		case cache.Stale:
			stale, hasStale = entry, true
			r.Validator = entry.Validator
		}
	}

	ch := f.flight.DoChan(key, func() (interface{}, error) {
		return f.do(ctx, key, handler, &r, stale, hasStale)
	})

	select {
	case <-ctx.Done():
		return nil, NewError(KindTimeout, host, ctx.Err())
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		outcome := result.Val.(*fetchOutcome)
		if result.Shared {
			f.log.Debug().Str("key", key).Msg("Coalesced onto in-flight fetch")
		}
		res := outcomeResponse(outcome)
		res.Coalesced = result.Shared
		return res, nil
	}
}

// do performs the network half of the pipeline for one cache key.
func (f *Fetcher) do(ctx context.Context, key string, handler Handler, req *ResourceRequest, stale cache.Entry, hasStale bool) (*fetchOutcome, error) {
	requestedAt := f.now()
	res, err := f.dispatch(ctx, handler, req)
	if err != nil {
		return nil, err
	}
	receivedAt := f.now()

	if hasStale && res.StatusCode == http.StatusNotModified {
		res.Body.Close()
		f.cache.Refresh(key, res.Expires)
		snapshot, decodeErr := serializer.BytesToStoredResponse(stale.Bytes)
		if decodeErr == nil {
			f.log.Debug().Str("key", key).Msg("Revalidated stale entry")
			return &fetchOutcome{
				snapshot:    snapshot,
				trust:       res.Trust,
				cacheable:   true,
				expires:     res.Expires,
				fromCache:   true,
				revalidated: true,
			}, nil
		}
		// the revalidated body is gone; evict and fetch in full
		f.evictCorrupt(key, decodeErr)
		req.Validator = ""
		requestedAt = f.now()
		if res, err = f.dispatch(ctx, handler, req); err != nil {
			return nil, err
		}
		receivedAt = f.now()
	}

	snapshot, err := snapshotResponse(res, requestedAt, receivedAt)
	if err != nil {
		return nil, NewError(KindTransportError, req.URL.Hostname(),
			fmt.Errorf("reading response body: %w", err))
	}

	if res.Cacheable {
		f.store(key, snapshot, res)
	} else if hasStale {
		// superseded by a full non-cacheable answer
		f.cache.Invalidate(key)
	}

	return &fetchOutcome{
		snapshot:  snapshot,
		trust:     res.Trust,
		cacheable: res.Cacheable,
		expires:   res.Expires,
	}, nil
}

// dispatch calls the handler with bounded retries for transient
// transport failures, then applies the trust validation gate. Nothing
// that fails the gate reaches the cache or the caller.
func (f *Fetcher) dispatch(ctx context.Context, handler Handler, req *ResourceRequest) (*ResourceResponse, error) {
	host := req.URL.Hostname()

	var res *ResourceResponse
	var err error
	for attempt := 0; ; attempt++ {
		res, err = handler.Fetch(ctx, req)
		if err == nil {
			break
		}
		if !retryable(err) || attempt >= f.retries {
			return nil, err
		}
		f.log.Debug().Str("host", host).Int("attempt", attempt+1).
			Err(err).Msg("Retrying transient transport failure")
		select {
		case <-ctx.Done():
			return nil, NewError(KindTimeout, host, ctx.Err())
		case <-time.After(f.backoff):
		}
	}

	decision := f.trust.Validate(res.Protocol, host, res.TLSState)
	res.Trust = decision
	if !decision.OK() {
		res.Body.Close()
		return nil, &Error{
			Kind:        KindTrustValidationFailed,
			Origin:      host,
			TrustReason: decision.Reason,
			Err:         fmt.Errorf("certificate validation failed"),
		}
	}
	return res, nil
}

// serveEntry turns a fresh cache entry into a response. A snapshot that
// no longer decodes is treated as corruption: logged, evicted, and
// reported as unusable so the caller falls back to the network.
func (f *Fetcher) serveEntry(entry cache.Entry) (*ResourceResponse, bool) {
	snapshot, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		f.evictCorrupt(entry.Key, err)
		return nil, false
	}
	return outcomeResponse(&fetchOutcome{
		snapshot:  snapshot,
		cacheable: true,
		expires:   entry.Expires,
		fromCache: true,
	}), true
}

func (f *Fetcher) evictCorrupt(key string, err error) {
	corruption := NewError(KindCacheCorruption, key, err)
	f.log.Error().Err(corruption).Str("key", key).Msg("Evicting corrupt cache entry")
	f.cache.Invalidate(key)
}

// Invalidate removes the resource at uri from both cache tiers.
func (f *Fetcher) Invalidate(uri string) error {
	req, err := NewRequest(uri)
	if err != nil {
		return err
	}
	f.cache.Invalidate(f.keyer.GetKey(req.Method, req.URL))
	return nil
}

// Close tears down the cache tiers and the connection pool.
func (f *Fetcher) Close() error {
	cacheErr := f.cache.Close()
	poolErr := f.pool.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return poolErr
}

func snapshotResponse(res *ResourceResponse, requestedAt, receivedAt time.Time) (serializer.StoredResponse, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return serializer.StoredResponse{}, err
	}
	return serializer.StoredResponse{
		StatusCode:   res.StatusCode,
		Header:       res.Header,
		Body:         body,
		Protocol:     res.Protocol,
		Validator:    res.Validator,
		Immutable:    res.Immutable,
		RequestTime:  requestedAt,
		ResponseTime: receivedAt,
	}, nil
}

// store writes the snapshot through the cache tiers. Store failures are
// logged, never fatal for the fetch that produced the response.
func (f *Fetcher) store(key string, snapshot serializer.StoredResponse, res *ResourceResponse) {
	blob, err := serializer.StoredResponseToBytes(snapshot)
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	entry := cache.Entry{
		Key:         key,
		Bytes:       blob,
		Expires:     res.Expires,
		Immutable:   res.Immutable,
		Validator:   res.Validator,
		RequestedAt: snapshot.RequestTime,
		ReceivedAt:  snapshot.ResponseTime,
	}
	if err := f.cache.Store(entry); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("Could not store response")
	}
}

// outcomeResponse materializes an independent response for one caller.
func outcomeResponse(o *fetchOutcome) *ResourceResponse {
	header := make(http.Header, len(o.snapshot.Header))
	for k, vv := range o.snapshot.Header {
		header[k] = vv
	}
	return &ResourceResponse{
		StatusCode:  o.snapshot.StatusCode,
		Header:      header,
		Body:        NewBodyBytes(o.snapshot.Body),
		Cacheable:   o.cacheable,
		Expires:     o.expires,
		Immutable:   o.snapshot.Immutable,
		Validator:   o.snapshot.Validator,
		Protocol:    o.snapshot.Protocol,
		Trust:       o.trust,
		FromCache:   o.fromCache,
		Revalidated: o.revalidated,
	}
}
