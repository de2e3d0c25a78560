// Package ipfsx is the content-addressed handler. Identifiers name a
// content hash rather than an origin; retrieval goes through a list of
// gateway providers and the bytes are verified against the hash before
// the fetch can succeed.
package ipfsx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"

	glintfetch "github.com/glint-browser/glint-fetch"
)

// Config for creating a Handler.
type Config struct {
	// Gateways are provider base URLs tried in order, e.g.
	// "https://ipfs.io". At least one is required.
	Gateways []string
	// Transport performs the gateway exchange, normally the https
	// handler so gateway connections share the pool.
	Transport glintfetch.Handler
	// MaxBodyBytes caps blob size. Default 32 MiB.
	MaxBodyBytes int64
	Logger       *zerolog.Logger
}

// Handler performs ipfs fetches.
type Handler struct {
	gateways     []string
	transport    glintfetch.Handler
	maxBodyBytes int64
	log          zerolog.Logger
}

func New(cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	return &Handler{
		gateways:     cfg.Gateways,
		transport:    cfg.Transport,
		maxBodyBytes: cfg.MaxBodyBytes,
		log:          logger,
	}
}

// Fetch resolves ipfs://CID through the gateway list. Every provider's
// bytes are verified against the identifier's multihash; a mismatch
// fails the whole fetch rather than moving to the next provider, since
// a gateway serving wrong bytes for a content address is not a
// transient condition.
func (h *Handler) Fetch(ctx context.Context, req *glintfetch.ResourceRequest) (*glintfetch.ResourceResponse, error) {
	id, err := parseCID(req.URL)
	if err != nil {
		return nil, glintfetch.NewError(glintfetch.KindUnsupported, req.URL.Host, err)
	}
	if len(h.gateways) == 0 {
		return nil, glintfetch.NewError(glintfetch.KindTransportError, id.String(),
			fmt.Errorf("no gateway providers configured"))
	}

	var lastErr error
	for _, gateway := range h.gateways {
		body, header, err := h.fetchFromGateway(ctx, gateway, id)
		if err != nil {
			if glintfetch.KindOf(err) == glintfetch.KindIntegrityMismatch {
				return nil, err
			}
			h.log.Debug().Str("gateway", gateway).Str("cid", id.String()).
				Err(err).Msg("gateway fetch failed, trying next provider")
			lastErr = err
			continue
		}
		return &glintfetch.ResourceResponse{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       glintfetch.NewBodyBytes(body),
			Cacheable:  true,
			Immutable:  true,
			Protocol:   "ipfs",
		}, nil
	}
	return nil, lastErr
}

func (h *Handler) fetchFromGateway(ctx context.Context, gateway string, id cid.Cid) ([]byte, http.Header, error) {
	u, err := url.Parse(strings.TrimRight(gateway, "/") + "/ipfs/" + id.String())
	if err != nil {
		return nil, nil, fmt.Errorf("gateway url: %w", err)
	}

	res, err := h.transport.Fetch(ctx, &glintfetch.ResourceRequest{
		URL:    u,
		Method: http.MethodGet,
		Header: http.Header{},
	})
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("gateway returned status %d", res.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(res.Body, h.maxBodyBytes)); err != nil {
		return nil, nil, fmt.Errorf("reading blob: %w", err)
	}

	if err := verify(id, buf.Bytes()); err != nil {
		return nil, nil, glintfetch.NewError(glintfetch.KindIntegrityMismatch, u.Host, err)
	}
	return buf.Bytes(), res.Header, nil
}

// verify re-hashes the blob with the identifier's hash function and
// compares digests. Mismatched bytes never leave this package.
func verify(id cid.Cid, blob []byte) error {
	decoded, err := mh.Decode(id.Hash())
	if err != nil {
		return fmt.Errorf("decoding multihash: %w", err)
	}
	computed, err := mh.Sum(blob, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hashing blob: %w", err)
	}
	if !bytes.Equal(computed, id.Hash()) {
		return fmt.Errorf("blob hash does not match identifier %s", id)
	}
	return nil
}

// parseCID accepts ipfs://CID with the identifier in the host part.
// Path-form identifiers are not supported.
func parseCID(u *url.URL) (cid.Cid, error) {
	raw := u.Host
	if raw == "" {
		raw = strings.TrimPrefix(u.Opaque, "//")
	}
	if raw == "" || (u.Path != "" && u.Path != "/") {
		return cid.Undef, fmt.Errorf("identifier must be a bare content hash")
	}
	id, err := cid.Decode(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid content identifier %q: %w", raw, err)
	}
	return id, nil
}
