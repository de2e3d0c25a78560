// Package gemini is the lightweight hypertext handler: one TLS round
// trip per fetch, a two-digit status line, no connection reuse beyond
// the pool's generic idle logic.
package gemini

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	glintfetch "github.com/glint-browser/glint-fetch"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	"github.com/glint-browser/glint-fetch/pool"
)

const defaultMaxBodyBytes = 16 << 20

// the protocol closes the connection after each response
var errSingleUse = errors.New("connection not reusable")

// Config for creating a Handler.
type Config struct {
	Pool *pool.Pool
	// MaxRedirects bounds the redirect chain. Default 5.
	MaxRedirects int
	// MaxBodyBytes bounds bodies read into memory. Default 16 MiB.
	MaxBodyBytes int64
	// DialTimeout for new connections. Default 10s.
	DialTimeout time.Duration
	Logger      *zerolog.Logger
}

// Handler performs gemini fetches.
type Handler struct {
	pool         *pool.Pool
	maxRedirects int
	maxBodyBytes int64
	dialTimeout  time.Duration
	log          zerolog.Logger
}

func New(cfg Config) *Handler {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	return &Handler{
		pool:         cfg.Pool,
		maxRedirects: cfg.MaxRedirects,
		maxBodyBytes: cfg.MaxBodyBytes,
		dialTimeout:  cfg.DialTimeout,
		log:          logger,
	}
}

func (h *Handler) Fetch(ctx context.Context, req *glintfetch.ResourceRequest) (*glintfetch.ResourceResponse, error) {
	u := req.URL
	for hop := 0; ; hop++ {
		res, redirect, err := h.exchange(ctx, u)
		if err != nil {
			return nil, err
		}
		if redirect == "" {
			return res, nil
		}
		if hop+1 > h.maxRedirects {
			return nil, glintfetch.NewError(glintfetch.KindTooManyRedirects, u.Host,
				fmt.Errorf("more than %d redirect hops", h.maxRedirects))
		}
		target, err := u.Parse(redirect)
		if err != nil {
			return nil, glintfetch.NewError(glintfetch.KindTransportError, u.Host,
				fmt.Errorf("bad redirect target %q: %w", redirect, err))
		}
		u = target
	}
}

func (h *Handler) connector(origin cachekey.Origin) pool.Connector {
	return func(ctx context.Context) (pool.Session, error) {
		dialer := net.Dialer{Timeout: h.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", origin.Addr())
		if err != nil {
			return nil, err
		}
		// self-signed certificates are the norm here; the validation
		// gate decides, with the insecure-origins exception list
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         origin.Host,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

func (h *Handler) exchange(ctx context.Context, u *url.URL) (*glintfetch.ResourceResponse, string, error) {
	origin := cachekey.OriginOf(u)
	handle, err := h.pool.Acquire(ctx, origin.Key(), h.connector(origin))
	if err != nil {
		return nil, "", classifyAcquireError(origin.Host, err)
	}
	conn := handle.Session.(net.Conn)
	stop := watchCancel(ctx, conn)
	defer stop()

	if _, err := fmt.Fprintf(conn, "%s\r\n", u.String()); err != nil {
		h.pool.Release(handle, err)
		return nil, "", classifyIOError(ctx, origin.Host, err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		h.pool.Release(handle, err)
		return nil, "", classifyIOError(ctx, origin.Host, err)
	}
	status, meta, err := parseStatusLine(statusLine)
	if err != nil {
		h.pool.Release(handle, err)
		return nil, "", glintfetch.NewError(glintfetch.KindTransportError, origin.Host, err)
	}

	// redirect statuses carry the target in meta
	if status/10 == 3 {
		h.pool.Release(handle, errSingleUse)
		return nil, meta, nil
	}

	var body []byte
	if status/10 == 2 {
		body, err = io.ReadAll(io.LimitReader(reader, h.maxBodyBytes))
		if err != nil {
			h.pool.Release(handle, err)
			return nil, "", classifyIOError(ctx, origin.Host, err)
		}
	}
	tlsConn := conn.(*tls.Conn)
	state := tlsConn.ConnectionState()
	h.pool.Release(handle, errSingleUse)

	header := make(http.Header)
	if status/10 == 2 && meta != "" {
		header.Set("Content-Type", meta)
	}
	return &glintfetch.ResourceResponse{
		StatusCode: mapStatus(status),
		Header:     header,
		Body:       glintfetch.NewBodyBytes(body),
		Cacheable:  status/10 == 2,
		Protocol:   origin.Scheme,
		TLSState:   &state,
	}, "", nil
}

// parseStatusLine splits "<two-digit status> <meta>\r\n".
func parseStatusLine(line string) (int, string, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	status := 0
	for _, r := range line[:2] {
		if r < '0' || r > '9' {
			return 0, "", fmt.Errorf("malformed status line %q", line)
		}
		status = status*10 + int(r-'0')
	}
	meta := strings.TrimSpace(line[2:])
	return status, meta, nil
}

// mapStatus translates the two-digit protocol status onto the uniform
// response contract.
func mapStatus(status int) int {
	switch status / 10 {
	case 2:
		return http.StatusOK
	case 4:
		return http.StatusServiceUnavailable
	case 5:
		if status == 51 {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case 6:
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

// watchCancel aborts in-flight conn I/O when the context ends, whether
// by deadline or plain cancellation.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		conn.SetDeadline(time.Time{})
	}
}

func classifyAcquireError(origin string, err error) error {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return glintfetch.NewError(glintfetch.KindPoolExhausted, origin, err)
	case errors.Is(err, context.DeadlineExceeded):
		return glintfetch.NewError(glintfetch.KindTimeout, origin, err)
	default:
		return glintfetch.NewError(glintfetch.KindTransportError, origin, err)
	}
}

func classifyIOError(ctx context.Context, origin string, err error) error {
	if ctx.Err() != nil {
		return glintfetch.NewError(glintfetch.KindTimeout, origin, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return glintfetch.NewError(glintfetch.KindTimeout, origin, err)
	}
	return glintfetch.NewError(glintfetch.KindTransportError, origin, err)
}
