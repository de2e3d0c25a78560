// Package wsstream is the streaming socket handler. A fetch upgrades a
// pooled connection to a long-lived bidirectional stream; the response
// is terminal and non-cacheable, its body the incoming message stream.
package wsstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	glintfetch "github.com/glint-browser/glint-fetch"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	"github.com/glint-browser/glint-fetch/pool"
)

// upgraded connections are never reusable
var errStreamConn = errors.New("stream connection not reusable")

// Config for creating a Handler.
type Config struct {
	Pool *pool.Pool
	// DialTimeout for new connections. Default 10s.
	DialTimeout time.Duration
	// HandshakeTimeout for the upgrade. Default 15s.
	HandshakeTimeout time.Duration
	Logger           *zerolog.Logger
}

// Handler performs ws and wss fetches.
type Handler struct {
	pool             *pool.Pool
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	log              zerolog.Logger
}

func New(cfg Config) *Handler {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	return &Handler{
		pool:             cfg.Pool,
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		log:              logger,
	}
}

// Fetch dials through the pool, so per-origin connection limits apply
// to streams too, then upgrades. The returned body is live: reading it
// yields messages as they arrive, closing it tears the stream down and
// discards the connection (streams never rejoin the idle set).
func (h *Handler) Fetch(ctx context.Context, req *glintfetch.ResourceRequest) (*glintfetch.ResourceResponse, error) {
	origin := cachekey.OriginOf(req.URL)
	handle, err := h.pool.Acquire(ctx, origin.Key(), h.connector(origin))
	if err != nil {
		return nil, classifyAcquireError(origin.Host, err)
	}
	conn := handle.Session.(net.Conn)

	dialer := websocket.Dialer{
		HandshakeTimeout: h.handshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn, nil
		},
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn, nil
		},
	}

	wsConn, upgradeRes, err := dialer.DialContext(ctx, req.URL.String(), req.Header)
	if err != nil {
		h.pool.Release(handle, err)
		if ctx.Err() != nil {
			return nil, glintfetch.NewError(glintfetch.KindTimeout, origin.Host, ctx.Err())
		}
		return nil, glintfetch.NewError(glintfetch.KindTransportError, origin.Host,
			fmt.Errorf("stream upgrade failed: %w", err))
	}

	var tlsState *tls.ConnectionState
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		tlsState = &state
	}

	header := make(http.Header)
	statusCode := http.StatusSwitchingProtocols
	if upgradeRes != nil {
		header = upgradeRes.Header
		statusCode = upgradeRes.StatusCode
	}

	return &glintfetch.ResourceResponse{
		StatusCode: statusCode,
		Header:     header,
		Body: &streamBody{
			conn:    wsConn,
			release: func() { h.pool.Release(handle, errStreamConn) },
		},
		Cacheable: false,
		Protocol:  origin.Scheme,
		TLSState:  tlsState,
	}, nil
}

func (h *Handler) connector(origin cachekey.Origin) pool.Connector {
	return func(ctx context.Context) (pool.Session, error) {
		dialer := net.Dialer{Timeout: h.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", origin.Addr())
		if err != nil {
			return nil, err
		}
		if origin.Scheme != "wss" {
			return conn, nil
		}
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         origin.Host,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

// streamBody adapts the message stream to io.ReadCloser. Reads drain
// one message at a time; the stream is non-restartable.
type streamBody struct {
	conn    *websocket.Conn
	current io.Reader

	closeOnce sync.Once
	release   func()
}

func (s *streamBody) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			_, reader, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.current = reader
		}
		n, err := s.current.Read(p)
		if errors.Is(err, io.EOF) {
			s.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *streamBody) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		s.release()
	})
	return err
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
