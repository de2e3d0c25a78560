// Package ftpx is the file transfer handler. Control connections are
// pooled and reused across fetches; each fetch opens its own data
// channel for the transfer.
package ftpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	glintfetch "github.com/glint-browser/glint-fetch"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	"github.com/glint-browser/glint-fetch/pool"
)

const anonymousUser = "anonymous"

// Config for creating a Handler.
type Config struct {
	Pool *pool.Pool
	// DialTimeout for new control connections. Default 10s.
	DialTimeout time.Duration
	// MaxBodyBytes caps transfer size. Default 32 MiB.
	MaxBodyBytes int64
	// DefaultTTL is how long a fetched file stays fresh. Listings and
	// files carry no validators, so expiry is the only freshness
	// signal. Default 5m.
	DefaultTTL time.Duration
	Logger     *zerolog.Logger
}

// Handler performs ftp fetches.
type Handler struct {
	pool         *pool.Pool
	dialTimeout  time.Duration
	maxBodyBytes int64
	defaultTTL   time.Duration
	log          zerolog.Logger
}

func New(cfg Config) *Handler {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	return &Handler{
		pool:         cfg.Pool,
		dialTimeout:  cfg.DialTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		defaultTTL:   cfg.DefaultTTL,
		log:          logger,
	}
}

// session wraps a logged-in control connection for pooling. The client
// dials through trackConn, so the raw control and per-transfer data
// connections stay reachable for deadline-based aborts.
type session struct {
	conn *ftp.ServerConn

	mu      sync.Mutex
	control net.Conn
	data    net.Conn
}

func (s *session) Close() error { return s.conn.Quit() }

// trackConn is the dial func handed to the ftp client. The first dial
// of a session is the control connection, every later one a data
// channel.
func (s *session) trackConn(timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		conn, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.control == nil {
			s.control = conn
		} else {
			s.data = conn
		}
		s.mu.Unlock()
		return conn, nil
	}
}

// setDeadline applies t to the control connection and to the data
// channel of an in-flight transfer, if any.
func (s *session) setDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control != nil {
		s.control.SetDeadline(t)
	}
	if s.data != nil {
		s.data.SetDeadline(t)
	}
}

func (s *session) forgetData() {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
}

// watchCancel aborts in-flight session I/O when the context ends, so a
// blocked transfer surfaces as a timeout instead of hanging. The caller
// resets the session deadlines after stop.
func watchCancel(ctx context.Context, sess *session) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		sess.setDeadline(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.setDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Fetch retrieves the file at the request path. The control connection
// goes back to the pool on success; any data channel failure aborts
// the fetch and discards the control connection, since its state is
// then unknown.
func (h *Handler) Fetch(ctx context.Context, req *glintfetch.ResourceRequest) (*glintfetch.ResourceResponse, error) {
	origin := cachekey.OriginOf(req.URL)
	handle, err := h.pool.Acquire(ctx, origin.Key(), h.connector(origin, req))
	if err != nil {
		return nil, classifyAcquireError(origin.Host, err)
	}
	sess := handle.Session.(*session)
	// the session may go back to the pool, so the watcher must be torn
	// down before every Release
	stop := watchCancel(ctx, sess)
	release := func(outcome error) {
		stop()
		sess.forgetData()
		if outcome == nil {
			sess.setDeadline(time.Time{})
		} else {
			// the pool closes poisoned sessions; a deadline in the past
			// keeps the goodbye exchange from blocking
			sess.setDeadline(time.Unix(1, 0))
		}
		h.pool.Release(handle, outcome)
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	data, err := sess.conn.Retr(path)
	if err != nil {
		var proto *textproto.Error
		if errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable {
			// control connection is still in a known state
			release(nil)
			return &glintfetch.ResourceResponse{
				StatusCode: http.StatusNotFound,
				Header:     http.Header{},
				Body:       glintfetch.NewBodyBytes(nil),
				Cacheable:  false,
				Protocol:   "ftp",
			}, nil
		}
		release(err)
		if ctx.Err() != nil {
			return nil, glintfetch.NewError(glintfetch.KindTimeout, origin.Host, ctx.Err())
		}
		return nil, glintfetch.NewError(glintfetch.KindTransportError, origin.Host,
			fmt.Errorf("retrieve %s: %w", path, err))
	}

	body, err := h.readTransfer(data)
	if err != nil {
		release(err)
		if ctx.Err() != nil {
			return nil, glintfetch.NewError(glintfetch.KindTimeout, origin.Host, ctx.Err())
		}
		return nil, glintfetch.NewError(glintfetch.KindTransportError, origin.Host,
			fmt.Errorf("transfer %s: %w", path, err))
	}
	release(nil)

	header := http.Header{}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &glintfetch.ResourceResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       glintfetch.NewBodyBytes(body),
		Cacheable:  true,
		Expires:    time.Now().Add(h.defaultTTL),
		Protocol:   "ftp",
	}, nil
}

// readTransfer drains the data channel and closes it. Closing reads
// the transfer-complete reply on the control connection, so failures
// here poison the control connection too.
func (h *Handler) readTransfer(data *ftp.Response) ([]byte, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(data, h.maxBodyBytes))
	closeErr := data.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return buf.Bytes(), nil
}

func (h *Handler) connector(origin cachekey.Origin, req *glintfetch.ResourceRequest) pool.Connector {
	return func(ctx context.Context) (pool.Session, error) {
		// the custom dial func also covers data channels, so the dial
		// timeout stands in for the context here
		sess := &session{}
		conn, err := ftp.Dial(origin.Addr(), ftp.DialWithDialFunc(sess.trackConn(h.dialTimeout)))
		if err != nil {
			return nil, err
		}
		sess.conn = conn

		user, pass := anonymousUser, anonymousUser
		if req.URL.User != nil {
			user = req.URL.User.Username()
			if p, ok := req.URL.User.Password(); ok {
				pass = p
			}
		}
		if err := conn.Login(user, pass); err != nil {
			conn.Quit()
			return nil, err
		}
		return sess, nil
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
