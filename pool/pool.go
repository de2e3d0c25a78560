// Package pool manages reusable per-origin transport sessions.
// It holds no application data, only transport lifecycle: per-origin
// concurrency limits, FIFO waiting, idle reaping, and discarding of
// poisoned sessions.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one protocol-defined transport session: a net.Conn for
// socket protocols, a control connection for ftp, and so on.
type Session interface {
	Close() error
}

// Connector dials a new session for an origin when the pool has no idle
// one to lend.
type Connector func(ctx context.Context) (Session, error)

// ErrExhausted means the per-origin limit is reached and the bounded
// wait expired before a session freed up.
var ErrExhausted = errors.New("connection pool exhausted for origin")

// ErrClosed means the pool has been shut down.
var ErrClosed = errors.New("connection pool closed")

// Handle is one lent session. It belongs to exactly one in-flight
// handler call between Acquire and Release.
type Handle struct {
	Session  Session
	origin   string
	lastUsed time.Time
}

// Config for creating a Pool.
type Config struct {
	// PerOriginLimit caps concurrent sessions per origin. Default 6.
	PerOriginLimit int
	// MaxWait bounds how long Acquire queues behind the limit. Default 10s.
	MaxWait time.Duration
	// IdleTimeout closes idle sessions after this long. Default 90s.
	IdleTimeout time.Duration
	Logger      *zerolog.Logger
}

// Pool lends sessions per origin.
type Pool struct {
	mu      sync.Mutex
	origins map[string]*originPool
	closed  bool

	limit       int
	maxWait     time.Duration
	idleTimeout time.Duration
	log         zerolog.Logger
	stopReaper  chan struct{}
}

func New(cfg Config) *Pool {
	if cfg.PerOriginLimit <= 0 {
		cfg.PerOriginLimit = 6
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	p := &Pool{
		origins:     make(map[string]*originPool),
		limit:       cfg.PerOriginLimit,
		maxWait:     cfg.MaxWait,
		idleTimeout: cfg.IdleTimeout,
		log:         logger,
		stopReaper:  make(chan struct{}),
	}
	go p.reapIdle()
	return p
}

// originPool tracks sessions for a single origin. Locking is scoped to
// the origin, so unrelated fetches never contend here.
type originPool struct {
	mu       sync.Mutex
	origin   string
	inFlight int
	idle     []*Handle
	waiters  []*waiter
}

// waiter receives either a reused handle or nil, meaning "the slot is
// yours, dial your own". The channel is buffered so a handoff can never
// block a releaser.
type waiter struct {
	ch chan *Handle
}

// Acquire returns a session for the origin, reusing an idle one when
// possible. Callers beyond the per-origin limit queue in FIFO order up
// to the bounded wait.
func (p *Pool) Acquire(ctx context.Context, origin string, connect Connector) (*Handle, error) {
	op, err := p.originPool(origin)
	if err != nil {
		return nil, err
	}

	op.mu.Lock()
	if h := op.popIdle(p.idleTimeout); h != nil {
		op.inFlight++
		op.mu.Unlock()
		return h, nil
	}
	if op.inFlight < p.limit {
		op.inFlight++
		op.mu.Unlock()
		return p.dial(ctx, op, connect)
	}
	w := &waiter{ch: make(chan *Handle, 1)}
	op.waiters = append(op.waiters, w)
	op.mu.Unlock()

	timer := time.NewTimer(p.maxWait)
	defer timer.Stop()
	select {
	case h := <-w.ch:
		if h == nil {
			// slot granted, in-flight count already covers us
			return p.dial(ctx, op, connect)
		}
		return h, nil
	case <-ctx.Done():
		return nil, p.abandonWait(op, w, ctx.Err())
	case <-timer.C:
		return nil, p.abandonWait(op, w, ErrExhausted)
	}
}

// Release returns the handle to the pool. A non-nil outcome marks the
// session poisoned: it is closed, never put back in the idle set.
func (p *Pool) Release(h *Handle, outcome error) {
	if h == nil {
		return
	}
	op, err := p.originPool(h.origin)
	if err != nil {
		h.Session.Close()
		return
	}

	if outcome != nil {
		h.Session.Close()
		op.mu.Lock()
		if w := op.popWaiter(); w != nil {
			// grant the freed slot; waiter dials its own session
			op.mu.Unlock()
			w.ch <- nil
			return
		}
		op.inFlight--
		op.mu.Unlock()
		p.log.Trace().Str("origin", h.origin).Err(outcome).Msg("Discarded poisoned connection")
		return
	}

	h.lastUsed = time.Now()
	op.mu.Lock()
	if w := op.popWaiter(); w != nil {
		op.mu.Unlock()
		w.ch <- h
		return
	}
	op.inFlight--
	op.idle = append(op.idle, h)
	op.mu.Unlock()
}

// Close shuts the pool down and closes all idle sessions.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopReaper)
	origins := make([]*originPool, 0, len(p.origins))
	for _, op := range p.origins {
		origins = append(origins, op)
	}
	p.mu.Unlock()

	for _, op := range origins {
		op.mu.Lock()
		for _, h := range op.idle {
			h.Session.Close()
		}
		op.idle = nil
		op.mu.Unlock()
	}
	return nil
}

// IdleCount reports the number of idle sessions for an origin.
func (p *Pool) IdleCount(origin string) int {
	p.mu.Lock()
	op, ok := p.origins[origin]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.idle)
}

func (p *Pool) originPool(origin string) (*originPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	op, ok := p.origins[origin]
	if !ok {
		op = &originPool{origin: origin}
		p.origins[origin] = op
	}
	return op, nil
}

func (p *Pool) dial(ctx context.Context, op *originPool, connect Connector) (*Handle, error) {
	session, err := connect(ctx)
	if err != nil {
		// free the slot we were holding
		op.mu.Lock()
		if w := op.popWaiter(); w != nil {
			op.mu.Unlock()
			w.ch <- nil
		} else {
			op.inFlight--
			op.mu.Unlock()
		}
		return nil, err
	}
	return &Handle{Session: session, origin: op.origin, lastUsed: time.Now()}, nil
}

// abandonWait removes the waiter from the queue. If a releaser dequeued
// it concurrently, the handoff must be accepted and given back.
func (p *Pool) abandonWait(op *originPool, w *waiter, cause error) error {
	op.mu.Lock()
	for i, queued := range op.waiters {
		if queued == w {
			op.waiters = append(op.waiters[:i], op.waiters[i+1:]...)
			op.mu.Unlock()
			return cause
		}
	}
	op.mu.Unlock()
	// already dequeued: a handoff is in flight, take it and put it back
	h := <-w.ch
	if h != nil {
		p.Release(h, nil)
	} else {
		op.mu.Lock()
		if next := op.popWaiter(); next != nil {
			op.mu.Unlock()
			next.ch <- nil
		} else {
			op.inFlight--
			op.mu.Unlock()
		}
	}
	return cause
}

// popIdle pops the most recently used idle handle, closing expired ones
// along the way. Caller holds the origin lock.
func (op *originPool) popIdle(idleTimeout time.Duration) *Handle {
	for len(op.idle) > 0 {
		h := op.idle[len(op.idle)-1]
		op.idle = op.idle[:len(op.idle)-1]
		if time.Since(h.lastUsed) > idleTimeout {
			h.Session.Close()
			continue
		}
		return h
	}
	return nil
}

// popWaiter pops the first (oldest) waiter. Caller holds the origin lock.
func (op *originPool) popWaiter() *waiter {
	if len(op.waiters) == 0 {
		return nil
	}
	w := op.waiters[0]
	op.waiters = op.waiters[1:]
	return w
}

// reapIdle periodically closes idle sessions past the idle timeout.
func (p *Pool) reapIdle() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		origins := make([]*originPool, 0, len(p.origins))
		for _, op := range p.origins {
			origins = append(origins, op)
		}
		p.mu.Unlock()
		now := time.Now()
		for _, op := range origins {
			op.mu.Lock()
			kept := op.idle[:0]
			for _, h := range op.idle {
				if now.Sub(h.lastUsed) > p.idleTimeout {
					h.Session.Close()
					continue
				}
				kept = append(kept, h)
			}
			op.idle = kept
			op.mu.Unlock()
		}
	}
}
