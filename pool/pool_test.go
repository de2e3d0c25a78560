package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed atomic.Bool
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func fakeConnector(dials *atomic.Int32) Connector {
	return func(ctx context.Context) (Session, error) {
		dials.Add(1)
		return &fakeSession{}, nil
	}
}

func TestAcquireReusesIdleSession(t *testing.T) {
	p := New(Config{PerOriginLimit: 2})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "https://example.com:443", connect)
	require.NoError(t, err)
	p.Release(h, nil)

	h2, err := p.Acquire(context.Background(), "https://example.com:443", connect)
	require.NoError(t, err)
	defer p.Release(h2, nil)

	require.Equal(t, int32(1), dials.Load(), "second acquire must reuse the idle session")
	require.Same(t, h.Session, h2.Session)
}

func TestPerOriginLimitExhaustion(t *testing.T) {
	p := New(Config{PerOriginLimit: 1, MaxWait: 50 * time.Millisecond})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	defer p.Release(h, nil)

	_, err = p.Acquire(context.Background(), "origin", connect)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestWaiterGetsReleasedSession(t *testing.T) {
	p := New(Config{PerOriginLimit: 1, MaxWait: time.Second})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2, err := p.Acquire(context.Background(), "origin", connect)
		require.NoError(t, err)
		p.Release(h2, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(h, nil)
	wg.Wait()

	require.Equal(t, int32(1), dials.Load(), "waiter should have been handed the released session")
}

func TestErrorOutcomeDiscardsSession(t *testing.T) {
	p := New(Config{PerOriginLimit: 2})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	session := h.Session.(*fakeSession)

	p.Release(h, errors.New("protocol violation"))

	require.True(t, session.closed.Load(), "poisoned session must be closed")
	require.Equal(t, 0, p.IdleCount("origin"), "poisoned session must not rejoin the idle set")

	// the next acquire dials fresh
	h2, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	p.Release(h2, nil)
	require.Equal(t, int32(2), dials.Load())
}

func TestIdleSessionsExpire(t *testing.T) {
	p := New(Config{PerOriginLimit: 2, IdleTimeout: 30 * time.Millisecond})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	session := h.Session.(*fakeSession)
	p.Release(h, nil)

	time.Sleep(60 * time.Millisecond)

	h2, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	defer p.Release(h2, nil)

	require.True(t, session.closed.Load(), "expired idle session must be closed")
	require.Equal(t, int32(2), dials.Load(), "expired session must not be reused")
}

func TestAcquireRespectsContext(t *testing.T) {
	p := New(Config{PerOriginLimit: 1, MaxWait: time.Second})
	defer p.Close()
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	defer p.Release(h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "origin", connect)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseClosesIdleSessions(t *testing.T) {
	p := New(Config{PerOriginLimit: 2})
	var dials atomic.Int32
	connect := fakeConnector(&dials)

	h, err := p.Acquire(context.Background(), "origin", connect)
	require.NoError(t, err)
	session := h.Session.(*fakeSession)
	p.Release(h, nil)

	require.NoError(t, p.Close())
	require.True(t, session.closed.Load())

	_, err = p.Acquire(context.Background(), "origin", connect)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialFailureFreesSlot(t *testing.T) {
	p := New(Config{PerOriginLimit: 1, MaxWait: time.Second})
	defer p.Close()

	failing := func(ctx context.Context) (Session, error) {
		return nil, errors.New("connection refused")
	}
	_, err := p.Acquire(context.Background(), "origin", failing)
	require.Error(t, err)

	// the slot must be free for the next caller
	var dials atomic.Int32
	h, err := p.Acquire(context.Background(), "origin", fakeConnector(&dials))
	require.NoError(t, err)
	p.Release(h, nil)
}
