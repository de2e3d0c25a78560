package wsstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	glintfetch "github.com/glint-browser/glint-fetch"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	"github.com/glint-browser/glint-fetch/pool"
)

var upgrader = websocket.Upgrader{}

func echoServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
}

func wsRequest(t *testing.T, httpURL string) *glintfetch.ResourceRequest {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("parse %s: %v", wsURL, err)
	}
	return &glintfetch.ResourceRequest{URL: u, Method: http.MethodGet, Header: http.Header{}}
}

func TestStreamDeliversMessages(t *testing.T) {
	server := echoServer(t, []string{"first", "second"})
	defer server.Close()

	p := pool.New(pool.Config{PerOriginLimit: 2})
	defer p.Close()
	h := New(Config{Pool: p})

	res, err := h.Fetch(context.Background(), wsRequest(t, server.URL))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	defer res.Body.Close()

	if res.Cacheable {
		t.Error("stream response must not be cacheable")
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if got := string(body); got != "firstsecond" {
		t.Errorf("stream content = %q, want %q", got, "firstsecond")
	}
}

func TestStreamConnectionNotReused(t *testing.T) {
	server := echoServer(t, []string{"hello"})
	defer server.Close()

	p := pool.New(pool.Config{PerOriginLimit: 2})
	defer p.Close()
	h := New(Config{Pool: p})

	req := wsRequest(t, server.URL)
	res, err := h.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()

	if n := p.IdleCount(cachekey.OriginOf(req.URL).Key()); n != 0 {
		t.Errorf("closed stream left %d idle connections, want 0", n)
	}
}

func TestStreamCancelDuringDial(t *testing.T) {
	p := pool.New(pool.Config{PerOriginLimit: 1})
	defer p.Close()
	h := New(Config{Pool: p, DialTimeout: 50 * time.Millisecond})

	// unroutable address
	u, _ := url.Parse("ws://203.0.113.1:9/stream")
	req := &glintfetch.ResourceRequest{URL: u, Method: http.MethodGet, Header: http.Header{}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.Fetch(ctx, req)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	kind := glintfetch.KindOf(err)
	if kind != glintfetch.KindTimeout && kind != glintfetch.KindTransportError {
		t.Errorf("error kind = %v, want timeout or transport-error", kind)
	}
}
