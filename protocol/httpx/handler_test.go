package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	glintfetch "github.com/glint-browser/glint-fetch"
	cachekey "github.com/glint-browser/glint-fetch/pkg/cache-key"
	"github.com/glint-browser/glint-fetch/pool"
)

func newTestHandler(t *testing.T) (*Handler, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{PerOriginLimit: 2, MaxWait: time.Second})
	t.Cleanup(func() { p.Close() })
	return New(Config{Pool: p}), p
}

func testRequest(t *testing.T, uri string) *glintfetch.ResourceRequest {
	t.Helper()
	req, err := glintfetch.NewRequest(uri)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestFetchBodyAndFreshness(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte("Hello world"))
	}))
	defer server.Close()
	h, _ := newTestHandler(t)

	res, err := h.Fetch(context.Background(), testRequest(t, server.URL+"/page"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if !res.Cacheable {
		t.Fatal("Response should be cacheable")
	}
	if res.Expires.IsZero() || time.Until(res.Expires) > time.Minute+time.Second {
		t.Fatalf("Expires is %v", res.Expires)
	}
	if res.Validator != `"v1"` {
		t.Fatalf("Validator is %s", res.Validator)
	}
}

func TestConnectionReuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	h, p := newTestHandler(t)
	req := testRequest(t, server.URL)
	origin := cachekey.OriginOf(req.URL)

	for i := 0; i < 3; i++ {
		res, err := h.Fetch(context.Background(), req)
		if err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	if idle := p.IdleCount(origin.Key()); idle != 1 {
		t.Fatalf("Expected a single reused idle connection, have %d", idle)
	}
}

func TestRedirectsFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("made it"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	h, _ := newTestHandler(t)

	res, err := h.Fetch(context.Background(), testRequest(t, server.URL+"/start"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "made it" {
		t.Fatalf("Body is %s", body)
	}
}

func TestTooManyRedirects(t *testing.T) {
	var server *httptest.Server
	count := 0
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		http.Redirect(w, r, fmt.Sprintf("/hop-%d", count), http.StatusFound)
	}))
	defer server.Close()
	p := pool.New(pool.Config{PerOriginLimit: 2})
	defer p.Close()
	h := New(Config{Pool: p, MaxRedirects: 3})

	_, err := h.Fetch(context.Background(), testRequest(t, server.URL))
	if glintfetch.KindOf(err) != glintfetch.KindTooManyRedirects {
		t.Fatalf("Expected too-many-redirects, got %v", err)
	}
}

func TestConditionalRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("full body"))
	}))
	defer server.Close()
	h, _ := newTestHandler(t)

	req := testRequest(t, server.URL)
	req.Validator = `"v1"`
	res, err := h.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestDeadlineAbortsFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()
	h, p := newTestHandler(t)
	req := testRequest(t, server.URL)
	origin := cachekey.OriginOf(req.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Fetch(ctx, req)
	if glintfetch.KindOf(err) != glintfetch.KindTimeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	// the aborted connection must not have rejoined the idle set
	if idle := p.IdleCount(origin.Key()); idle != 0 {
		t.Fatalf("Poisoned connection in idle set: %d", idle)
	}
}
