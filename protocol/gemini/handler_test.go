package gemini

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	glintfetch "github.com/glint-browser/glint-fetch"
	"github.com/glint-browser/glint-fetch/pool"
)

// startTestServer runs a minimal single-connection-at-a-time server
// speaking the one-round-trip protocol over TLS.
func startTestServer(t *testing.T, respond func(request string) string) string {
	t.Helper()
	cert := selfSignedCert(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				request, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				io.WriteString(conn, respond(strings.TrimRight(request, "\r\n")))
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	p := pool.New(pool.Config{PerOriginLimit: 2, MaxWait: time.Second})
	t.Cleanup(func() { p.Close() })
	return New(Config{Pool: p})
}

func fetchFrom(t *testing.T, h *Handler, uri string) (*glintfetch.ResourceResponse, error) {
	t.Helper()
	req, err := glintfetch.NewRequest(uri)
	if err != nil {
		t.Fatal(err)
	}
	return h.Fetch(context.Background(), req)
}

func TestSingleRoundTrip(t *testing.T) {
	addr := startTestServer(t, func(request string) string {
		return "20 text/gemini\r\n# Hello\nBody line"
	})
	h := newTestHandler(t)

	res, err := fetchFrom(t, h, "gemini://"+addr+"/doc")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("Content-Type") != "text/gemini" {
		t.Fatalf("Content type is %s", res.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "# Hello\nBody line" {
		t.Fatalf("Body is %s", body)
	}
	if res.TLSState == nil {
		t.Fatal("Trust material missing")
	}
}

func TestNotFoundMapped(t *testing.T) {
	addr := startTestServer(t, func(request string) string {
		return "51 Not found\r\n"
	})
	h := newTestHandler(t)

	res, err := fetchFrom(t, h, "gemini://"+addr+"/missing")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Cacheable {
		t.Fatal("Failure responses must not be cacheable")
	}
}

func TestRedirectBounded(t *testing.T) {
	var addr string
	hops := 0
	addr = startTestServer(t, func(request string) string {
		hops++
		return fmt.Sprintf("30 gemini://%s/hop-%d\r\n", addr, hops)
	})
	h := newTestHandler(t)

	_, err := fetchFrom(t, h, "gemini://"+addr+"/start")
	if glintfetch.KindOf(err) != glintfetch.KindTooManyRedirects {
		t.Fatalf("Expected too-many-redirects, got %v", err)
	}
}

func TestCancelAbortsStalledExchange(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := startTestServer(t, func(request string) string {
		// hold the connection open without ever answering
		<-release
		return ""
	})
	h := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req, err := glintfetch.NewRequest("gemini://" + addr + "/stalled")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = h.Fetch(ctx, req)
	if glintfetch.KindOf(err) != glintfetch.KindTimeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Cancellation took %s to surface", elapsed)
	}
}

func TestStatusLineParsing(t *testing.T) {
	status, meta, err := parseStatusLine("20 text/gemini\r\n")
	if err != nil || status != 20 || meta != "text/gemini" {
		t.Fatalf("Parsed %d %q %v", status, meta, err)
	}
	if _, _, err := parseStatusLine("x\r\n"); err == nil {
		t.Fatal("Expected parse error")
	}
}
