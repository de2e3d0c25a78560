package cachekey

import (
	"fmt"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// default ports elided during normalization, by scheme
var defaultPorts = map[string]string{
	"http":   "80",
	"https":  "443",
	"ws":     "80",
	"wss":    "443",
	"gemini": "1965",
	"ftp":    "21",
}

// Schemes whose authority component carries identity rather than a DNS
// name. ipfs content identifiers are base58, so case distinguishes
// different content and must survive normalization.
var caseSensitiveAuthority = map[string]bool{
	"ipfs": true,
}

// CacheKeyer turns requests into canonical cache keys.
// Identical requests must normalize to the same key: the scheme is
// lowercased, default ports dropped, empty paths become "/". Hosts are
// lowercased too, except for schemes whose authority is case-sensitive.
type CacheKeyer struct{}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{}
}

// GetKey returns the canonical cache key for a method and URI.
func (c CacheKeyer) GetKey(method string, u *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + c.CanonicalURI(u)
}

// CanonicalURI returns the normalized form of u used inside keys.
func (c CacheKeyer) CanonicalURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := u.Hostname()
	if !caseSensitiveAuthority[scheme] {
		host = strings.ToLower(host)
	}
	port := u.Port()
	if port != "" && port != defaultPorts[scheme] {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	uri := scheme + "://" + host + path
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri
}

// GetURIFromKey recovers the canonical URI from a previously generated key.
// It returns an error if the key cannot be parsed back.
func (c CacheKeyer) GetURIFromKey(key string) (string, error) {
	_, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return "", fmt.Errorf("malformed key: %s", key)
	}
	return uri, nil
}

// Origin is the (scheme, host, port) connection target of a URL,
// with normalization applied.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// OriginOf extracts the normalized origin of u.
// The port is the scheme default if absent.
func OriginOf(u *url.URL) Origin {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	return Origin{
		Scheme: scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   port,
	}
}

// Addr is the dialable host:port of the origin.
func (o Origin) Addr() string {
	return o.Host + ":" + o.Port
}

// Key uniquely identifies the origin for pooling purposes.
func (o Origin) Key() string {
	return o.Scheme + "://" + o.Addr()
}
