package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the parsed cache directives of a response.
type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.duration("max-age")
}

func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.duration("s-maxage")
}

func (c CacheControl) duration(directive string) (time.Duration, bool) {
	val, ok := c.Get(directive)
	if !ok {
		return 0, false
	}
	seconds, err := strconv.Atoi(val)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// ParseCacheControl takes Cache-Control headers as a slice of strings.
// Note setting map values like this means the last defined directive wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
			var val string
			if len(parts) > 1 {
				val = strings.Trim(parts[1], `"`)
			}
			m[strings.ToLower(parts[0])] = val
		}
	}
	return CacheControl{m}
}

// GetExpiration calculates the absolute freshness limit of a response:
// max-age wins, then the Expires header relative to Date. A zero time
// means no explicit expiration was present and the conservative default
// applies downstream.
func GetExpiration(header http.Header, received time.Time) time.Time {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if ttl, ok := cc.SMaxAge(); ok {
		return received.Add(ttl)
	}
	if ttl, ok := cc.MaxAge(); ok {
		return received.Add(ttl)
	}
	if expires, err := http.ParseTime(header.Get("Expires")); err == nil {
		if date, err := http.ParseTime(header.Get("Date")); err == nil {
			return received.Add(expires.Sub(date))
		}
		return expires
	}
	return time.Time{}
}

// MayStore reports whether a response may be written to the cache at
// all. no-store and private responses never are; neither are statuses
// without useful reuse semantics.
func MayStore(statusCode int, header http.Header) bool {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if cc.HasDirective("no-store") || cc.HasDirective("private") {
		return false
	}
	switch statusCode {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMovedPermanently, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Validator extracts the conditional-refetch token of a response:
// the entity tag when present, the last-modified date otherwise.
func Validator(header http.Header) string {
	if etag := header.Get("Etag"); etag != "" {
		return etag
	}
	return header.Get("Last-Modified")
}

// isEntityTag reports whether a stored validator is an entity tag
// rather than a last-modified date.
func isEntityTag(validator string) bool {
	return strings.HasPrefix(validator, `"`) || strings.HasPrefix(validator, `W/"`)
}
