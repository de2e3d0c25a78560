// Package cache implements the two-tier resource cache: a byte-capped
// in-memory LRU tier over a byte-capped persistent sqlite tier, composed
// by the Manager.
package cache

import (
	"errors"
	"time"
)

// Entry is one cached resource snapshot plus the metadata the cache
// needs without deserializing the snapshot.
type Entry struct {
	Key string
	// Serialized response snapshot (see pkg/response-serializer).
	Bytes []byte
	// Expires is the absolute freshness limit. Zero means no explicit
	// expiry was known at store time.
	Expires time.Time
	// Immutable entries never go stale; they leave only by eviction.
	Immutable bool
	// Validator is the opaque conditional-refetch token, if any.
	Validator string
	// RequestedAt and ReceivedAt bound the exchange that produced the
	// entry, for age calculation.
	RequestedAt time.Time
	ReceivedAt  time.Time
}

// Size is the byte cost of the entry against a tier's cap.
func (e Entry) Size() int64 {
	return int64(len(e.Bytes)) + int64(len(e.Key))
}

// Fresh reports whether the entry may be served without revalidation.
func (e Entry) Fresh(now time.Time) bool {
	if e.Immutable {
		return true
	}
	return !e.Expires.IsZero() && now.Before(e.Expires)
}

// Provider is one storage tier.
//
// Implementations must be thread-safe, enforce their byte cap on Put by
// evicting least-recently-used entries, and treat Get as a use for LRU
// purposes.
type Provider interface {
	// Get returns the entry for the given key, if present.
	// Expiry is not checked here; freshness policy belongs to the Manager.
	Get(key string) (Entry, bool, error)
	// Put stores the entry, evicting older entries as needed to stay
	// under the byte cap. An entry larger than the whole cap is rejected
	// with ErrTooLarge.
	Put(entry Entry) error
	// Refresh updates the expiry of an existing entry without touching
	// the body. Unknown keys are a no-op.
	Refresh(key string, expires time.Time) error
	// Purge removes the entry for the given key.
	// It must be safe to call for keys that do not exist.
	Purge(key string) error
	// SizeBytes is the current total byte cost of the tier.
	SizeBytes() (int64, error)
	// Keys calls the given callback for each key.
	Keys(cb func(string)) error
	// Close releases the tier's resources.
	Close() error
}

// ErrTooLarge means a single entry exceeds the tier's total byte cap.
var ErrTooLarge = errors.New("cache entry exceeds tier capacity")
