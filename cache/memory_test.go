package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func memEntry(key string, bodyLen int) Entry {
	return Entry{
		Key:         key,
		Bytes:       make([]byte, bodyLen),
		Expires:     time.Now().Add(time.Hour),
		RequestedAt: time.Now(),
		ReceivedAt:  time.Now(),
	}
}

func TestMemCacheRoundTrip(t *testing.T) {
	m := NewMemCache(1024)
	entry := memEntry("GET:https://example.com/", 100)
	entry.Bytes[0] = 42
	require.NoError(t, m.Put(entry))

	got, ok, err := m.Get(entry.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Bytes, got.Bytes)
	require.Equal(t, entry.Key, got.Key)
}

func TestMemCacheCapNeverExceeded(t *testing.T) {
	const capBytes = 500
	m := NewMemCache(capBytes)
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Put(memEntry(fmt.Sprintf("key-%d", i), 100)))
		used, err := m.SizeBytes()
		require.NoError(t, err)
		require.LessOrEqual(t, used, int64(capBytes))
	}
}

func TestMemCacheEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMemCache(350)
	require.NoError(t, m.Put(memEntry("a", 100)))
	require.NoError(t, m.Put(memEntry("b", 100)))
	require.NoError(t, m.Put(memEntry("c", 100)))

	// touch "a" so "b" is now the oldest
	_, ok, _ := m.Get("a")
	require.True(t, ok)

	require.NoError(t, m.Put(memEntry("d", 100)))

	_, ok, _ = m.Get("b")
	require.False(t, ok, "b should have been evicted")
	_, ok, _ = m.Get("a")
	require.True(t, ok, "a was recently used and should remain")
}

func TestMemCacheRejectsOversizeEntry(t *testing.T) {
	m := NewMemCache(100)
	err := m.Put(memEntry("big", 200))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestMemCachePurgeMissingKeyIsNoop(t *testing.T) {
	m := NewMemCache(100)
	require.NoError(t, m.Purge("never-stored"))
}

func TestMemCacheRefresh(t *testing.T) {
	m := NewMemCache(1024)
	entry := memEntry("key", 10)
	entry.Expires = time.Now().Add(-time.Minute)
	require.NoError(t, m.Put(entry))

	later := time.Now().Add(time.Hour)
	require.NoError(t, m.Refresh("key", later))

	got, ok, _ := m.Get("key")
	require.True(t, ok)
	require.True(t, got.Expires.Equal(later))
}
