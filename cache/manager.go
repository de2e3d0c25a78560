package cache

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// LookupStatus classifies a Manager lookup.
type LookupStatus int

const (
	// Miss: nothing usable stored.
	Miss LookupStatus = iota
	// Hit: a fresh entry, serve without network.
	Hit
	// Stale: an expired entry with a validator; the pipeline may issue
	// a conditional refetch and call Refresh on "not modified".
	Stale
)

// Manager composes the memory and persistent tiers and owns the
// freshness and promotion policy. Stores are write-through, so there is
// nothing to flush at teardown beyond closing the tiers.
type Manager struct {
	mem  Provider
	disk Provider
	// fallback freshness for entries stored without an explicit expiry
	defaultTTL time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// ManagerConfig for creating a Manager.
type ManagerConfig struct {
	Memory     Provider
	Persistent Provider
	DefaultTTL time.Duration
	Logger     *zerolog.Logger
	// Now is for tests; time.Now if nil.
	Now func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		mem:        cfg.Memory,
		disk:       cfg.Persistent,
		defaultTTL: cfg.DefaultTTL,
		log:        logger,
		now:        now,
	}
}

// Lookup checks the memory tier first, then the persistent tier.
// Fresh persistent hits are promoted into the memory tier.
func (m *Manager) Lookup(key string) (Entry, LookupStatus) {
	if entry, ok, err := m.mem.Get(key); err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Memory tier read failed")
	} else if ok {
		return entry, m.classify(entry, "memory")
	}

	entry, ok, err := m.disk.Get(key)
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Persistent tier read failed")
		return Entry{}, Miss
	}
	if !ok {
		return Entry{}, Miss
	}
	status := m.classify(entry, "persistent")
	if status == Hit {
		// write-through promotion; a full memory tier is not an error
		if err := m.mem.Put(entry); err != nil && !errors.Is(err, ErrTooLarge) {
			m.log.Warn().Err(err).Str("key", key).Msg("Could not promote entry")
		}
	}
	return entry, status
}

// classify applies freshness policy to a stored entry.
func (m *Manager) classify(entry Entry, tier string) LookupStatus {
	if entry.Fresh(m.now()) {
		m.log.Trace().Str("key", entry.Key).Str("tier", tier).Msg("Cache hit")
		return Hit
	}
	if entry.Validator != "" {
		m.log.Trace().Str("key", entry.Key).Str("tier", tier).Msg("Stale entry with validator")
		return Stale
	}
	// expired and unconditionally unusable
	m.Invalidate(entry.Key)
	return Miss
}

// Store writes the entry through both tiers. Entries without an explicit
// expiry get the conservative default TTL; immutable entries get none.
func (m *Manager) Store(entry Entry) error {
	if entry.Expires.IsZero() && !entry.Immutable && m.defaultTTL > 0 {
		entry.Expires = m.now().Add(m.defaultTTL)
	}
	if err := m.disk.Put(entry); err != nil {
		if errors.Is(err, ErrTooLarge) {
			// the memory tier must stay a subset of the persistent
			// tier, so an entry the disk rejects is not stored at all
			m.log.Debug().Str("key", entry.Key).Msg("Entry too large for persistent tier")
			return nil
		}
		m.log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to persistent tier")
		return err
	}
	if err := m.mem.Put(entry); err != nil && !errors.Is(err, ErrTooLarge) {
		m.log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to memory tier")
		return err
	}
	m.log.Trace().Str("key", entry.Key).Time("expiry", entry.Expires).Msg("Cache write")
	return nil
}

// Refresh bumps the expiry of an existing entry in both tiers without
// re-storing the body, after a positive "not modified" revalidation.
func (m *Manager) Refresh(key string, expires time.Time) {
	if expires.IsZero() && m.defaultTTL > 0 {
		expires = m.now().Add(m.defaultTTL)
	}
	if err := m.mem.Refresh(key, expires); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not refresh memory tier")
	}
	if err := m.disk.Refresh(key, expires); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not refresh persistent tier")
	}
}

// Invalidate removes the entry from both tiers.
// Calling it for an unknown key is a no-op.
func (m *Manager) Invalidate(key string) {
	if err := m.mem.Purge(key); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not purge memory tier")
	}
	if err := m.disk.Purge(key); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not purge persistent tier")
	}
}

// Close tears down both tiers.
func (m *Manager) Close() error {
	memErr := m.mem.Close()
	diskErr := m.disk.Close()
	if memErr != nil {
		return memErr
	}
	return diskErr
}
