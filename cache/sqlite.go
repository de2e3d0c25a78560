package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is the persistent tier. Entries survive restarts; the
// total byte budget is enforced the same way as in memory, by evicting
// least-recently-accessed entries, just tracked in a column instead of
// a list. Corruption of one row never affects the others.
type SQLiteCache struct {
	db       *sql.DB
	capBytes int64
	// sqlite allows a single writer; serialize writes to avoid
	// SQLITE_BUSY under concurrent stores
	writeMutex sync.Mutex
}

// NewSQLiteCache opens (or creates) the cache database at filename.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteCache(filename string, capBytes int64) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			immutable INTEGER NOT NULL DEFAULT 0,
			validator TEXT NOT NULL DEFAULT '',
			requested_at INTEGER,
			received_at INTEGER,
			size INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			bytes BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS last_access_idx ON cache (last_access)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteCache{db: db, capBytes: capBytes}, nil
}

func (s *SQLiteCache) Get(key string) (Entry, bool, error) {
	var (
		entry       Entry
		expires     int64
		immutable   int
		requestedAt int64
		receivedAt  int64
	)
	err := s.db.QueryRow(
		"SELECT key, expires, immutable, validator, requested_at, received_at, bytes FROM cache WHERE key = ?",
		key,
	).Scan(&entry.Key, &expires, &immutable, &entry.Validator, &requestedAt, &receivedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.Expires = unixOrZero(expires)
	entry.Immutable = immutable != 0
	entry.RequestedAt = time.Unix(requestedAt, 0)
	entry.ReceivedAt = time.Unix(receivedAt, 0)

	s.writeMutex.Lock()
	_, err = s.db.Exec("UPDATE cache SET last_access = ? WHERE key = ?", time.Now().UnixNano(), key)
	s.writeMutex.Unlock()
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteCache) Put(entry Entry) error {
	if entry.Size() > s.capBytes {
		return ErrTooLarge
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.evictUntilFits(entry.Size()); err != nil {
		return err
	}
	immutable := 0
	if entry.Immutable {
		immutable = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache
			(key, expires, immutable, validator, requested_at, received_at, size, last_access, bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, zeroOrUnix(entry.Expires), immutable, entry.Validator,
		entry.RequestedAt.Unix(), entry.ReceivedAt.Unix(),
		entry.Size(), time.Now().UnixNano(), entry.Bytes,
	)
	return err
}

func (s *SQLiteCache) Refresh(key string, expires time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE cache SET expires = ? WHERE key = ?", zeroOrUnix(expires), key)
	return err
}

func (s *SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLiteCache) SizeBytes() (int64, error) {
	var used sql.NullInt64
	if err := s.db.QueryRow("SELECT SUM(size) FROM cache").Scan(&used); err != nil {
		return 0, err
	}
	return used.Int64, nil
}

func (s *SQLiteCache) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

// evictUntilFits removes least-recently-accessed rows until incoming
// bytes fit under the cap. Caller holds the write mutex.
func (s *SQLiteCache) evictUntilFits(incoming int64) error {
	for {
		used, err := s.SizeBytes()
		if err != nil {
			return err
		}
		if used+incoming <= s.capBytes {
			return nil
		}
		res, err := s.db.Exec(
			"DELETE FROM cache WHERE key = (SELECT key FROM cache ORDER BY last_access ASC LIMIT 1)")
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
	}
}

func zeroOrUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
