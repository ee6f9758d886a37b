// Package cache implements the TTL result cache (C2): a durable map from
// sha256(normalized url) to a serialized report, backed by an embedded,
// write-ahead-logged SQLite database opened through modernc.org/sqlite
// (pure Go, no cgo) and queried through sqlx.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	url_hash TEXT PRIMARY KEY,
	normalized_url TEXT NOT NULL,
	result_json TEXT NOT NULL,
	created_at REAL NOT NULL,
	ttl_seconds INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_url_hash ON cache(url_hash);
`

// Store is the C2 TTL result cache. A single connection lock serializes
// writes; the sqlite driver itself serializes access to the underlying file.
type Store struct {
	path string
	db   *sqlx.DB
	log  zerolog.Logger

	mu sync.Mutex

	// initialized guards schema creation; corruption-on-read resets it so
	// the next write rebuilds the schema, per section 4.2.
	initialized atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

// Open opens (creating if absent) the SQLite database at path with WAL
// enabled, and creates the schema on first use.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{path: path, db: db, log: log.With().Str("component", "cache").Logger()}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating cache schema: %w", err)
	}
	s.initialized.Store(true)
	return nil
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached report for url, or nil if absent, expired, or the
// stored payload is corrupt. A corrupt read also clears the init flag so
// the next Put rebuilds the schema, per section 4.2's corruption policy.
func (s *Store) Get(ctx context.Context, url string) (*model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row model.CacheEntry
	err := s.db.GetContext(ctx, &row, `SELECT url_hash, normalized_url, result_json, created_at, ttl_seconds FROM cache WHERE url_hash = ?`, hashURL(url))
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		observability.CacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache: %w", err)
	}

	age := float64(time.Now().UnixNano())/1e9 - row.CreatedAt
	if age > float64(row.TTLSeconds) {
		s.misses.Add(1)
		observability.CacheMisses.Inc()
		return nil, nil
	}

	var report model.Report
	if err := json.Unmarshal([]byte(row.ResultJSON), &report); err != nil {
		s.log.Warn().Err(err).Str("url_hash", row.URLHash).Msg("cache entry corrupt, treating as miss")
		s.initialized.Store(false)
		s.misses.Add(1)
		observability.CacheMisses.Inc()
		return nil, nil
	}

	s.hits.Add(1)
	observability.CacheHits.Inc()
	return &report, nil
}

// Put writes report under url, insert-or-replace. Failures are logged and
// swallowed: caching must never break an audit.
func (s *Store) Put(ctx context.Context, url string, ttlSeconds int, report *model.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized.Load() {
		if err := s.ensureSchema(); err != nil {
			s.log.Warn().Err(err).Msg("cache put skipped: schema rebuild failed")
			return
		}
	}

	body, err := json.Marshal(report)
	if err != nil {
		s.log.Warn().Err(err).Msg("cache put skipped: marshal failed")
		return
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (url_hash, normalized_url, result_json, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			normalized_url = excluded.normalized_url,
			result_json = excluded.result_json,
			created_at = excluded.created_at,
			ttl_seconds = excluded.ttl_seconds
	`, hashURL(url), url, string(body), float64(time.Now().UnixNano())/1e9, ttlSeconds)
	if err != nil {
		s.log.Warn().Err(err).Msg("cache put failed")
		return
	}
	s.stores.Add(1)
	observability.CacheStores.Inc()
}

// CleanupExpired deletes every entry whose TTL has elapsed and returns the count removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE created_at + ttl_seconds < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache`)
	return err
}

// Stats is the snapshot returned by Stats(), mirroring section 4.2.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Stores       int64   `json:"stores"`
	HitRate      float64 `json:"hit_rate"`
	Entries      int64   `json:"entries"`
	ValidEntries int64   `json:"valid_entries"`
	SizeBytes    int64   `json:"size_bytes"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM cache`); err != nil {
		return Stats{}, err
	}
	now := float64(time.Now().UnixNano()) / 1e9
	var valid int64
	if err := s.db.GetContext(ctx, &valid, `SELECT COUNT(*) FROM cache WHERE created_at + ttl_seconds >= ?`, now); err != nil {
		return Stats{}, err
	}

	hits := s.hits.Load()
	misses := s.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var sizeBytes int64
	_ = s.db.GetContext(ctx, &sizeBytes, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)

	return Stats{
		Hits:         hits,
		Misses:       misses,
		Stores:       s.stores.Load(),
		HitRate:      hitRate,
		Entries:      total,
		ValidEntries: valid,
		SizeBytes:    sizeBytes,
	}, nil
}

// Health reports connectivity and integrity, consumed by GET /v1/health.
type Health struct {
	Connected   bool   `json:"connected"`
	Path        string `json:"path"`
	Integrity   string `json:"integrity"`
	JournalMode string `json:"journal_mode"`
	Error       string `json:"error,omitempty"`
}

func (s *Store) HealthCheck(ctx context.Context) Health {
	h := Health{Path: s.path}

	var journalMode string
	if err := s.db.GetContext(ctx, &journalMode, `PRAGMA journal_mode`); err != nil {
		h.Error = err.Error()
		return h
	}
	h.JournalMode = journalMode

	var integrity string
	if err := s.db.GetContext(ctx, &integrity, `PRAGMA integrity_check`); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Integrity = integrity
	h.Connected = integrity == "ok"
	return h
}
