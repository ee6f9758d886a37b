// Package queue implements the persistent bounded FIFO overflow queue (C4):
// QueueEntries keyed by a monotonic insertion id, backed by the same kind of
// embedded SQLite database as the result cache.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT UNIQUE NOT NULL,
	url TEXT NOT NULL,
	options TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_queue_status ON audit_queue(status);
CREATE INDEX IF NOT EXISTS idx_audit_queue_created_at ON audit_queue(created_at);
`

// Store is the C4 persistent job queue. All operations serialize through a
// single connection lock; the underlying transaction guarantees atomicity.
type Store struct {
	db      *sqlx.DB
	mu      sync.Mutex
	maxSize int
}

// Open opens (creating if absent) the queue's backing database, sharing the
// same file as the cache is not required — the two tables may also live in
// one file if a caller passes the same path to both Open calls.
func Open(path string, maxSize int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}
	return &Store{db: db, maxSize: maxSize}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue inserts a new pending entry and returns its 1-based position, or
// nil if the queue is already at capacity.
func (s *Store) Enqueue(ctx context.Context, jobID, url, options string) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning enqueue tx: %w", err)
	}
	defer tx.Rollback()

	var pending int
	if err := tx.GetContext(ctx, &pending, `SELECT COUNT(*) FROM audit_queue WHERE status = ?`, model.QueueStatusPending); err != nil {
		return nil, fmt.Errorf("counting pending entries: %w", err)
	}
	if pending >= s.maxSize {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_queue (job_id, url, options, created_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, url, options, time.Now(), model.QueueStatusPending)
	if err != nil {
		return nil, fmt.Errorf("inserting queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing enqueue tx: %w", err)
	}

	position := pending + 1
	observability.QueueDepth.Set(float64(position))
	return &position, nil
}

// Dequeue returns the oldest pending entry, transitioning it to processing
// in the same transaction, or nil if the queue is empty.
func (s *Store) Dequeue(ctx context.Context) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue tx: %w", err)
	}
	defer tx.Rollback()

	var entry model.QueueEntry
	err = tx.GetContext(ctx, &entry, `
		SELECT id, job_id, url, options, created_at, status FROM audit_queue
		WHERE status = ? ORDER BY id ASC LIMIT 1
	`, model.QueueStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next pending entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE audit_queue SET status = ? WHERE id = ?`, model.QueueStatusProcessing, entry.ID); err != nil {
		return nil, fmt.Errorf("marking entry processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue tx: %w", err)
	}
	entry.Status = model.QueueStatusProcessing

	var pending int
	_ = s.db.GetContext(ctx, &pending, `SELECT COUNT(*) FROM audit_queue WHERE status = ?`, model.QueueStatusPending)
	observability.QueueDepth.Set(float64(pending))

	return &entry, nil
}

// Remove deletes the entry for jobID regardless of status.
func (s *Store) Remove(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_queue WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("removing queue entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel transitions a pending entry to cancelled; no-op for any other status.
func (s *Store) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_queue SET status = ? WHERE job_id = ? AND status = ?
	`, model.QueueStatusCancelled, jobID, model.QueueStatusPending)
	if err != nil {
		return false, fmt.Errorf("cancelling queue entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Position returns the 1-based position of jobID among pending entries, or
// nil if it is not pending.
func (s *Store) Position(ctx context.Context, jobID string) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targetID int64
	var status model.QueueStatus
	err := s.db.QueryRowContext(ctx, `SELECT id, status FROM audit_queue WHERE job_id = ?`, jobID).Scan(&targetID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up queue entry: %w", err)
	}
	if status != model.QueueStatusPending {
		return nil, nil
	}

	var position int
	if err := s.db.GetContext(ctx, &position, `SELECT COUNT(*) FROM audit_queue WHERE status = ? AND id <= ?`, model.QueueStatusPending, targetID); err != nil {
		return nil, fmt.Errorf("computing position: %w", err)
	}
	return &position, nil
}

// Size returns the count of pending entries.
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_queue WHERE status = ?`, model.QueueStatusPending); err != nil {
		return 0, fmt.Errorf("counting pending entries: %w", err)
	}
	return n, nil
}

// RequeueProcessing flips every processing entry back to pending. Called
// once at startup for crash recovery.
func (s *Store) RequeueProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE audit_queue SET status = ? WHERE status = ?`, model.QueueStatusPending, model.QueueStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("requeuing processing entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupStale deletes processing/cancelled entries older than maxAge.
func (s *Store) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_queue WHERE status IN (?, ?) AND created_at < ?
	`, model.QueueStatusProcessing, model.QueueStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning stale entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
