package model

import "time"

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// QueueEntry is a persisted record of deferred work (C4), keyed by a
// monotonic insertion id assigned by the backing store.
type QueueEntry struct {
	ID        int64       `db:"id" json:"id"`
	JobID     string      `db:"job_id" json:"job_id"`
	URL       string      `db:"url" json:"url"`
	Options   string      `db:"options" json:"options"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	Status    QueueStatus `db:"status" json:"status"`
}

// CacheEntry is a prior audit result keyed by the SHA-256 of the normalized URL (C2).
type CacheEntry struct {
	URLHash        string  `db:"url_hash" json:"url_hash"`
	NormalizedURL  string  `db:"normalized_url" json:"normalized_url"`
	ResultJSON     string  `db:"result_json" json:"result_json"`
	CreatedAt      float64 `db:"created_at" json:"created_at"`
	TTLSeconds     int     `db:"ttl_seconds" json:"ttl_seconds"`
}
