package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	report := &model.Report{URL: "https://example.com", Status: model.ReportSuccess, CreatedAt: time.Now()}
	s.Put(ctx, "https://example.com", 86400, report)

	got, err := s.Get(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a hit before TTL expiry")
	}
	if got.URL != report.URL || got.Status != report.Status {
		t.Fatalf("round-tripped report mismatch: got %+v", got)
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "https://never-written.example")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a miss, got %+v", got)
	}
}

func TestExpiredEntryReadsAsMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	report := &model.Report{URL: "https://stale.example", Status: model.ReportSuccess, CreatedAt: time.Now()}
	s.Put(ctx, "https://stale.example", 0, report) // ttl 0 -> immediately stale

	time.Sleep(5 * time.Millisecond)

	got, err := s.Get(ctx, "https://stale.example")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as a miss")
	}
}

func TestCleanupExpiredRemovesOnlyStaleEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "https://fresh.example", 86400, &model.Report{URL: "https://fresh.example"})
	s.Put(ctx, "https://stale.example", 0, &model.Report{URL: "https://stale.example"})
	time.Sleep(5 * time.Millisecond)

	removed, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 stale entry removed, got %d", removed)
	}

	got, err := s.Get(ctx, "https://fresh.example")
	if err != nil || got == nil {
		t.Fatalf("expected fresh entry to survive cleanup")
	}
}

func TestHealthCheckOnFreshDB(t *testing.T) {
	s := newTestStore(t)
	h := s.HealthCheck(context.Background())
	if !h.Connected {
		t.Fatalf("expected fresh db to report connected, got %+v", h)
	}
	if h.JournalMode != "wal" {
		t.Fatalf("expected WAL journal mode, got %q", h.JournalMode)
	}
}

func TestOpenCreatesParentlessPathCleanly(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested_ok.db")
	s, err := Open(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
