package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/breaker"
	"github.com/auditforge/auditforge/internal/broadcaster"
	"github.com/auditforge/auditforge/internal/browserpool"
	"github.com/auditforge/auditforge/internal/cache"
	"github.com/auditforge/auditforge/internal/dispatcher"
	"github.com/auditforge/auditforge/internal/limiter"
	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/orchestrator"
	"github.com/auditforge/auditforge/internal/queue"
	"github.com/auditforge/auditforge/internal/registry"
	"github.com/auditforge/auditforge/internal/singleflight"
)

type fakeCache struct{}

func (fakeCache) Get(ctx context.Context, url string) (*model.Report, error) { return nil, nil }
func (fakeCache) Put(ctx context.Context, url string, ttlSeconds int, report *model.Report) {}

type fakeLocks struct{}

func (fakeLocks) Acquire(key string) bool { return true }
func (fakeLocks) Release(key string)      {}

type fakeLighthouse struct{ delay time.Duration }

func (f fakeLighthouse) Run(ctx context.Context, url, formFactor string) (*model.LighthouseResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &model.LighthouseResult{FormFactor: formFactor}, nil
}

type fakeFieldData struct{}

func (fakeFieldData) Fetch(ctx context.Context, url string) (*model.FieldData, error) {
	return &model.FieldData{}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, url string, mobile, desktop *model.LighthouseResult, field *model.FieldData) (*model.Narrative, error) {
	return &model.Narrative{Summary: "ok"}, nil
}

func newTestServer(t *testing.T) (*Server, *dispatcher.Dispatcher) {
	t.Helper()
	dir := t.TempDir()

	log := zerolog.Nop()

	cacheStore, err := cache.Open(filepath.Join(dir, "cache.db"), log)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"), 10)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	broadcast := broadcaster.New(log)
	t.Cleanup(broadcast.Shutdown)

	reg := registry.New(100, broadcast, log)
	lim := limiter.New(1, q)
	locks := singleflight.NewGroup()
	orch := orchestrator.New(fakeCache{}, fakeLocks{}, fakeLighthouse{}, fakeFieldData{}, fakeSynth{}, 86400)
	pool := browserpool.New(browserpool.DefaultConfig(), log)

	disp := dispatcher.New(reg, lim, q, orch, pool, 5*time.Minute, log)
	if err := disp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(disp.Shutdown)

	breakers := breaker.NewRegistry()
	breakers.Register("field-data", breaker.New("field-data", breaker.DefaultConfig()))

	srv := New(Config{
		Dispatcher:     disp,
		Registry:       reg,
		Cache:          cacheStore,
		Queue:          q,
		Breakers:       breakers,
		Pool:           pool,
		Locks:          locks,
		Broadcaster:    broadcast,
		AnalyzerBin:    "",
		DefaultTimeout: 5 * time.Second,
		Log:            log,
	})
	return srv, disp
}

func waitForStatus(t *testing.T, srv *Server, jobID string, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job := srv.registry.Get(jobID); job != nil && job.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
}

func TestHandleSubmitStartsAnAudit(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	body := strings.NewReader(`{"url":"https://example.com","no_cache":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/audit", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatalf("expected a job id")
	}
	waitForStatus(t, srv, resp.JobID, model.JobCompleted)
}

func TestHandleSubmitRejectsInvalidURL(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	body := strings.NewReader(`{"url":"not a url with spaces"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/audit", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAuditReturnsSnapshot(t *testing.T) {
	srv, disp := newTestServer(t)
	router := srv.Routes()

	job, err := disp.Submit(context.Background(), "example.com", "{}", "1.2.3.4", 5*time.Second, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, srv, job.ID, model.JobCompleted)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/"+job.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var view auditView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if view.Status != model.JobCompleted {
		t.Fatalf("expected completed status, got %s", view.Status)
	}
	if len(view.Progress.CompletedStages) != len(model.AllStages) {
		t.Fatalf("expected all stages complete, got %v", view.Progress.CompletedStages)
	}
}

func TestHandleGetAuditUnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCancelOnlyAcceptsQueuedJobs(t *testing.T) {
	srv, disp := newTestServer(t)
	router := srv.Routes()

	first, err := disp.Submit(context.Background(), "example.com", "{}", "1.1.1.1", 5*time.Second, true)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/audit/"+first.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected cancel of a running job to fail, got 200")
	}
}

func TestHandleListRunningPaginates(t *testing.T) {
	srv, disp := newTestServer(t)
	router := srv.Routes()

	if _, err := disp.Submit(context.Background(), "a.example.com", "{}", "9.9.9.9", 5*time.Second, true); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/audits/running?page=1&per_page=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp runningResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Page != 1 || resp.PerPage != 5 {
		t.Fatalf("unexpected pagination echo: %+v", resp)
	}
}

func TestHandleHealthReportsDegradedWhenBreakerOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	b := breaker.New("field-data", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1, SuccessThreshold: 1})
	b.CanExecute()
	b.RecordFailure()
	srv.breakers.Register("field-data", b)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Degraded {
		t.Fatalf("expected degraded=true with an open breaker, got %+v", resp)
	}
}

func TestHandleCacheCleanupAndClear(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/cleanup", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/cache", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
