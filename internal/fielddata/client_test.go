package fielddata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/auditforge/auditforge/internal/breaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := breaker.New("field-data-test", breaker.DefaultConfig())
	c := New("test-key", b)
	c.endpoint = srv.URL
	c.limiter.SetLimit(1000) // don't let pacing slow down the test
	c.baseWait = time.Millisecond
	c.maxWait = 5 * time.Millisecond
	return c
}

func TestFetchOnceParsesFieldData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"loadingExperience": {
				"metrics": {
					"LARGEST_CONTENTFUL_PAINT_MS": {"percentile": 2200, "category": "FAST"},
					"CUMULATIVE_LAYOUT_SHIFT_SCORE": {"percentile": 5, "category": "FAST"},
					"INTERACTION_TO_NEXT_PAINT": {"percentile": 150, "category": "FAST"}
				},
				"origin_fallback": false
			}
		}`))
	})

	data, _, err := c.fetchOnce(context.Background(), c.endpoint)
	if err != nil {
		t.Fatalf("fetchOnce: %v", err)
	}
	if data.LCP.P75 != 2200 {
		t.Fatalf("expected lcp p75 2200, got %v", data.LCP.P75)
	}
	if data.LCP.Rating != "good" {
		t.Fatalf("expected good lcp rating, got %v", data.LCP.Rating)
	}
	if data.CLS.P75 != 0.05 {
		t.Fatalf("expected the x100-scaled cls percentile to surface as 0.05, got %v", data.CLS.P75)
	}
	if data.CLS.Rating != "good" {
		t.Fatalf("expected good cls rating, got %v", data.CLS.Rating)
	}
}

func TestFetchOnceClassifiesServerErrorsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, retryable, err := c.fetchOnce(context.Background(), c.endpoint)
	if err == nil {
		t.Fatalf("expected an error for a non-200 response")
	}
	if !retryable {
		t.Fatalf("expected a 500 to be classified retryable")
	}
}

func TestFetchOnceClassifiesClientErrorsNonRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, retryable, err := c.fetchOnce(context.Background(), c.endpoint)
	if err == nil {
		t.Fatalf("expected an error for a non-200 response")
	}
	if retryable {
		t.Fatalf("expected a 403 to be classified non-retryable")
	}
}

func TestFetchOnceTreatsMissingMetricsAsAbsence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"loadingExperience":{"metrics":{},"origin_fallback":false}}`))
	})
	data, _, err := c.fetchOnce(context.Background(), c.endpoint)
	if err != nil {
		t.Fatalf("fetchOnce: %v", err)
	}
	if data != nil {
		t.Fatalf("expected no data when the upstream has no metrics, got %+v", data)
	}
}

func TestFetchRetriesOnFailureThenSucceeds(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"loadingExperience":{"metrics":{"LARGEST_CONTENTFUL_PAINT_MS":{"percentile":2600,"category":"AVERAGE"}},"origin_fallback":true}}`))
	})

	data, err := c.Fetch(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data == nil || !data.OriginFallback {
		t.Fatalf("expected a successful retry to return origin-fallback data, got %+v", data)
	}
	if data.LCP.Rating != "needs_improvement" {
		t.Fatalf("expected a 2600ms lcp p75 to rate needs_improvement, got %v", data.LCP.Rating)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestFetchStopsRetryingOnNonRetryableError(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.Fetch(context.Background(), "https://example.com")
	if err == nil {
		t.Fatalf("expected an error for a rejected request")
	}
	if attempts != 1 {
		t.Fatalf("expected no retries after a client error, got %d attempts", attempts)
	}
}

func TestFetchExhaustsRetriesAndRecordsEachFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Fetch(context.Background(), "https://example.com")
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if got := c.breaker.Stats().ConsecutiveFailures; got != 3 {
		t.Fatalf("expected each failed attempt recorded on the breaker, got %d", got)
	}
}

func TestFetchReturnsErrorWhenBreakerOpen(t *testing.T) {
	b := breaker.New("field-data-open-test", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1, SuccessThreshold: 1})
	b.RecordFailure()

	c := New("test-key", b)
	_, err := c.Fetch(context.Background(), "https://example.com")
	if err == nil {
		t.Fatalf("expected an error when the breaker is open")
	}
}
