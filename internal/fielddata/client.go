// Package fielddata calls the external percentile/CrUX-style field-metrics
// API (D2), guarded by a circuit breaker and retried with exponential
// backoff, paced by a token-bucket rate limiter so a burst of audits cannot
// trip the upstream's own rate limiting.
package fielddata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/auditforge/auditforge/internal/breaker"
	"github.com/auditforge/auditforge/internal/model"
)

const (
	maxAttempts  = 3
	baseWait     = 4 * time.Second
	maxWait      = 10 * time.Second
	endpointBase = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"
)

// Client is the D2 field-data client.
type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
	breaker  *breaker.Breaker
	limiter  *rate.Limiter

	baseWait time.Duration
	maxWait  time.Duration
}

func New(apiKey string, b *breaker.Breaker) *Client {
	return &Client{
		apiKey:   apiKey,
		endpoint: endpointBase,
		http:     &http.Client{},
		breaker:  b,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		baseWait: baseWait,
		maxWait:  maxWait,
	}
}

type psiResponse struct {
	LoadingExperience struct {
		Metrics map[string]struct {
			Percentile float64 `json:"percentile"`
			Category   string  `json:"category"`
		} `json:"metrics"`
		OriginFallback bool `json:"origin_fallback"`
	} `json:"loadingExperience"`
}

// Fetch retrieves field data for url, retrying transient failures with
// exponential backoff. Every attempt's outcome is classified on the breaker;
// a nil, nil return means the upstream simply has no field data for this
// url, which is an absence, not an error.
func (c *Client) Fetch(ctx context.Context, url string) (*model.FieldData, error) {
	if !c.breaker.CanExecute() {
		return nil, model.NewError(model.KindUpstreamFailure, "field-data circuit breaker is open")
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, retryable, err := c.fetchOnce(ctx, url)
		if err == nil {
			c.breaker.RecordSuccess()
			return data, nil
		}
		c.breaker.RecordFailure()
		lastErr = err
		if !retryable {
			break
		}
	}

	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseWait
	if d > c.maxWait {
		return c.maxWait
	}
	return d
}

// fetchOnce performs a single GET. The retryable flag is false for client
// errors (a bad key or a rejected url will not improve on retry) and true
// for network failures, 429s, and 5xx responses.
func (c *Client) fetchOnce(ctx context.Context, url string) (data *model.FieldData, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, false, model.WrapError(model.KindInternal, "building field-data request", err)
	}
	q := req.URL.Query()
	q.Set("url", url)
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, model.WrapError(model.KindUpstreamFailure, "field-data request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, model.NewError(model.KindUpstreamFailure, fmt.Sprintf("field-data api returned status %d", resp.StatusCode))
	}

	var body psiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, true, model.WrapError(model.KindUpstreamFailure, "decoding field-data response", err)
	}

	// No metrics at all means the upstream has never observed this url or
	// its origin; report absence rather than fabricating zeroed ratings.
	if len(body.LoadingExperience.Metrics) == 0 {
		return nil, false, nil
	}

	metric := func(key string) model.FieldMetric {
		m := body.LoadingExperience.Metrics[key]
		p75 := m.Percentile
		var rating model.Rating
		switch key {
		case "LARGEST_CONTENTFUL_PAINT_MS":
			rating = model.RateLCP(p75)
		case "CUMULATIVE_LAYOUT_SHIFT_SCORE":
			// CrUX reports CLS as a x100-scaled integer; surface the real value.
			p75 = m.Percentile / 100
			rating = model.RateCLS(p75)
		case "INTERACTION_TO_NEXT_PAINT":
			rating = model.RateINP(p75)
		}
		return model.FieldMetric{P75: p75, Rating: rating}
	}

	return &model.FieldData{
		LCP:            metric("LARGEST_CONTENTFUL_PAINT_MS"),
		CLS:            metric("CUMULATIVE_LAYOUT_SHIFT_SCORE"),
		INP:            metric("INTERACTION_TO_NEXT_PAINT"),
		OriginFallback: body.LoadingExperience.OriginFallback,
	}, false, nil
}
