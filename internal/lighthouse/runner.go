// Package lighthouse runs the external lighthouse-style analyzer as a child
// process pointed at a browser's CDP debug port and extracts the category
// scores, core web vitals, and every opportunity audit with positive savings
// (largest savings first) from its JSON report.
package lighthouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/auditforge/auditforge/internal/model"
)

// Runner invokes the configured analyzer binary.
type Runner struct {
	bin string
}

func New(bin string) *Runner {
	return &Runner{bin: bin}
}

// rawReport mirrors the subset of the analyzer's JSON report this runner cares about.
type rawReport struct {
	Categories struct {
		Performance   struct{ Score float64 `json:"score"` } `json:"performance"`
		Accessibility struct{ Score float64 `json:"score"` } `json:"accessibility"`
		BestPractices struct{ Score float64 `json:"score"` } `json:"best-practices"`
		SEO           struct{ Score float64 `json:"score"` } `json:"seo"`
	} `json:"categories"`
	Audits map[string]struct {
		NumericValue float64 `json:"numericValue"`
		Title        string  `json:"title"`
		Description  string  `json:"description"`
		Details      struct {
			Type             string  `json:"type"`
			OverallSavingsMs float64 `json:"overallSavingsMs"`
		} `json:"details"`
	} `json:"audits"`
}

const (
	auditLCP = "largest-contentful-paint"
	auditCLS = "cumulative-layout-shift"
	auditINP = "interaction-to-next-paint"
)

// Run invokes the analyzer against url through the browser listening on
// debugPort, for the given form factor ("mobile" or "desktop"), and parses
// the JSON report it writes to a temp file. A debugPort of 0 means no pooled
// browser: the analyzer launches its own headless instance instead.
func (r *Runner) Run(ctx context.Context, url string, debugPort int, formFactor string) (*model.LighthouseResult, error) {
	outDir, err := os.MkdirTemp("", "lighthouse-*")
	if err != nil {
		return nil, model.WrapError(model.KindInternal, "creating lighthouse output dir", err)
	}
	defer os.RemoveAll(outDir)
	outPath := filepath.Join(outDir, "report.json")

	args := []string{url, "--output=json", "--output-path=" + outPath, "--quiet"}
	if formFactor == "desktop" {
		args = append(args, "--preset=desktop")
	} else {
		args = append(args, "--form-factor="+formFactor)
	}
	if debugPort > 0 {
		args = append(args, fmt.Sprintf("--port=%d", debugPort))
	} else {
		args = append(args, "--chrome-flags=--headless")
	}
	cmd := exec.CommandContext(ctx, r.bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, model.WrapError(model.KindTimeout, fmt.Sprintf("lighthouse %s run timed out", formFactor), ctx.Err())
		}
		return nil, model.WrapError(model.KindUpstreamFailure, fmt.Sprintf("lighthouse %s run failed: %s", formFactor, stderr.String()), err)
	}

	body, err := os.ReadFile(outPath)
	if err != nil {
		return nil, model.WrapError(model.KindUpstreamFailure, fmt.Sprintf("reading lighthouse %s report", formFactor), err)
	}

	var raw rawReport
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, model.WrapError(model.KindUpstreamFailure, fmt.Sprintf("parsing lighthouse %s output", formFactor), err)
	}

	lcp := raw.Audits[auditLCP].NumericValue
	cls := raw.Audits[auditCLS].NumericValue
	inp := raw.Audits[auditINP].NumericValue

	var opportunities []model.Opportunity
	for id, a := range raw.Audits {
		if a.Details.Type != "opportunity" || a.Details.OverallSavingsMs <= 0 {
			continue
		}
		opportunities = append(opportunities, model.Opportunity{
			ID:               id,
			Title:            a.Title,
			Description:      a.Description,
			OverallSavingsMs: a.Details.OverallSavingsMs,
		})
	}
	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].OverallSavingsMs > opportunities[j].OverallSavingsMs
	})

	return &model.LighthouseResult{
		FormFactor: formFactor,
		CategoryScores: model.CategoryScores{
			Performance:   raw.Categories.Performance.Score,
			Accessibility: raw.Categories.Accessibility.Score,
			BestPractices: raw.Categories.BestPractices.Score,
			SEO:           raw.Categories.SEO.Score,
		},
		CoreWebVitals: model.CoreWebVitals{
			LCPMs:     lcp,
			LCPRating: model.RateLCP(lcp),
			CLS:       cls,
			CLSRating: model.RateCLS(cls),
			INPMs:     inp,
			INPRating: model.RateINP(inp),
		},
		Opportunities: opportunities,
	}, nil
}
