// Package synthesis calls the generative-model narrative stage (D3): given
// the merged lighthouse and field-data numbers for an audit, it asks a
// language model to return a structured {summary, strengths, issues,
// recommendations} narrative. Guarded by a circuit breaker; absence or
// failure of this stage is never an audit error.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/auditforge/auditforge/internal/breaker"
	"github.com/auditforge/auditforge/internal/model"
)

const defaultModel = anthropic.ModelClaudeSonnet4_5

// Client is the D3 synthesis client.
type Client struct {
	api     anthropic.Client
	breaker *breaker.Breaker
	model   anthropic.Model
}

func New(apiKey string, b *breaker.Breaker) *Client {
	return &Client{
		api:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		breaker: b,
		model:   defaultModel,
	}
}

// Synthesize asks the model for a narrative over mobile/desktop lighthouse
// results and optional field data, returning nil (not an error) if the
// breaker is open — callers treat a nil narrative as "skipped".
func (c *Client) Synthesize(ctx context.Context, url string, mobile, desktop *model.LighthouseResult, field *model.FieldData) (*model.Narrative, error) {
	if !c.breaker.CanExecute() {
		return nil, nil
	}

	prompt := buildPrompt(url, mobile, desktop, field)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, model.WrapError(model.KindUpstreamFailure, "synthesis model call failed", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var narrative model.Narrative
	if err := json.Unmarshal([]byte(text.String()), &narrative); err != nil {
		c.breaker.RecordFailure()
		return nil, model.WrapError(model.KindUpstreamFailure, "parsing synthesis narrative", err)
	}

	c.breaker.RecordSuccess()
	return &narrative, nil
}

func buildPrompt(url string, mobile, desktop *model.LighthouseResult, field *model.FieldData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this web performance audit for %s and respond with ONLY a JSON object "+
		"matching {\"summary\": string, \"strengths\": [string], \"issues\": [string], \"recommendations\": [string]}.\n\n", url)
	if mobile != nil {
		fmt.Fprintf(&b, "Mobile: performance=%.2f lcp=%.0fms cls=%.3f inp=%.0fms\n",
			mobile.CategoryScores.Performance, mobile.CoreWebVitals.LCPMs, mobile.CoreWebVitals.CLS, mobile.CoreWebVitals.INPMs)
	}
	if desktop != nil {
		fmt.Fprintf(&b, "Desktop: performance=%.2f lcp=%.0fms cls=%.3f inp=%.0fms\n",
			desktop.CategoryScores.Performance, desktop.CoreWebVitals.LCPMs, desktop.CoreWebVitals.CLS, desktop.CoreWebVitals.INPMs)
	}
	if field != nil {
		fmt.Fprintf(&b, "Field data (real users): lcp_p75=%.0fms cls_p75=%.3f inp_p75=%.0fms\n",
			field.LCP.P75, field.CLS.P75, field.INP.P75)
	}
	return b.String()
}
