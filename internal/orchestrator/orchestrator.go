// Package orchestrator implements the audit orchestrator (C9): the
// protocol that turns a URL into a merged report, trading off graceful
// degradation against a mandatory lighthouse stage. It is the one place
// cache, singleflight, the browser pool, and both external clients meet.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auditforge/auditforge/internal/browserpool"
	"github.com/auditforge/auditforge/internal/lighthouse"
	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

// StageCallbacks are the C5/C8 hooks invoked at stage boundaries.
type StageCallbacks struct {
	OnStageStart    func(stage model.Stage)
	OnStageComplete func(stage model.Stage)
}

// cacheStore is the subset of C2 the orchestrator needs; satisfied by *cache.Store.
type cacheStore interface {
	Get(ctx context.Context, url string) (*model.Report, error)
	Put(ctx context.Context, url string, ttlSeconds int, report *model.Report)
}

// lockGroup is the subset of C3 the orchestrator needs; satisfied by *singleflight.Group.
type lockGroup interface {
	Acquire(key string) bool
	Release(key string)
}

// lighthouseRunner runs one form factor of the mandatory lighthouse stage,
// acquiring and releasing whatever browser capacity it needs internally.
type lighthouseRunner interface {
	Run(ctx context.Context, url, formFactor string) (*model.LighthouseResult, error)
}

// fieldDataFetcher is the subset of D2 the orchestrator needs; satisfied by *fielddata.Client.
type fieldDataFetcher interface {
	Fetch(ctx context.Context, url string) (*model.FieldData, error)
}

// synthesizer is the subset of D3 the orchestrator needs; satisfied by *synthesis.Client.
type synthesizer interface {
	Synthesize(ctx context.Context, url string, mobile, desktop *model.LighthouseResult, field *model.FieldData) (*model.Narrative, error)
}

// Orchestrator is the C9 audit orchestrator.
type Orchestrator struct {
	cache      cacheStore
	locks      lockGroup
	lighthouse lighthouseRunner
	fieldData  fieldDataFetcher
	synth      synthesizer
	cacheTTL   int
}

func New(
	cacheStore cacheStore,
	locks lockGroup,
	lh lighthouseRunner,
	fd fieldDataFetcher,
	synth synthesizer,
	cacheTTLSeconds int,
) *Orchestrator {
	return &Orchestrator{
		cache:      cacheStore,
		locks:      locks,
		lighthouse: lh,
		fieldData:  fd,
		synth:      synth,
		cacheTTL:   cacheTTLSeconds,
	}
}

// pooledLighthouseRunner adapts a browser pool and an analyzer runner into
// the single acquire-run-release call the orchestrator needs per form factor.
type pooledLighthouseRunner struct {
	pool   *browserpool.Pool
	runner *lighthouse.Runner
}

// NewPooledLighthouseRunner builds the production lighthouseRunner: acquire
// a browser from pool, run the analyzer through it, release it either way.
func NewPooledLighthouseRunner(pool *browserpool.Pool, runner *lighthouse.Runner) lighthouseRunner {
	return &pooledLighthouseRunner{pool: pool, runner: runner}
}

func (p *pooledLighthouseRunner) Run(ctx context.Context, url, formFactor string) (*model.LighthouseResult, error) {
	inst, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer inst.Release()
	return p.runner.Run(ctx, url, inst.Port, formFactor)
}

// Run executes the full audit protocol for url and returns the merged report.
func (o *Orchestrator) Run(ctx context.Context, url string, timeout time.Duration, noCache bool, cb StageCallbacks) (*model.Report, error) {
	if !noCache {
		if report, err := o.cache.Get(ctx, url); err == nil && report != nil {
			return report, nil
		}
	}

	wasFirst := o.locks.Acquire(url)
	defer o.locks.Release(url)

	if !wasFirst && !noCache {
		if report, err := o.cache.Get(ctx, url); err == nil && report != nil {
			return report, nil
		}
	}

	timing := make(map[string]int64)
	var errs []string

	mobile, desktop, lhErr := o.runLighthouseStage(ctx, url, timeout, cb, timing, &errs)
	if lhErr != nil {
		return nil, lhErr
	}

	field := o.runFieldDataStage(ctx, url, cb, timing, &errs)
	narrative := o.runSynthesisStage(ctx, url, mobile, desktop, field, cb, timing, &errs)

	status := model.ReportSuccess
	if mobile == nil || desktop == nil || field == nil || narrative == nil {
		status = model.ReportPartial
	}

	var errPtr *string
	if len(errs) > 0 {
		joined := strings.Join(errs, "; ")
		errPtr = &joined
	}

	report := &model.Report{
		URL:       url,
		Status:    status,
		Error:     errPtr,
		Timing:    timing,
		CreatedAt: time.Now(),
		Mobile:    mobile,
		Desktop:   desktop,
		Field:     field,
		Narrative: narrative,
	}

	if !noCache {
		o.cache.Put(ctx, url, o.cacheTTL, report)
	}

	return report, nil
}

func (o *Orchestrator) runLighthouseStage(ctx context.Context, url string, timeout time.Duration, cb StageCallbacks, timing map[string]int64, errs *[]string) (*model.LighthouseResult, *model.LighthouseResult, error) {
	start := time.Now()
	stageTimeout := timeout / 2

	var mobile, desktop *model.LighthouseResult
	var mobileErr, desktopErr error

	notify(cb.OnStageStart, model.StageLighthouseMobile)
	notify(cb.OnStageStart, model.StageLighthouseDesktop)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mobile, mobileErr = o.runOneLighthouse(gctx, url, stageTimeout, "mobile")
		return nil
	})
	g.Go(func() error {
		desktop, desktopErr = o.runOneLighthouse(gctx, url, stageTimeout, "desktop")
		return nil
	})
	g.Wait()

	elapsed := time.Since(start)
	timing["lighthouse"] = elapsed.Milliseconds()
	observability.JobStageDuration.WithLabelValues("lighthouse", outcomeLabel(mobile != nil || desktop != nil)).Observe(elapsed.Seconds())

	if mobile != nil {
		notify(cb.OnStageComplete, model.StageLighthouseMobile)
	}
	if desktop != nil {
		notify(cb.OnStageComplete, model.StageLighthouseDesktop)
	}

	if mobileErr != nil {
		*errs = append(*errs, "lighthouse mobile: "+mobileErr.Error())
	}
	if desktopErr != nil {
		*errs = append(*errs, "lighthouse desktop: "+desktopErr.Error())
	}

	if mobile == nil && desktop == nil {
		return nil, nil, model.NewError(model.KindUpstreamFailure, "both lighthouse runs failed")
	}
	return mobile, desktop, nil
}

func (o *Orchestrator) runOneLighthouse(ctx context.Context, url string, stageTimeout time.Duration, formFactor string) (*model.LighthouseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()
	return o.lighthouse.Run(ctx, url, formFactor)
}

func (o *Orchestrator) runFieldDataStage(ctx context.Context, url string, cb StageCallbacks, timing map[string]int64, errs *[]string) *model.FieldData {
	start := time.Now()
	notify(cb.OnStageStart, model.StageCrUX)
	defer func() { timing["field_data"] = time.Since(start).Milliseconds() }()

	field, err := o.fieldData.Fetch(ctx, url)
	observability.JobStageDuration.WithLabelValues("field_data", outcomeLabel(err == nil)).Observe(time.Since(start).Seconds())
	if err != nil {
		*errs = append(*errs, "CrUX: "+err.Error())
		return nil
	}
	if field == nil {
		// Absent field data is not an error, but the stage did not produce
		// anything either; leave it out of the completed set, as the
		// synthesis stage does when it is skipped.
		return nil
	}
	notify(cb.OnStageComplete, model.StageCrUX)
	return field
}

func (o *Orchestrator) runSynthesisStage(ctx context.Context, url string, mobile, desktop *model.LighthouseResult, field *model.FieldData, cb StageCallbacks, timing map[string]int64, errs *[]string) *model.Narrative {
	start := time.Now()
	notify(cb.OnStageStart, model.StageAIAnalysis)
	defer func() { timing["ai_analysis"] = time.Since(start).Milliseconds() }()

	narrative, err := o.synth.Synthesize(ctx, url, mobile, desktop, field)
	observability.JobStageDuration.WithLabelValues("ai_analysis", outcomeLabel(err == nil)).Observe(time.Since(start).Seconds())
	if err != nil {
		*errs = append(*errs, "synthesis: "+err.Error())
		return nil
	}
	if narrative == nil {
		return nil
	}
	notify(cb.OnStageComplete, model.StageAIAnalysis)
	return narrative
}

func notify(fn func(model.Stage), stage model.Stage) {
	if fn != nil {
		fn(stage)
	}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
