package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/auditforge/auditforge/internal/model"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.Report
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*model.Report)}
}

func (f *fakeCache) Get(ctx context.Context, url string) (*model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[url], nil
}

func (f *fakeCache) Put(ctx context.Context, url string, ttlSeconds int, report *model.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[url] = report
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (f *fakeLocks) Acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasFirst := !f.held[key]
	f.held[key] = true
	return wasFirst
}

func (f *fakeLocks) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
}

type fakeLighthouse struct {
	mu         sync.Mutex
	calls      []string
	failMobile bool
	failDesktop bool
}

func (f *fakeLighthouse) Run(ctx context.Context, url, formFactor string) (*model.LighthouseResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, formFactor)
	f.mu.Unlock()

	if formFactor == "mobile" && f.failMobile {
		return nil, errors.New("mobile run failed")
	}
	if formFactor == "desktop" && f.failDesktop {
		return nil, errors.New("desktop run failed")
	}
	return &model.LighthouseResult{FormFactor: formFactor}, nil
}

type fakeFieldData struct {
	result *model.FieldData
	err    error
}

func (f *fakeFieldData) Fetch(ctx context.Context, url string) (*model.FieldData, error) {
	return f.result, f.err
}

type fakeSynth struct {
	result *model.Narrative
	err    error
}

func (f *fakeSynth) Synthesize(ctx context.Context, url string, mobile, desktop *model.LighthouseResult, field *model.FieldData) (*model.Narrative, error) {
	return f.result, f.err
}

func newTestOrchestrator() (*Orchestrator, *fakeCache, *fakeLighthouse) {
	c := newFakeCache()
	lh := &fakeLighthouse{}
	o := &Orchestrator{
		cache:      c,
		locks:      newFakeLocks(),
		lighthouse: lh,
		fieldData:  &fakeFieldData{result: &model.FieldData{}},
		synth:      &fakeSynth{result: &model.Narrative{Summary: "ok"}},
		cacheTTL:   86400,
	}
	return o, c, lh
}

func TestRunReturnsCachedReportWithoutRunningStages(t *testing.T) {
	o, c, lh := newTestOrchestrator()
	cached := &model.Report{URL: "https://example.com", Status: model.ReportSuccess}
	c.entries["https://example.com"] = cached

	report, err := o.Run(context.Background(), "https://example.com", time.Second, false, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report != cached {
		t.Fatalf("expected the cached report to be returned verbatim")
	}
	if len(lh.calls) != 0 {
		t.Fatalf("expected no lighthouse runs on a cache hit, got %v", lh.calls)
	}
}

func TestRunIgnoresCacheWhenNoCacheSet(t *testing.T) {
	o, c, lh := newTestOrchestrator()
	c.entries["https://example.com"] = &model.Report{URL: "https://example.com", Status: model.ReportSuccess}

	_, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(lh.calls) != 2 {
		t.Fatalf("expected both lighthouse form factors to run with no_cache, got %v", lh.calls)
	}
}

func TestRunSucceedsWithAllFourStages(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	report, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.ReportSuccess {
		t.Fatalf("expected success status, got %s (error=%v)", report.Status, report.Error)
	}
	if report.Mobile == nil || report.Desktop == nil || report.Field == nil || report.Narrative == nil {
		t.Fatalf("expected all four stages populated, got %+v", report)
	}
}

func TestRunIsPartialWhenOneLighthouseFormFactorFails(t *testing.T) {
	o, _, lh := newTestOrchestrator()
	lh.failMobile = true

	report, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.ReportPartial {
		t.Fatalf("expected partial status, got %s", report.Status)
	}
	if report.Mobile != nil {
		t.Fatalf("expected a nil mobile result after its run failed")
	}
	if report.Desktop == nil {
		t.Fatalf("expected the desktop result to still be present")
	}
	if report.Error == nil {
		t.Fatalf("expected a recorded error describing the mobile failure")
	}
}

func TestRunFailsWhenBothLighthouseFormFactorsFail(t *testing.T) {
	o, _, lh := newTestOrchestrator()
	lh.failMobile = true
	lh.failDesktop = true

	_, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err == nil {
		t.Fatalf("expected an error when both lighthouse runs fail")
	}
}

func TestRunIsPartialWhenFieldDataFails(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.fieldData = &fakeFieldData{err: errors.New("field data unavailable")}

	report, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.ReportPartial {
		t.Fatalf("expected partial status, got %s", report.Status)
	}
	if report.Field != nil {
		t.Fatalf("expected a nil field data result")
	}
}

func TestRunTreatsAbsentFieldDataAsIncompleteStage(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.fieldData = &fakeFieldData{result: nil, err: nil}

	var mu sync.Mutex
	var completed []model.Stage
	cb := StageCallbacks{OnStageComplete: func(s model.Stage) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, s)
	}}

	report, err := o.Run(context.Background(), "https://example.com", time.Second, true, cb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.ReportPartial {
		t.Fatalf("expected partial status when field data is absent, got %s", report.Status)
	}
	if report.Error != nil {
		t.Fatalf("expected absence of field data to record no error, got %v", *report.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range completed {
		if s == model.StageCrUX {
			t.Fatalf("expected the crux stage not to be marked complete without data, got %v", completed)
		}
	}
}

func TestRunIsPartialWhenSynthesisIsSkipped(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.synth = &fakeSynth{result: nil, err: nil}

	report, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.ReportPartial {
		t.Fatalf("expected partial status when synthesis is skipped, got %s", report.Status)
	}
	if report.Narrative != nil {
		t.Fatalf("expected a nil narrative")
	}
}

func TestRunWritesSuccessfulReportToCache(t *testing.T) {
	o, c, _ := newTestOrchestrator()

	_, err := o.Run(context.Background(), "https://example.com", time.Second, false, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.entries["https://example.com"] == nil {
		t.Fatalf("expected the report to be written to the cache")
	}
}

func TestRunSkipsCacheWriteWhenNoCacheSet(t *testing.T) {
	o, c, _ := newTestOrchestrator()

	_, err := o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.entries["https://example.com"] != nil {
		t.Fatalf("expected no cache write when no_cache is set")
	}
}

func TestRunInvokesStageCallbacks(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	var mu sync.Mutex
	var started, completed []model.Stage
	cb := StageCallbacks{
		OnStageStart: func(s model.Stage) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, s)
		},
		OnStageComplete: func(s model.Stage) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, s)
		},
	}

	_, err := o.Run(context.Background(), "https://example.com", time.Second, true, cb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != len(model.AllStages) {
		t.Fatalf("expected a start callback per stage, got %v", started)
	}
	if len(completed) != len(model.AllStages) {
		t.Fatalf("expected a complete callback per stage, got %v", completed)
	}
}

func TestRunReleasesSingleflightLockEvenOnFailure(t *testing.T) {
	o, _, lh := newTestOrchestrator()
	lh.failMobile = true
	lh.failDesktop = true
	locks := o.locks.(*fakeLocks)

	_, _ = o.Run(context.Background(), "https://example.com", time.Second, true, StageCallbacks{})

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if locks.held["https://example.com"] {
		t.Fatalf("expected the singleflight lock to be released after a failed run")
	}
}

func TestRunReprobesCacheOnSecondWaiterWhenFirstPopulatesIt(t *testing.T) {
	o, c, _ := newTestOrchestrator()
	locks := o.locks.(*fakeLocks)
	locks.held["https://example.com"] = true // simulate another caller already holding the lock

	cached := &model.Report{URL: "https://example.com", Status: model.ReportSuccess}
	c.entries["https://example.com"] = cached

	report, err := o.Run(context.Background(), "https://example.com", time.Second, false, StageCallbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report != cached {
		t.Fatalf("expected the re-probed cache entry to be returned without running stages")
	}
}
