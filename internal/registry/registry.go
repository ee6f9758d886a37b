// Package registry implements the in-memory job registry (C5): a map from
// job id to Job plus an auxiliary per-client-ip set used to enforce the
// concurrent-jobs-per-ip quota. Grounded on the exact create/complete/fail/
// cleanup_expired semantics of the original service, including releasing an
// ip's slot set entirely once it empties rather than leaving an empty set
// behind.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

// Notifier is the C8 dependency: registry mutations enqueue a progress
// event under the registry lock, but the actual fan-out send happens
// asynchronously on the notifier's own worker.
type Notifier interface {
	Publish(event model.ProgressEvent)
}

type noopNotifier struct{}

func (noopNotifier) Publish(model.ProgressEvent) {}

const expiry = 24 * time.Hour

// Registry is the C5 job registry.
type Registry struct {
	maxPerIP int
	notifier Notifier
	log      zerolog.Logger

	mu       sync.Mutex
	jobs     map[string]*model.Job
	ipActive map[string]map[string]struct{}
}

func New(maxPerIP int, notifier Notifier, log zerolog.Logger) *Registry {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Registry{
		maxPerIP: maxPerIP,
		notifier: notifier,
		log:      log.With().Str("component", "registry").Logger(),
		jobs:     make(map[string]*model.Job),
		ipActive: make(map[string]map[string]struct{}),
	}
}

// Create mints a new Pending job for url on behalf of clientIP, or returns
// nil if clientIP already holds maxPerIP active jobs.
func (r *Registry) Create(url, clientIP string, timeout time.Duration, noCache bool) *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ipActive[clientIP]) >= r.maxPerIP {
		return nil
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    model.JobPending,
		CreatedAt: time.Now(),
		ClientIP:  clientIP,
		Timeout:   timeout,
		NoCache:   noCache,
	}
	r.jobs[job.ID] = job

	if r.ipActive[clientIP] == nil {
		r.ipActive[clientIP] = make(map[string]struct{})
	}
	r.ipActive[clientIP][job.ID] = struct{}{}

	observability.RegistrySize.Set(float64(len(r.jobs)))
	return job.Clone()
}

// Get returns a snapshot copy of the job, or nil if unknown.
func (r *Registry) Get(jobID string) *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Clone()
}

// Remove deletes jobID unconditionally, releasing its ip slot if held.
func (r *Registry) Remove(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(jobID)
}

func (r *Registry) removeLocked(jobID string) bool {
	job, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	delete(r.jobs, jobID)
	r.detachIPLocked(job.ClientIP, jobID)
	observability.RegistrySize.Set(float64(len(r.jobs)))
	return true
}

// detachIPLocked removes jobID from its ip's active set, dropping the ip's
// entry entirely once the set is empty rather than leaving an empty map
// keyed by that ip sitting in ipActive forever.
func (r *Registry) detachIPLocked(clientIP, jobID string) {
	set, ok := r.ipActive[clientIP]
	if !ok {
		return
	}
	delete(set, jobID)
	if len(set) == 0 {
		delete(r.ipActive, clientIP)
	}
}

// UpdateStage marks the job Running and sets its current stage, emitting progress.
func (r *Registry) UpdateStage(jobID string, stage model.Stage) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.Status = model.JobRunning
	job.CurrentStage = &stage
	r.notifier.Publish(r.progressEventLocked(job))
	r.mu.Unlock()
}

// CompleteStage appends stage to the completed set and emits progress.
func (r *Registry) CompleteStage(jobID string, stage model.Stage) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.CompletedStages = append(job.CompletedStages, stage)
	r.notifier.Publish(r.progressEventLocked(job))
	r.mu.Unlock()
}

// Complete marks the job Completed with report, emits a terminal event, and
// detaches its ip slot.
func (r *Registry) Complete(jobID string, report *model.Report) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.Status = model.JobCompleted
	job.Report = report
	job.CurrentStage = nil
	r.detachIPLocked(job.ClientIP, jobID)
	r.notifier.Publish(r.progressEventLocked(job))
	r.mu.Unlock()

	observability.JobsTerminalTotal.WithLabelValues(string(model.JobCompleted)).Inc()
}

// Fail marks the job Failed with errMsg, emits a terminal event, and
// detaches its ip slot.
func (r *Registry) Fail(jobID, errMsg string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.Status = model.JobFailed
	job.Error = &errMsg
	job.CurrentStage = nil
	r.detachIPLocked(job.ClientIP, jobID)
	r.notifier.Publish(r.progressEventLocked(job))
	r.mu.Unlock()

	observability.JobsTerminalTotal.WithLabelValues(string(model.JobFailed)).Inc()
}

// UpdateStatusAndPosition is the Dispatcher's single mutator for the
// Pending<->Queued (and Queued->Failed on user cancel) transitions.
func (r *Registry) UpdateStatusAndPosition(jobID string, status model.JobStatus, position *int, errMsg *string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.Status = status
	job.QueuePosition = position
	if errMsg != nil {
		job.Error = errMsg
		r.detachIPLocked(job.ClientIP, jobID)
	}
	r.notifier.Publish(r.progressEventLocked(job))
	r.mu.Unlock()
}

func (r *Registry) progressEventLocked(job *model.Job) model.ProgressEvent {
	return model.ProgressEvent{
		JobID:           job.ID,
		Stage:           job.CurrentStage,
		ProgressPercent: job.Progress(),
		Status:          job.Status,
		Timestamp:       time.Now(),
		Error:           job.Error,
	}
}

// CleanupExpired removes jobs older than 24h, releasing their ip slots, and
// returns the count removed. Called opportunistically by the Dispatcher
// rather than on a periodic background task.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-expiry)
	var stale []string
	for id, job := range r.jobs {
		if job.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.removeLocked(id)
	}
	return len(stale)
}

// ListRunning returns a stable, created-at-ordered page over every job whose
// status is Pending, Queued, or Running, plus the total matching count.
func (r *Registry) ListRunning(page, perPage int) (items []*model.Job, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*model.Job
	for _, job := range r.jobs {
		switch job.Status {
		case model.JobPending, model.JobQueued, model.JobRunning:
			all = append(all, job)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total = len(all)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = total
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	for _, job := range all[start:end] {
		items = append(items, job.Clone())
	}
	return items, total
}

// Stats summarizes registry occupancy by status, consumed by GET /v1/audits/stats.
type Stats struct {
	Total     int                     `json:"total"`
	ByStatus  map[model.JobStatus]int `json:"by_status"`
	ActiveIPs int                     `json:"active_ips"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.jobs), ByStatus: make(map[model.JobStatus]int), ActiveIPs: len(r.ipActive)}
	for _, job := range r.jobs {
		s.ByStatus[job.Status]++
	}
	return s
}
