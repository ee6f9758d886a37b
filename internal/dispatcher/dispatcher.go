// Package dispatcher implements the admission and dispatch pipeline (C10):
// it turns a submitted URL into either an immediately-running worker or a
// queued job, and drains the queue as running jobs finish. Grounded on the
// dispatch-then-report-status try/catch/finally shape of the teacher's job
// dispatcher, rewritten for local goroutine workers instead of remote HTTP
// dispatch to an agent.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/browserpool"
	"github.com/auditforge/auditforge/internal/limiter"
	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
	"github.com/auditforge/auditforge/internal/orchestrator"
	"github.com/auditforge/auditforge/internal/queue"
	"github.com/auditforge/auditforge/internal/registry"
	"github.com/auditforge/auditforge/internal/validate"
)

const idleCleanupInterval = 60 * time.Second

// Dispatcher is the C10 admission/dispatch pipeline.
type Dispatcher struct {
	registry     *registry.Registry
	limiter      *limiter.Limiter
	queue        *queue.Store
	orchestrator *orchestrator.Orchestrator
	pool         *browserpool.Pool
	staleAge     time.Duration
	log          zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a dispatcher. staleAge bounds how long dead queue entries
// (processing without a worker, cancelled) may linger before the background
// cleanup loop deletes them.
func New(reg *registry.Registry, lim *limiter.Limiter, q *queue.Store, orch *orchestrator.Orchestrator, pool *browserpool.Pool, staleAge time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:     reg,
		limiter:      lim,
		queue:        q,
		orchestrator: orch,
		pool:         pool,
		staleAge:     staleAge,
		log:          log.With().Str("component", "dispatcher").Logger(),
		stop:         make(chan struct{}),
	}
}

// Start recovers any queue entries left processing by a prior crash,
// initializes the browser pool, and starts the idle-browser cleanup loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if n, err := d.queue.RequeueProcessing(ctx); err != nil {
		return model.WrapError(model.KindInternal, "requeuing processing entries on startup", err)
	} else if n > 0 {
		d.log.Info().Int("count", n).Msg("requeued processing entries left over from a prior crash")
	}

	if err := d.pool.Initialize(); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.cleanupLoop()
	return nil
}

// Shutdown stops the background cleanup loop and tears down the browser pool.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.pool.Shutdown()
}

func (d *Dispatcher) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(idleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if n := d.pool.CleanupIdle(); n > 0 {
				d.log.Debug().Int("count", n).Msg("closed idle browser instances")
			}
			if n, err := d.queue.CleanupStale(context.Background(), d.staleAge); err != nil {
				d.log.Warn().Err(err).Msg("stale queue cleanup failed")
			} else if n > 0 {
				d.log.Debug().Int("count", n).Msg("deleted stale queue entries")
			}
		}
	}
}

// Submit admits a new audit request: validates and normalizes the url,
// registers a job, and either starts it immediately or queues it, per
// section 4.10's admission pipeline.
func (d *Dispatcher) Submit(ctx context.Context, rawURL, options, clientIP string, timeout time.Duration, noCache bool) (*model.Job, error) {
	d.registry.CleanupExpired()

	normalized, err := validate.URL(rawURL)
	if err != nil {
		observability.JobsSubmittedTotal.WithLabelValues("validation_failed").Inc()
		return nil, err
	}

	job := d.registry.Create(normalized, clientIP, timeout, noCache)
	if job == nil {
		observability.JobsSubmittedTotal.WithLabelValues("rate_limited").Inc()
		return nil, model.NewError(model.KindQuotaExceeded, "too many concurrent jobs for this client")
	}

	if d.limiter.TryAcquire() {
		observability.JobsSubmittedTotal.WithLabelValues("pending").Inc()
		d.wg.Add(1)
		go d.runWorker(job.ID)
		return job, nil
	}

	position, err := d.limiter.EnqueueJob(ctx, job.ID, normalized, options)
	if err != nil {
		d.registry.Remove(job.ID)
		return nil, err
	}
	if position == nil {
		observability.JobsSubmittedTotal.WithLabelValues("queue_full").Inc()
		d.registry.Remove(job.ID)
		return nil, model.NewError(model.KindCapacityExceeded, "queue is full")
	}

	observability.JobsSubmittedTotal.WithLabelValues("queued").Inc()
	d.registry.UpdateStatusAndPosition(job.ID, model.JobQueued, position, nil)
	return d.registry.Get(job.ID), nil
}

// Cancel cancels a queued job. Running and already-terminal jobs cannot be
// cancelled at this layer: a running job already holds a concurrency slot
// and browser capacity that cancellation could not safely reclaim mid-stage.
func (d *Dispatcher) Cancel(jobID string) error {
	job := d.registry.Get(jobID)
	if job == nil {
		return model.NewError(model.KindNotFound, "job not found")
	}
	if job.Status != model.JobQueued {
		return model.NewError(model.KindConflict, "only queued jobs can be cancelled")
	}

	cancelled, err := d.queue.Cancel(context.Background(), jobID)
	if err != nil {
		return model.WrapError(model.KindInternal, "cancelling queued job", err)
	}
	if !cancelled {
		return model.NewError(model.KindConflict, "job is no longer queued")
	}

	errMsg := "cancelled by user"
	d.registry.UpdateStatusAndPosition(jobID, model.JobFailed, nil, &errMsg)
	return nil
}

// runWorker executes one job end to end, reporting its outcome to the
// registry, then always releases its concurrency slot and drains the next
// queued job — the finally block of the dispatch protocol.
func (d *Dispatcher) runWorker(jobID string) {
	defer d.wg.Done()
	defer d.afterWork()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("job_id", jobID).Any("panic", r).Msg("audit worker panicked")
			d.registry.Fail(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job := d.registry.Get(jobID)
	if job == nil {
		d.log.Warn().Str("job_id", jobID).Msg("worker started for a job no longer in the registry")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	cb := orchestrator.StageCallbacks{
		OnStageStart:    func(s model.Stage) { d.registry.UpdateStage(jobID, s) },
		OnStageComplete: func(s model.Stage) { d.registry.CompleteStage(jobID, s) },
	}

	report, err := d.orchestrator.Run(ctx, job.URL, job.Timeout, job.NoCache, cb)
	if err != nil {
		d.registry.Fail(jobID, err.Error())
		return
	}
	d.registry.Complete(jobID, report)
}

// afterWork releases the concurrency slot this worker held and attempts to
// start the next queued job, tail-recursing past queue entries whose job
// was cancelled or expired out of the registry before it could run.
func (d *Dispatcher) afterWork() {
	d.limiter.Release()
	d.drainNext()
}

func (d *Dispatcher) drainNext() {
	if !d.limiter.TryAcquire() {
		return
	}

	ctx := context.Background()
	entry, err := d.queue.Dequeue(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("dequeue failed while draining the queue")
		d.limiter.Release()
		return
	}
	if entry == nil {
		d.limiter.Release()
		return
	}

	if d.registry.Get(entry.JobID) == nil {
		d.queue.Remove(ctx, entry.JobID)
		d.limiter.Release()
		d.drainNext()
		return
	}

	d.registry.UpdateStatusAndPosition(entry.JobID, model.JobPending, nil, nil)
	d.wg.Add(1)
	go d.runWorker(entry.JobID)
	d.queue.Remove(ctx, entry.JobID)
}
