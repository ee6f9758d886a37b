// Package limiter implements the concurrency limiter (C7): a counting
// semaphore over max_concurrent slots plus an integer active-count guarded
// by a mutex, interfacing with the persistent queue (C4) for overflow.
package limiter

import (
	"context"
	"sync"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
	"github.com/auditforge/auditforge/internal/queue"
)

// Limiter is the C7 concurrency limiter.
type Limiter struct {
	max   int
	queue *queue.Store

	mu     sync.Mutex
	cond   *sync.Cond
	active int
}

func New(max int, q *queue.Store) *Limiter {
	l := &Limiter{max: max, queue: q}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// TryAcquire is the non-blocking variant: if active < max, takes a slot and
// returns true; otherwise returns false immediately.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	observability.ConcurrencySlotsInUse.Set(float64(l.active))
	return true
}

// Acquire blocks until a slot is free or ctx is cancelled, used by workers
// that have already waited in the queue.
func (l *Limiter) Acquire(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		for l.active >= l.max {
			l.cond.Wait()
		}
		l.active++
		observability.ConcurrencySlotsInUse.Set(float64(l.active))
		l.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above may still be waiting on cond.Wait and will
		// take a slot it was never asked for; release it back immediately
		// once it does, since the caller has already given up.
		go func() {
			<-done
			l.Release()
		}()
		return ctx.Err()
	}
}

// Release decrements the active count, clamped at zero, and wakes one waiter.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	observability.ConcurrencySlotsInUse.Set(float64(l.active))
	l.mu.Unlock()
	l.cond.Signal()
}

// EnqueueJob delegates to the persistent queue (C4).
func (l *Limiter) EnqueueJob(ctx context.Context, jobID, url, options string) (*int, error) {
	return l.queue.Enqueue(ctx, jobID, url, options)
}

// Stats combines the limiter's own counters with the queue's depth.
type Stats struct {
	Active     int `json:"active"`
	Max        int `json:"max"`
	QueueDepth int `json:"queue_depth"`
}

func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()

	depth, err := l.queue.Size(ctx)
	if err != nil {
		return Stats{}, model.WrapError(model.KindInternal, "reading queue size", err)
	}
	return Stats{Active: active, Max: l.max, QueueDepth: depth}, nil
}
