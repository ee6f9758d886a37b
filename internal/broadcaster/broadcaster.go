// Package broadcaster implements the progress broadcaster (C8): a per-job
// fan-out of stage events to active subscribers. Generalizes the teacher's
// register/unregister-channel-plus-background-consumer hub from a single
// tenant-keyed metrics feed into a job-id-keyed event feed with an unbounded
// backlog, so emitters (the registry) never block on subscriber I/O.
package broadcaster

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

// Sink is anything that can receive a progress event. A failed Send
// unsubscribes only that sink; other subscribers of the same job are
// unaffected. The broadcaster has no notion of WebSockets — the transport
// layer registers its own per-connection sink.
type Sink interface {
	Send(model.ProgressEvent) error
}

// Broadcaster is the C8 progress broadcaster. It implements
// registry.Notifier: Publish enqueues and returns immediately; a single
// background goroutine performs the actual sends.
type Broadcaster struct {
	log zerolog.Logger

	subMu       sync.Mutex
	subscribers map[string]map[Sink]struct{}

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   []model.ProgressEvent
	closed  bool
}

func New(log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		log:         log.With().Str("component", "broadcaster").Logger(),
		subscribers: make(map[string]map[Sink]struct{}),
	}
	b.cond = sync.NewCond(&b.queueMu)
	go b.run()
	return b
}

// Publish enqueues event for asynchronous delivery. Satisfies registry.Notifier.
func (b *Broadcaster) Publish(event model.ProgressEvent) {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return
	}
	b.queue = append(b.queue, event)
	b.queueMu.Unlock()
	b.cond.Signal()
}

// Subscribe registers sink to receive events for jobID. A late subscriber
// only sees events emitted after this call.
func (b *Broadcaster) Subscribe(jobID string, sink Sink) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[Sink]struct{})
	}
	b.subscribers[jobID][sink] = struct{}{}
}

// Unsubscribe removes sink from jobID's subscriber set.
func (b *Broadcaster) Unsubscribe(jobID string, sink Sink) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subscribers[jobID]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(b.subscribers, jobID)
	}
}

// SubscriberCount returns how many sinks are currently subscribed to jobID.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subscribers[jobID])
}

// run is the single background consumer draining the unbounded queue.
// Order is preserved per job-id because there is exactly one consumer
// processing the queue in FIFO order.
func (b *Broadcaster) run() {
	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.queueMu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.dispatch(event)
	}
}

func (b *Broadcaster) dispatch(event model.ProgressEvent) {
	b.subMu.Lock()
	set := b.subscribers[event.JobID]
	sinks := make([]Sink, 0, len(set))
	for sink := range set {
		sinks = append(sinks, sink)
	}
	b.subMu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(event); err != nil {
			b.log.Debug().Err(err).Str("job_id", event.JobID).Msg("dropping subscriber after failed send")
			b.Unsubscribe(event.JobID, sink)
			observability.BroadcasterDroppedEvents.Inc()
		}
	}
}

// Shutdown drains the remaining queue and stops the background consumer.
func (b *Broadcaster) Shutdown() {
	b.queueMu.Lock()
	b.closed = true
	b.queueMu.Unlock()
	b.cond.Broadcast()
}
