package dispatchpool

import (
	"sync"
	"time"
)

type enqueueCmd struct {
	item WorkItem
	resp chan EnqueueOutcome
}

type dispatchCmd struct {
	resp chan dispatchResult
}

type dispatchResult struct {
	item WorkItem
	ok   bool
}

type shutdownCmd struct {
	drainTimeout time.Duration
	done         chan struct{}
}

type headEnqueueCmd struct {
	item WorkItem
	resp chan bool
}

// Queue is a bounded FIFO of pending WorkItems with synchronous
// backpressure. It runs as a single-owner task (spec.md §5): all
// state (items, dispatch-history ring, counters) is touched only by
// its run loop, never shared directly with callers.
//
// Grounded on the teacher's buffered-channel queue (cmd/queue/
// server.go's `jobs chan Task`), generalized into an actor with
// explicit EnqueueOutcome/dispatch semantics instead of a bare
// channel send/receive.
type Queue struct {
	settings BackPressureSettings
	metrics  MetricsSink

	enqueueCh     chan enqueueCmd
	dispatchCh    chan dispatchCmd
	shutdownCh    chan shutdownCmd
	headEnqueueCh chan headEnqueueCmd
	notifyCh      chan struct{}

	done chan struct{}

	// closeOnce guards against double-close of done.
	closeOnce sync.Once

	// counters, read via snapshot methods below (only the run loop
	// writes them; reads use atomics-free snapshot via a dedicated
	// command to stay true to the single-owner model).
	statCh chan chan QueueStats
}

// QueueStats is a point-in-time snapshot of queue counters (spec.md
// §3's enqueued_total/dispatched_total/rejected_total plus the
// current length and estimated throughput).
type QueueStats struct {
	Length         int
	EnqueuedTotal  uint64
	DispatchedTotal uint64
	RejectedTotal  uint64
	Throughput     float64 // items/sec, 0 if unknown (fewer than 2 samples)
}

// NewQueue constructs and starts a push-mode Queue.
func NewQueue(settings BackPressureSettings, metrics MetricsSink) *Queue {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	q := &Queue{
		settings:      settings,
		metrics:       metrics,
		enqueueCh:     make(chan enqueueCmd),
		dispatchCh:    make(chan dispatchCmd),
		shutdownCh:    make(chan shutdownCmd, 1),
		headEnqueueCh: make(chan headEnqueueCmd),
		notifyCh:      make(chan struct{}, 1),
		done:          make(chan struct{}),
		statCh:        make(chan chan QueueStats),
	}
	go q.run()
	return q
}

// NotifyChan returns a channel a worker can select on while idle; it
// receives a signal whenever an item becomes available. Workers must
// still call DispatchNext after waking, since the signal is a hint,
// not a delivery (spec.md §4.2: "sleep until notified").
func (q *Queue) NotifyChan() <-chan struct{} { return q.notifyCh }

// Enqueue submits an item, applying backpressure per spec.md §4.1.
func (q *Queue) Enqueue(item WorkItem) EnqueueOutcome {
	resp := make(chan EnqueueOutcome, 1)
	select {
	case q.enqueueCh <- enqueueCmd{item: item, resp: resp}:
		return <-resp
	case <-q.done:
		return Rejected(ReasonShuttingDown)
	}
}

// DispatchNext is called by an idle worker. It returns immediately:
// (WorkItem{}, false) when the queue is empty of non-expired items.
func (q *Queue) DispatchNext() (WorkItem, bool) {
	resp := make(chan dispatchResult, 1)
	select {
	case q.dispatchCh <- dispatchCmd{resp: resp}:
		r := <-resp
		return r.item, r.ok
	case <-q.done:
		return WorkItem{}, false
	}
}

// enqueueAtHead re-admits an item (typically a retry) at the front of
// the buffer, bypassing backpressure admission checks: it is already-
// admitted work continuing, not a new submission. Returns false if the
// queue has already shut down.
func (q *Queue) enqueueAtHead(item WorkItem) bool {
	resp := make(chan bool, 1)
	select {
	case q.headEnqueueCh <- headEnqueueCmd{item: item, resp: resp}:
		return <-resp
	case <-q.done:
		return false
	}
}

// Stats returns a snapshot of the queue's counters and current state.
func (q *Queue) Stats() QueueStats {
	resp := make(chan QueueStats, 1)
	select {
	case q.statCh <- resp:
		return <-resp
	case <-q.done:
		return QueueStats{}
	}
}

// Shutdown flips the queue to shutting-down: further Enqueue calls
// are rejected, but dispatch continues to drain the buffer until it's
// empty or drainTimeout elapses. Any items still buffered when the
// timeout fires are abandoned: their ReplyTo (if any) receives a
// KindAbandoned outcome, and the queue terminates.
func (q *Queue) Shutdown(drainTimeout time.Duration) {
	done := make(chan struct{})
	select {
	case q.shutdownCh <- shutdownCmd{drainTimeout: drainTimeout, done: done}:
		<-done
	case <-q.done:
	}
}

func (q *Queue) run() {
	var items []WorkItem
	var history []time.Time // dispatch timestamps, pruned to the window
	var enqueuedTotal, dispatchedTotal, rejectedTotal uint64
	shuttingDown := false

	maxHistory := q.settings.MaxHistoryLength
	if maxHistory <= 0 {
		maxHistory = 10 * time.Second
	}

	for {
		select {
		case cmd := <-q.enqueueCh:
			if shuttingDown {
				rejectedTotal++
				q.metrics.EnqueueRejected(ReasonShuttingDown)
				cmd.resp <- Rejected(ReasonShuttingDown)
				continue
			}
			if cmd.item.Expired() {
				rejectedTotal++
				q.metrics.EnqueueRejected(ReasonExpired)
				cmd.resp <- Rejected(ReasonExpired)
				continue
			}
			if q.settings.Enabled {
				if q.settings.MaxBufferSize > 0 && len(items) >= q.settings.MaxBufferSize {
					rejectedTotal++
					q.metrics.EnqueueRejected(ReasonOverCapacity)
					cmd.resp <- Rejected(ReasonOverCapacity)
					continue
				}
				if ewt, known := estimateEWT(len(items), history, maxHistory); known &&
					q.settings.ThresholdForExpectedWaitTime > 0 && ewt > q.settings.ThresholdForExpectedWaitTime {
					rejectedTotal++
					q.metrics.EnqueueRejected(ReasonOverCapacity)
					cmd.resp <- Rejected(ReasonOverCapacity)
					continue
				}
			}
			items = append(items, cmd.item)
			enqueuedTotal++
			q.metrics.Enqueued()
			cmd.resp <- Enqueued
			q.pingNotify()

		case cmd := <-q.dispatchCh:
			item, ok := popNextNonExpired(&items, q.metrics)
			if ok {
				dispatchedTotal++
				now := time.Now()
				history = append(history, now)
				history = pruneHistory(history, now, maxHistory)
			}
			cmd.resp <- dispatchResult{item: item, ok: ok}

		case cmd := <-q.headEnqueueCh:
			if shuttingDown || cmd.item.Expired() {
				cmd.resp <- false
				continue
			}
			items = append([]WorkItem{cmd.item}, items...)
			cmd.resp <- true
			q.pingNotify()

		case resp := <-q.statCh:
			throughput, known := computeThroughput(history, maxHistory)
			if !known {
				throughput = 0
			}
			resp <- QueueStats{
				Length:          len(items),
				EnqueuedTotal:   enqueuedTotal,
				DispatchedTotal: dispatchedTotal,
				RejectedTotal:   rejectedTotal,
				Throughput:      throughput,
			}

		case cmd := <-q.shutdownCh:
			shuttingDown = true
			q.drainOnShutdown(&items, cmd.drainTimeout)
			close(cmd.done)
			q.closeOnce.Do(func() { close(q.done) })
			return
		}
	}
}

// drainOnShutdown keeps serving dispatch requests (via the same
// dispatchCh select, run inline here since the outer loop has already
// committed to shutting down) until the buffer empties or the drain
// timeout fires, then abandons whatever remains.
func (q *Queue) drainOnShutdown(items *[]WorkItem, drainTimeout time.Duration) {
	if drainTimeout <= 0 {
		drainTimeout = 0
	}
	deadline := time.Now().Add(drainTimeout)
	for len(*items) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case cmd := <-q.dispatchCh:
			item, ok := popNextNonExpired(items, q.metrics)
			cmd.resp <- dispatchResult{item: item, ok: ok}
		case cmd := <-q.enqueueCh:
			q.metrics.EnqueueRejected(ReasonShuttingDown)
			cmd.resp <- Rejected(ReasonShuttingDown)
		case cmd := <-q.headEnqueueCh:
			// Still allow retries to re-admit during drain: the
			// worker retrying this item is itself draining.
			*items = append([]WorkItem{cmd.item}, (*items)...)
			cmd.resp <- true
		case <-time.After(remaining):
		}
	}
	for _, it := range *items {
		if it.ReplyTo != nil {
			it.ReplyTo.Deliver(WorkOutcome{
				Kind:   KindAbandoned,
				Reason: "shutdown: queue drain timeout elapsed",
				WorkID: it.ID,
			})
		}
	}
	*items = nil
}

func (q *Queue) pingNotify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// popNextNonExpired removes and returns the head item whose deadline
// has not elapsed, dropping (and metricizing) any expired heads first.
// Expired-drop is side-effect only: it never reorders survivors.
func popNextNonExpired(items *[]WorkItem, metrics MetricsSink) (WorkItem, bool) {
	for len(*items) > 0 {
		head := (*items)[0]
		*items = (*items)[1:]
		if head.Expired() {
			metrics.EnqueueRejected(ReasonExpired)
			if head.ReplyTo != nil {
				head.ReplyTo.Deliver(WorkOutcome{
					Kind:   KindTimeout,
					Reason: "expired before dispatch",
					WorkID: head.ID,
				})
			}
			continue
		}
		return head, true
	}
	return WorkItem{}, false
}

func pruneHistory(history []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(history) && history[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return history
	}
	return append([]time.Time(nil), history[i:]...)
}

// computeThroughput estimates items/sec from the dispatch-history
// ring. Returns known=false when fewer than two samples exist, per
// spec.md §4.1 ("if the window has fewer than two samples, treat
// throughput as unknown").
func computeThroughput(history []time.Time, window time.Duration) (float64, bool) {
	if len(history) < 2 {
		return 0, false
	}
	span := history[len(history)-1].Sub(history[0])
	if span <= 0 {
		return 0, false
	}
	return float64(len(history)) / span.Seconds(), true
}

// estimateEWT computes expected wait time = queue length / throughput,
// per spec.md's GLOSSARY. known=false bypasses the EWT check entirely
// when throughput can't yet be estimated.
func estimateEWT(length int, history []time.Time, window time.Duration) (time.Duration, bool) {
	throughput, known := computeThroughput(history, window)
	if !known || throughput <= 0 {
		return 0, false
	}
	seconds := float64(length) / throughput
	return time.Duration(seconds * float64(time.Second)), true
}
