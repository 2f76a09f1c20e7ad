package dispatchpool

import "time"

// Source is a caller-supplied lazy, finite sequence of work payloads.
// Next returns ok=false once the sequence is exhausted; it must be
// safe to call from a single goroutine only (the PullQueue never
// calls it concurrently).
type Source interface {
	Next() (payload any, ok bool)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() (any, bool)

// Next implements Source.
func (f SourceFunc) Next() (any, bool) { return f() }

// PullQueue is the pull-mode variant of Queue (spec.md §4.1, §9
// "Pull-mode as a queue variant"): rather than an enqueue side fed by
// producers, dispatch_next pulls from a caller-supplied Source on
// demand. Enqueue is a programming error on this variant.
type PullQueue struct {
	source  Source
	replyTo ReplyTo // optional global recipient, shared by every item pulled
	retry   int
	timeout time.Duration
	metrics MetricsSink

	dispatchCh chan dispatchCmd
	statCh     chan chan QueueStats
	shutdownCh chan struct{}
	done       chan struct{}
	notifyCh   chan struct{}

	// completed closes once Source reports exhaustion, letting a
	// pull-mode Dispatcher observe sequence completion without
	// competing with workers for DispatchNext calls.
	completed chan struct{}
}

// NewPullQueue constructs and starts a pull-mode Queue over source.
// Every item it produces shares replyTo (may be nil), retry, and
// timeout, since the pull-mode queue has no per-submit caller to
// supply them individually.
func NewPullQueue(source Source, replyTo ReplyTo, retry int, timeout time.Duration, metrics MetricsSink) *PullQueue {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	q := &PullQueue{
		source:     source,
		replyTo:    replyTo,
		retry:      retry,
		timeout:    timeout,
		metrics:    metrics,
		dispatchCh: make(chan dispatchCmd),
		statCh:     make(chan chan QueueStats),
		shutdownCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
		notifyCh:   make(chan struct{}, 1),
		completed:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue always fails: pulling from Source is the only admission
// path for a PullQueue.
func (q *PullQueue) Enqueue(WorkItem) EnqueueOutcome {
	return Rejected(ReasonShuttingDown)
}

// NotifyChan mirrors Queue.NotifyChan; a PullQueue pings it once at
// construction so a worker's first dispatch attempt doesn't need to
// wait for an external signal.
func (q *PullQueue) NotifyChan() <-chan struct{} { return q.notifyCh }

// DispatchNext pulls the next payload from Source, wrapping it in a
// WorkItem. Returns ok=false once Source is exhausted.
func (q *PullQueue) DispatchNext() (WorkItem, bool) {
	resp := make(chan dispatchResult, 1)
	select {
	case q.dispatchCh <- dispatchCmd{resp: resp}:
		r := <-resp
		return r.item, r.ok
	case <-q.done:
		return WorkItem{}, false
	}
}

// Stats reports how many items the pull queue has handed out so far
// (DispatchedTotal). Every other field is always 0: a PullQueue never
// buffers and has no enqueue side.
func (q *PullQueue) Stats() QueueStats {
	resp := make(chan QueueStats, 1)
	select {
	case q.statCh <- resp:
		return <-resp
	case <-q.done:
		return QueueStats{}
	}
}

// Shutdown asks the pull queue to stop producing further work and
// terminate; it is idempotent.
func (q *PullQueue) Shutdown(time.Duration) {
	select {
	case q.shutdownCh <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *PullQueue) run() {
	var dispatchedTotal uint64
	exhausted := false
	q.pingNotify()

	for {
		select {
		case cmd := <-q.dispatchCh:
			if exhausted {
				cmd.resp <- dispatchResult{ok: false}
				continue
			}
			payload, ok := q.source.Next()
			if !ok {
				exhausted = true
				close(q.completed)
				cmd.resp <- dispatchResult{ok: false}
				continue
			}
			item := NewWorkItem(payload, q.replyTo, q.retry, q.timeout)
			dispatchedTotal++
			item.SubmissionSeq = dispatchedTotal
			cmd.resp <- dispatchResult{item: item, ok: true}
			q.pingNotify()

		case resp := <-q.statCh:
			resp <- QueueStats{DispatchedTotal: dispatchedTotal}

		case <-q.shutdownCh:
			close(q.done)
			return
		}
	}
}

func (q *PullQueue) pingNotify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Completed returns a channel that closes once Source has been fully
// consumed. Used by the pull-mode Dispatcher to trigger graceful
// shutdown once all items have been produced (not necessarily
// finished — in-flight items may still be running in workers).
func (q *PullQueue) Completed() <-chan struct{} { return q.completed }
