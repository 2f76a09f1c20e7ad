package dispatchpool

import (
	"context"
	"log/slog"
	"time"
)

// WorkSource is what a Worker pulls from: either a push-mode Queue or
// a pull-mode PullQueue. Both satisfy it with the same non-blocking
// DispatchNext/NotifyChan shape (spec.md §9, "Pull-mode as a queue
// variant").
type WorkSource interface {
	DispatchNext() (WorkItem, bool)
	NotifyChan() <-chan struct{}
}

// dispatchGate is implemented by the Processor's circuit breaker (or
// a pass-through when no breaker is configured) to decide whether a
// worker may proceed with a backend call right now.
type dispatchGate interface {
	// allow reports whether dispatch may proceed. probe is true when
	// this call is itself the breaker's single HalfOpen probe.
	allow() (proceed bool, probe bool)
	recordSuccess()
	recordFailure()
}

// workerState mirrors spec.md §3's Worker state enum. A worker does not
// track its state in these values, and Processor.Snapshot does not
// report them.
type workerState string

const (
	workerIdle     workerState = "idle"
	workerWaiting  workerState = "waiting"
	workerInFlight workerState = "in_flight"
	workerRetiring workerState = "retiring"
)

// worker is a single-slot executor: at any time it has at most one
// outstanding backend call (spec.md §3 invariant). It is owned
// exclusively by a Processor and communicates retirement via a
// dedicated channel, never shared mutable state.
//
// Grounded on the teacher's worker goroutine (worker_pool.go's
// `func (wp *WorkerPool) worker()`), generalized from "pull an
// anonymous func() off a channel and recover from panics" into the
// spec's pull/dispatch/classify/retry state machine.
type worker struct {
	id      int
	source  WorkSource
	backend Backend
	checker ResultChecker
	gate    dispatchGate
	metrics MetricsSink
	log     *slog.Logger

	retireCh chan struct{}
	doneCh   chan struct{}

	// hardStop is shared by every worker in a Processor; it is closed
	// once, when a graceful shutdown's drain timeout elapses (or at
	// once on a non-graceful or zero-timeout shutdown), to
	// force-cancel any in-flight backend call (spec.md §4.3: "If
	// timeout elapses, hard-stop remaining workers").
	hardStop <-chan struct{}
}

func newWorker(id int, source WorkSource, backend Backend, checker ResultChecker, gate dispatchGate, metrics MetricsSink, log *slog.Logger, hardStop <-chan struct{}) *worker {
	if log == nil {
		log = slog.Default()
	}
	return &worker{
		id:       id,
		source:   source,
		backend:  backend,
		checker:  checker,
		gate:     gate,
		metrics:  metrics,
		log:      log,
		retireCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		hardStop: hardStop,
	}
}

// retire asks the worker to finish its current attempt (if any) and
// terminate instead of pulling further work.
func (w *worker) retire() {
	select {
	case w.retireCh <- struct{}{}:
	default:
	}
}

func (w *worker) wait() { <-w.doneCh }

func (w *worker) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.retireCh:
			return
		default:
		}

		item, ok := w.source.DispatchNext()
		if !ok {
			select {
			case <-w.source.NotifyChan():
				continue
			case <-w.retireCh:
				return
			case <-time.After(200 * time.Millisecond):
				// Periodic re-check: a notify ping can be consumed by a
				// sibling worker between our DispatchNext miss and our
				// select, so we don't rely on NotifyChan alone.
				continue
			}
		}

		w.handle(item)
	}
}

// handle runs one WorkItem to a terminal (or retried) outcome,
// respecting the item's fixed deadline across all attempts.
func (w *worker) handle(item WorkItem) {
	if item.Expired() {
		w.deliverTerminal(item, WorkOutcome{Kind: KindTimeout, Reason: "deadline exceeded before dispatch", WorkID: item.ID})
		return
	}

	proceed, probe := w.gate.allow()
	if !proceed {
		// Breaker is Open: re-admit the item so FIFO for other items
		// is preserved, and back off briefly before the worker tries
		// again (spec.md §4.3: "workers asking for work receive a
		// back-off signal"). Where the source cannot take the item back
		// (pull mode, or a queue that has shut down), the worker backs
		// off and then tries the item again itself.
		if q, ok := w.source.(interface{ enqueueAtHead(WorkItem) bool }); ok && q.enqueueAtHead(item) {
			time.Sleep(50 * time.Millisecond)
			return
		}
		time.Sleep(50 * time.Millisecond)
		w.handle(item)
		return
	}

	item.Attempt++
	w.metrics.WorkStarted()

	perAttempt := item.Timeout
	if remaining := time.Until(item.Deadline); remaining < perAttempt {
		perAttempt = remaining
	}
	if perAttempt <= 0 {
		w.deliverTerminal(item, WorkOutcome{Kind: KindTimeout, Reason: "deadline exceeded before dispatch", WorkID: item.ID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), perAttempt)
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-w.hardStop:
			cancel()
		case <-watchDone:
		}
	}()
	start := time.Now()
	reply, err := w.backend.Request(ctx, item.Payload)
	duration := time.Since(start)
	close(watchDone)
	cancel()

	select {
	case <-w.hardStop:
		w.recordGate(probe, false)
		w.deliverTerminal(item, WorkOutcome{
			Kind:     KindAbandoned,
			Reason:   "shutdown: processor hard-stop, in-flight attempt abandoned",
			Duration: duration,
			WorkID:   item.ID,
		})
		return
	default:
	}

	if ctx.Err() == context.DeadlineExceeded {
		w.recordGate(probe, false)
		w.onTimeout(item, duration)
		return
	}

	verdict := w.checker.Classify(ctx, reply, err)

	switch verdict.Kind {
	case KindSuccess:
		w.recordGate(probe, true)
		w.deliverTerminal(item, WorkOutcome{
			Kind:     KindSuccess,
			Reply:    verdict.Reply,
			Duration: duration,
			WorkID:   item.ID,
		})
		w.metrics.WorkCompleted(duration)

	case KindApplicationErr:
		w.recordGate(probe, false)
		if verdict.Retryable && item.Attempt <= item.RetryBudget && time.Until(item.Deadline) > 0 {
			w.log.Debug("retrying work item", "work_id", item.ID, "attempt", item.Attempt, "reason", verdict.Reason)
			w.requeueAtHead(item)
			return
		}
		w.deliverTerminal(item, WorkOutcome{
			Kind:      KindApplicationErr,
			Reason:    verdict.Reason,
			Retryable: verdict.Retryable,
			Duration:  duration,
			WorkID:    item.ID,
		})
		w.metrics.WorkFailed(verdict.Reason)

	case KindUnrecognized:
		// Unrecognized is never retried (spec open question (a)).
		w.recordGate(probe, false)
		reason := verdict.Reason
		if reason == "" {
			reason = "unrecognized reply"
		}
		w.deliverTerminal(item, WorkOutcome{
			Kind:     KindUnrecognized,
			Reason:   reason,
			Duration: duration,
			WorkID:   item.ID,
		})
		w.metrics.WorkFailed("unrecognized")
	}
}

func (w *worker) recordGate(probe, success bool) {
	_ = probe
	if success {
		w.gate.recordSuccess()
	} else {
		w.gate.recordFailure()
	}
}

func (w *worker) onTimeout(item WorkItem, duration time.Duration) {
	w.metrics.WorkTimedOut()
	if time.Until(item.Deadline) > 0 && item.Attempt <= item.RetryBudget {
		w.log.Debug("timeout, retrying", "work_id", item.ID, "attempt", item.Attempt)
		w.requeueAtHead(item)
		return
	}
	w.deliverTerminal(item, WorkOutcome{
		Kind:     KindTimeout,
		Reason:   "backend did not reply by deadline",
		Duration: duration,
		WorkID:   item.ID,
	})
}

func (w *worker) deliverTerminal(item WorkItem, outcome WorkOutcome) {
	if item.ReplyTo != nil {
		item.ReplyTo.Deliver(outcome)
	}
}

// requeueAtHead re-enqueues a retryable item so other items keep
// strict FIFO order; only push-mode Queue supports re-admission. A
// PullQueue item that needs a retry is instead re-invoked directly by
// the worker, since pull-mode has no enqueue side (spec.md §4.2:
// "re-enqueue at head ... or re-invoke the backend directly").
func (w *worker) requeueAtHead(item WorkItem) {
	type headEnqueuer interface {
		enqueueAtHead(WorkItem) bool
	}
	if q, ok := w.source.(headEnqueuer); ok {
		if q.enqueueAtHead(item) {
			return
		}
	}
	// Fall back to immediate re-invocation (pull-mode, or a push-mode
	// queue that refused the head re-insert because it has shut down
	// or the item has expired).
	w.handle(item)
}
