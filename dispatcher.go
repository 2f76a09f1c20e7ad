package dispatchpool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// workQueue is the common surface Dispatcher needs from either a
// push-mode Queue or a pull-mode PullQueue.
type workQueue interface {
	WorkSource
	Enqueue(WorkItem) EnqueueOutcome
	Stats() QueueStats
	Shutdown(time.Duration)
}

// RejectionMessage translates a RejectReason into the exact producer-
// facing string spec.md §6 names ("Server is at capacity", "Shutting
// down"). Front ends (e.g. cmd/dispatchd's HTTP handler) use this to
// build the WorkRejected response body.
func RejectionMessage(reason RejectReason) string {
	switch reason {
	case ReasonOverCapacity:
		return "Server is at capacity"
	case ReasonShuttingDown:
		return "Shutting down"
	case ReasonExpired:
		return "Work item already expired"
	default:
		return "Rejected"
	}
}

// Dispatcher is the engine's public entry point (spec.md §4.5): it
// composes a Queue (or PullQueue), a Processor, and an optional
// Autoscaler, and routes producer input in either push or pull mode.
// Dispatcher exclusively owns its Processor and Queue (spec.md §3).
//
// Grounded on the teacher's Server (cmd/queue/server.go): the
// HTTP-facing enqueue/health handlers are generalized here into a
// transport-agnostic front end; cmd/dispatchd embeds it over HTTP the
// way the teacher's cmd/queue does directly.
type Dispatcher struct {
	settings   Settings
	queue      workQueue
	processor  *Processor
	autoscaler *Autoscaler
	metrics    MetricsSink
	log        *slog.Logger

	mu            sync.Mutex
	shuttingDown  bool
	submissionSeq uint64

	abandonedCount atomic.Uint64

	shutdownOnce sync.Once
	terminated   chan struct{}
}

// wrapReply intercepts KindAbandoned outcomes to maintain
// AbandonedCount, then forwards every outcome (including the
// intercepted one) to inner.
func (d *Dispatcher) wrapReply(inner ReplyTo) ReplyTo {
	return ReplyFunc(func(outcome WorkOutcome) {
		if outcome.Kind == KindAbandoned {
			d.abandonedCount.Add(1)
		}
		if inner != nil {
			inner.Deliver(outcome)
		}
	})
}

// NewPushDispatcher builds a Dispatcher fed by individual producer
// submits (spec.md §4.5 "Push dispatcher").
func NewPushDispatcher(settings Settings, backend Backend, checker ResultChecker, metrics MetricsSink, log *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	if log == nil {
		log = slog.Default()
	}

	queue := NewQueue(settings.BackPressure, metrics)
	processor := NewProcessor(settings.WorkerPool, settings.CircuitBreaker, queue, backend, checker, metrics, log)
	processor.Start(settings.WorkerPool.StartingPoolSize)

	d := &Dispatcher{
		settings:   settings,
		queue:      queue,
		processor:  processor,
		metrics:    metrics,
		log:        log,
		terminated: make(chan struct{}),
	}
	d.autoscaler = NewAutoscaler(settings.AutoScaling, queue, processor, log)
	d.autoscaler.Start()
	return d
}

// NewPullDispatcher builds a Dispatcher constructed around a lazy
// Source (spec.md §4.5 "Pull dispatcher"). sendResultsTo is an
// optional global recipient shared by every item the sequence
// produces. Once the sequence is exhausted, the Dispatcher triggers
// its own graceful shutdown automatically (spec.md §9).
func NewPullDispatcher(settings Settings, source Source, sendResultsTo ReplyTo, backend Backend, checker ResultChecker, metrics MetricsSink, log *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		settings:   settings,
		metrics:    metrics,
		log:        log,
		terminated: make(chan struct{}),
	}

	queue := NewPullQueue(source, d.wrapReply(sendResultsTo), settings.WorkRetry, settings.WorkTimeout, metrics)
	processor := NewProcessor(settings.WorkerPool, settings.CircuitBreaker, queue, backend, checker, metrics, log)
	processor.Start(settings.WorkerPool.StartingPoolSize)

	d.queue = queue
	d.processor = processor
	d.autoscaler = NewAutoscaler(settings.AutoScaling, queue, processor, log)
	d.autoscaler.Start()

	go func() {
		<-queue.Completed()
		d.log.Info("pull dispatcher: source exhausted, shutting down")
		drainTimeout := settings.WorkerPool.MaxProcessingTime
		if drainTimeout <= 0 {
			drainTimeout = settings.WorkTimeout * time.Duration(settings.WorkRetry+1)
		}
		reportBack := make(chan struct{}, 1)
		d.ShutdownGracefully(reportBack, drainTimeout)
	}()

	return d
}

// Submit is the push-mode producer surface (spec.md §6): the caller
// gets back the queue's EnqueueOutcome synchronously. On acceptance,
// the eventual backend reply (or failure) arrives via replyTo — no
// separate acknowledgement is sent. Any payload shape is accepted as
// a work item, matching spec.md §6: "Any message shape the dispatcher
// does not recognize is treated as a work item."
func (d *Dispatcher) Submit(payload any, replyTo ReplyTo) EnqueueOutcome {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		d.metrics.EnqueueRejected(ReasonShuttingDown)
		return Rejected(ReasonShuttingDown)
	}
	d.submissionSeq++
	seq := d.submissionSeq
	d.mu.Unlock()

	item := NewWorkItem(payload, d.wrapReply(replyTo), d.settings.WorkRetry, d.settings.WorkTimeout)
	item.SubmissionSeq = seq
	return d.queue.Enqueue(item)
}

// Stats exposes the queue's counters, for admin/monitoring surfaces.
func (d *Dispatcher) Stats() QueueStats { return d.queue.Stats() }

// ProcessorStats exposes the processor's pool size and breaker state.
func (d *Dispatcher) ProcessorStats() ProcessorStats { return d.processor.Snapshot() }

// AbandonedCount reports how many in-flight or queued items were
// abandoned due to a shutdown drain timeout (spec.md §5).
func (d *Dispatcher) AbandonedCount() uint64 {
	return d.abandonedCount.Load()
}

// ShutdownGracefully drains and terminates the dispatcher and all its
// children (spec.md §4.5 "Shared lifecycle"): processor termination
// implies dispatcher termination, and the queue's own shutdown timeout
// governs how long buffered items get to drain. Posts exactly one
// completion signal to reportBack. Idempotent: a second call is a
// no-op (the channel passed the first time is the one that fires).
func (d *Dispatcher) ShutdownGracefully(reportBack chan<- struct{}, timeout time.Duration) {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.shuttingDown = true
		d.mu.Unlock()

		d.autoscaler.Stop()

		procDone := make(chan struct{}, 1)
		go d.processor.Shutdown(procDone, timeout, true)

		// Queue.Shutdown blocks internally until drained or timeout,
		// running concurrently with the processor's own drain since
		// workers are still pulling from the queue while it happens.
		d.queue.Shutdown(timeout)

		select {
		case <-procDone:
		case <-time.After(timeout + time.Second):
		}

		close(d.terminated)
		select {
		case reportBack <- struct{}{}:
		default:
		}
	})
}

// Terminated returns a channel that closes once the dispatcher has
// fully shut down.
func (d *Dispatcher) Terminated() <-chan struct{} { return d.terminated }
