package dispatchpool

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessorStats is a point-in-time snapshot for observability.
type ProcessorStats struct {
	PoolSize     int
	BreakerState string
	ErrorRate    float64
}

// Processor owns a dynamic set of Workers and, optionally, wraps
// their dispatch in a circuit breaker (spec.md §4.3). It is the only
// owner of its Workers (spec.md §3 ownership rules).
//
// Grounded on the teacher's WorkerPool (worker_pool.go): the
// ctx/cancel/WaitGroup shutdown skeleton is kept in spirit (here as
// retire-signal-per-worker plus errgroup.Wait), generalized from a
// fixed anonymous-task pool into a resizable named-worker pool.
type Processor struct {
	settings WorkerPoolSettings
	metrics  MetricsSink
	log      *slog.Logger

	source  WorkSource
	backend Backend
	checker ResultChecker
	gate    dispatchGate
	breaker *circuitBreaker // nil when disabled; gate is passthroughGate in that case

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	shutting bool

	hardStop   chan struct{}
	shutdownOnce sync.Once
}

// NewProcessor constructs a Processor wired to source (the Queue or
// PullQueue to pull from) and backend (the external collaborator that
// performs work). checker defaults to DefaultResultChecker if nil.
func NewProcessor(settings WorkerPoolSettings, breakerSettings CircuitBreakerSettings, source WorkSource, backend Backend, checker ResultChecker, metrics MetricsSink, log *slog.Logger) *Processor {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	if checker == nil {
		checker = DefaultResultChecker
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Processor{
		settings: settings,
		metrics:  metrics,
		log:      log,
		source:   source,
		backend:  backend,
		checker:  checker,
		workers:  make(map[int]*worker),
		hardStop: make(chan struct{}),
	}
	if breakerSettings.Enabled {
		p.breaker = newCircuitBreaker(breakerSettings, metrics)
		p.gate = p.breaker
	} else {
		p.gate = passthroughGate{}
	}
	return p
}

// Start spawns initialSize workers, clamped to [min, max].
func (p *Processor) Start(initialSize int) {
	target := clamp(initialSize, p.settings.MinPoolSize, p.settings.MaxPoolSize)
	p.Resize(target)
}

// Resize grows or shrinks the worker set toward target, clamped to
// [min, max]. Transient overshoot during a shrink is expected: the
// surplus workers are asked to retire but may still be finishing
// in-flight work when Resize returns.
func (p *Processor) Resize(target int) {
	target = clamp(target, p.settings.MinPoolSize, p.settings.MaxPoolSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutting {
		return
	}

	current := len(p.workers)
	if target == current {
		return
	}
	p.metrics.PoolResized(current, target)

	if target > current {
		for i := 0; i < target-current; i++ {
			p.spawnLocked()
		}
		return
	}

	// Shrink: retire the oldest surplus workers (lowest IDs first).
	surplus := current - target
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sortInts(ids)
	for i := 0; i < surplus && i < len(ids); i++ {
		w := p.workers[ids[i]]
		w.retire()
		delete(p.workers, ids[i])
		go p.reap(w)
	}
}

// spawnLocked starts one new worker. Caller must hold p.mu.
func (p *Processor) spawnLocked() {
	id := p.nextID
	p.nextID++
	w := newWorker(id, p.source, p.guardedBackend(), p.checker, p.gate, p.metrics, p.log, p.hardStop)
	p.workers[id] = w
	go p.runWorker(w)
}

// runWorker runs a worker with panic recovery: an invariant-violation
// panic is an unexpected internal fault (spec.md §4.3, "only
// unexpected internal faults ... may crash a worker, in which case
// the processor replaces it"); execution errors never reach here,
// they're delivered to reply_to by the worker itself.
func (p *Processor) runWorker(w *worker) {
	defer func() {
		// w.run's own defer already closed w.doneCh by the time a
		// panic reaches here, since defers unwind innermost-first.
		if r := recover(); r != nil {
			p.log.Error("worker crashed", "worker_id", w.id, "panic", r, "stack", string(debug.Stack()))
			p.replaceCrashed(w.id)
			return
		}
	}()
	w.run()
}

// replaceCrashed spawns a fresh worker in place of one that crashed,
// maintaining pool_size, unless the processor is shutting down.
func (p *Processor) replaceCrashed(crashedID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutting {
		return
	}
	if _, present := p.workers[crashedID]; !present {
		// Already removed by a concurrent Resize/shutdown; nothing to do.
		return
	}
	delete(p.workers, crashedID)
	p.spawnLocked()
}

// reap waits for a retired worker to finish draining; it exists so
// Resize doesn't block the caller while a surplus worker finishes its
// current in-flight attempt.
func (p *Processor) reap(w *worker) {
	w.wait()
}

// guardedBackend returns the Backend handed to each new worker. The
// breaker's allow()/recordSuccess()/recordFailure() methods are
// already invoked from worker.handle directly, so this is currently
// the identity wrapper; it exists as the seam other backend-level
// cross-cutting concerns (rate limiting, auth) would hook into.
func (p *Processor) guardedBackend() Backend {
	return p.backend
}

// Snapshot reports the current pool size, breaker state, and observed
// error rate (0 when no breaker is configured).
func (p *Processor) Snapshot() ProcessorStats {
	p.mu.Lock()
	size := len(p.workers)
	p.mu.Unlock()

	state := "disabled"
	var errorRate float64
	if p.breaker != nil {
		s, _ := p.breaker.snapshot()
		switch s {
		case breakerClosed:
			state = "closed"
		case breakerOpen:
			state = "open"
		case breakerHalfOpen:
			state = "half_open"
		}
		errorRate = p.breaker.errorRate()
	}
	return ProcessorStats{PoolSize: size, BreakerState: state, ErrorRate: errorRate}
}

// Shutdown stops accepting resizes, retires all workers, and waits
// for each to drain up to timeout. If timeout elapses first, it closes
// hardStop, which cancels every in-flight backend call (each such item
// is delivered to reply_to as KindAbandoned), and then waits for the
// workers to exit. Emits exactly one signal on reportBack when done.
//
// graceful=false skips the drain wait entirely (equivalent to
// timeout=0): every in-flight attempt is treated as abandoned
// immediately.
func (p *Processor) Shutdown(reportBack chan<- struct{}, timeout time.Duration, graceful bool) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutting = true
		workers := make([]*worker, 0, len(p.workers))
		for _, w := range p.workers {
			workers = append(workers, w)
		}
		p.workers = make(map[int]*worker)
		p.mu.Unlock()

		for _, w := range workers {
			w.retire()
		}

		if graceful && timeout > 0 {
			eg := new(errgroup.Group)
			for _, w := range workers {
				w := w
				eg.Go(func() error {
					w.wait()
					return nil
				})
			}
			waitDone := make(chan struct{})
			go func() {
				_ = eg.Wait()
				close(waitDone)
			}()
			select {
			case <-waitDone:
			case <-time.After(timeout):
				p.log.Warn("processor shutdown: drain timeout elapsed, hard-stopping remaining workers")
				close(p.hardStop)
				<-waitDone
			}
		} else {
			// Non-graceful, or a graceful call with no time budget at
			// all: treat every in-flight attempt as abandoned right away.
			close(p.hardStop)
		}
	})

	select {
	case reportBack <- struct{}{}:
	default:
	}
}

func clamp(v, min, max int) int {
	if max > 0 && v > max {
		v = max
	}
	if v < min {
		v = min
	}
	if v < 0 {
		v = 0
	}
	return v
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
