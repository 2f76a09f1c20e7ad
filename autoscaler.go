package dispatchpool

import (
	"log/slog"
	"time"
)

// autoscalerSource is the read-only view an Autoscaler samples. Both
// Queue and PullQueue provide Stats(); Processor provides Snapshot().
// The Autoscaler holds only these two interface links, never owning
// either component (spec.md §3 ownership rules).
type autoscalerSource interface {
	Stats() QueueStats
}

// autoscalerTarget is the resize surface an Autoscaler drives.
type autoscalerTarget interface {
	Resize(target int)
	Snapshot() ProcessorStats
}

// Autoscaler periodically samples queue/processor state and issues
// fire-and-forget resize commands (spec.md §4.4). It never blocks on
// the Processor and terminates as soon as it observes shutdown.
//
// Grounded on other_examples/thc1006-nephoran-intent-operator__
// adaptive_worker_pool.go's threshold-based scale up/down fields, and
// the teacher's own polling idiom (cmd/queue/server.go's
// `for s.pool.IsRunning() { sleep }` loop in workerLoop).
type Autoscaler struct {
	settings AutoScalingSettings
	queue    autoscalerSource
	proc     autoscalerTarget
	log      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	history []sample
}

type sample struct {
	queueLength int
	throughput  float64
	poolSize    int
}

// NewAutoscaler constructs an Autoscaler. It does nothing until Start
// is called.
func NewAutoscaler(settings AutoScalingSettings, queue autoscalerSource, proc autoscalerTarget, log *slog.Logger) *Autoscaler {
	if log == nil {
		log = slog.Default()
	}
	return &Autoscaler{
		settings: settings,
		queue:    queue,
		proc:     proc,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop in a new goroutine. No-op if
// settings.Enabled is false.
func (a *Autoscaler) Start() {
	if !a.settings.Enabled {
		close(a.doneCh)
		return
	}
	go a.run()
}

// Stop asks the sampling loop to terminate and waits for it to do so.
func (a *Autoscaler) Stop() {
	select {
	case <-a.doneCh:
		return
	default:
	}
	close(a.stopCh)
	<-a.doneCh
}

func (a *Autoscaler) run() {
	defer close(a.doneCh)

	period := a.settings.SamplerPeriod
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var consecutiveIdle int

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			qs := a.queue.Stats()
			ps := a.proc.Snapshot()
			a.recordSample(sample{queueLength: qs.Length, throughput: qs.Throughput, poolSize: ps.PoolSize})

			a.evaluate(qs, ps, &consecutiveIdle)
		}
	}
}

func (a *Autoscaler) recordSample(s sample) {
	a.history = append(a.history, s)
	if len(a.history) > 8 {
		a.history = a.history[len(a.history)-8:]
	}
}

// evaluate applies the growth/shrink policy from spec.md §4.4 to the
// latest sample, using a.history for the "throughput has flattened or
// declined" check and consecutiveIdle for the shrink hysteresis.
func (a *Autoscaler) evaluate(qs QueueStats, ps ProcessorStats, consecutiveIdle *int) {
	errorRateTooHigh := a.settings.ErrorRateCeiling > 0 && ps.ErrorRate >= a.settings.ErrorRateCeiling

	if qs.Length > 0 {
		*consecutiveIdle = 0
		if a.throughputFlattenedOrDeclined() && !errorRateTooHigh {
			a.proc.Resize(ps.PoolSize + 1)
			a.log.Debug("autoscaler: grow", "queue_length", qs.Length, "pool_size", ps.PoolSize)
		}
		return
	}

	*consecutiveIdle++
	hysteresis := a.settings.ShrinkHysteresis
	if hysteresis <= 0 {
		hysteresis = 2
	}
	if *consecutiveIdle >= hysteresis {
		a.proc.Resize(ps.PoolSize - 1)
		a.log.Debug("autoscaler: shrink", "pool_size", ps.PoolSize)
		*consecutiveIdle = 0
	}
}

// throughputFlattenedOrDeclined reports whether the most recent
// sample's throughput is no greater than the one before it. With
// fewer than two samples, growth is assumed warranted (a backlog with
// no history yet to contradict it).
func (a *Autoscaler) throughputFlattenedOrDeclined() bool {
	if len(a.history) < 2 {
		return true
	}
	last := a.history[len(a.history)-1]
	prev := a.history[len(a.history)-2]
	return last.throughput <= prev.throughput
}
