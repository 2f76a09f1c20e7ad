package dispatchpool

import (
	"sync"
	"time"
)

// breakerState mirrors spec.md §4.3's Closed/Open/HalfOpen states.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is the optional wrapper over dispatch described in
// spec.md §4.3. It is computed centrally inside the Processor (one
// instance shared by all workers of a pool) rather than per-worker,
// so the "at most one probe in HalfOpen" invariant is trivially true:
// only one goroutine at a time can observe allow() return probe=true,
// enforced by the mutex below rather than by message passing, since
// the breaker's state is simple enough that a lock is the clearer
// idiom here (unlike Queue/Processor, which model richer per-task
// state machines as actors).
//
// Grounded on other_examples/dskow-gateway-core__breaker.go's
// State enum and Allow/RecordSuccess/RecordFailure shape, and
// other_examples/szibis-metrics-governor__queued.go's atomic
// consecutive-failure counter.
type circuitBreaker struct {
	mu sync.Mutex

	settings CircuitBreakerSettings
	metrics  MetricsSink

	state        breakerState
	until        time.Time // valid while state == breakerOpen
	probeInFlight bool

	outcomes []bool // sliding window, true = success
}

func newCircuitBreaker(settings CircuitBreakerSettings, metrics MetricsSink) *circuitBreaker {
	if metrics == nil {
		metrics = NewNoopMetricsSink()
	}
	hl := settings.HistoryLength
	if hl <= 0 {
		hl = 20
	}
	return &circuitBreaker{
		settings: settings,
		metrics:  metrics,
		outcomes: make([]bool, 0, hl),
	}
}

// allow implements dispatchGate. When the breaker is disabled it
// always allows dispatch, matching spec.md §6 ("active only when its
// enabled flag is true").
func (b *circuitBreaker) allow() (proceed bool, probe bool) {
	if !b.settings.Enabled {
		return true, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true, false

	case breakerOpen:
		if time.Now().Before(b.until) {
			return false, false
		}
		b.state = breakerHalfOpen
		b.probeInFlight = false
		fallthrough

	case breakerHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	}
	return false, false
}

func (b *circuitBreaker) recordSuccess() {
	if !b.settings.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		b.state = breakerClosed
		b.outcomes = b.outcomes[:0]
		b.metrics.CircuitBreakerClosed()
		return
	}
	b.record(true)
}

func (b *circuitBreaker) recordFailure() {
	if !b.settings.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		b.open()
		return
	}
	b.record(false)
	if b.shouldTrip() {
		b.open()
	}
}

func (b *circuitBreaker) record(success bool) {
	hl := b.settings.HistoryLength
	if hl <= 0 {
		hl = 20
	}
	b.outcomes = append(b.outcomes, success)
	if len(b.outcomes) > hl {
		b.outcomes = b.outcomes[len(b.outcomes)-hl:]
	}
}

func (b *circuitBreaker) shouldTrip() bool {
	hl := b.settings.HistoryLength
	if hl <= 0 {
		hl = 20
	}
	if len(b.outcomes) < hl {
		return false
	}
	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.outcomes))
	return rate >= b.settings.ErrorRateThreshold
}

func (b *circuitBreaker) open() {
	b.state = breakerOpen
	cd := b.settings.CloseDuration
	if cd <= 0 {
		cd = 30 * time.Second
	}
	b.until = time.Now().Add(cd)
	b.metrics.CircuitBreakerOpened()
}

// errorRate reports the current sliding-window failure rate.
func (b *circuitBreaker) errorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.outcomes))
}

// snapshot reports the current state for observability.
func (b *circuitBreaker) snapshot() (state breakerState, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.until
}

// passthroughGate is used in place of a circuitBreaker when no
// breaker is configured, so Worker doesn't need a nil check.
type passthroughGate struct{}

func (passthroughGate) allow() (bool, bool) { return true, false }
func (passthroughGate) recordSuccess()      {}
func (passthroughGate) recordFailure()      {}
