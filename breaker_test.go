package dispatchpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerDisabledAlwaysAllows(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{Enabled: false}, nil)
	for i := 0; i < 10; i++ {
		b.recordFailure()
	}
	proceed, probe := b.allow()
	assert.True(t, proceed)
	assert.False(t, probe)
}

func TestCircuitBreakerTripsOnErrorRate(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{
		Enabled:            true,
		CloseDuration:      time.Hour,
		ErrorRateThreshold: 0.5,
		HistoryLength:      4,
	}, nil)

	for i := 0; i < 4; i++ {
		proceed, _ := b.allow()
		require.True(t, proceed)
		b.recordFailure()
	}

	proceed, probe := b.allow()
	assert.False(t, proceed)
	assert.False(t, probe)

	state, _ := b.snapshot()
	assert.Equal(t, breakerOpen, state)
}

func TestCircuitBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{
		Enabled:            true,
		CloseDuration:      10 * time.Millisecond,
		ErrorRateThreshold: 0.5,
		HistoryLength:      2,
	}, nil)

	b.allow()
	b.recordFailure()
	b.allow()
	b.recordFailure()

	state, _ := b.snapshot()
	require.Equal(t, breakerOpen, state)

	time.Sleep(15 * time.Millisecond)

	proceed1, probe1 := b.allow()
	require.True(t, proceed1)
	require.True(t, probe1)

	proceed2, probe2 := b.allow()
	assert.False(t, proceed2)
	assert.False(t, probe2)
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{
		Enabled:            true,
		CloseDuration:      10 * time.Millisecond,
		ErrorRateThreshold: 0.5,
		HistoryLength:      2,
	}, nil)

	b.allow()
	b.recordFailure()
	b.allow()
	b.recordFailure()
	time.Sleep(15 * time.Millisecond)

	proceed, probe := b.allow()
	require.True(t, proceed)
	require.True(t, probe)
	b.recordSuccess()

	state, _ := b.snapshot()
	assert.Equal(t, breakerClosed, state)

	proceed, _ = b.allow()
	assert.True(t, proceed)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{
		Enabled:            true,
		CloseDuration:      10 * time.Millisecond,
		ErrorRateThreshold: 0.5,
		HistoryLength:      2,
	}, nil)

	b.allow()
	b.recordFailure()
	b.allow()
	b.recordFailure()
	time.Sleep(15 * time.Millisecond)

	proceed, probe := b.allow()
	require.True(t, proceed)
	require.True(t, probe)
	b.recordFailure()

	state, _ := b.snapshot()
	assert.Equal(t, breakerOpen, state)
}

func TestCircuitBreakerErrorRate(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerSettings{Enabled: true, HistoryLength: 4}, nil)
	assert.Equal(t, 0.0, b.errorRate())

	b.recordSuccess()
	b.recordFailure()
	assert.Equal(t, 0.5, b.errorRate())
}
