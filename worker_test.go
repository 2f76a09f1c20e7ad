package dispatchpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProcessorCircuitBreakerTripsAndRecovers exercises the breaker
// end to end through a Processor: enough terminal failures trip it,
// and once the close duration elapses a successful probe closes it
// again.
func TestProcessorCircuitBreakerTripsAndRecovers(t *testing.T) {
	var shouldFail atomic.Bool
	shouldFail.Store(true)

	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		if shouldFail.Load() {
			return nil, errors.New("backend down")
		}
		return payload, nil
	})

	q := NewQueue(BackPressureSettings{}, nil)
	p := NewProcessor(
		WorkerPoolSettings{StartingPoolSize: 1, MinPoolSize: 1, MaxPoolSize: 1},
		CircuitBreakerSettings{Enabled: true, CloseDuration: 100 * time.Millisecond, ErrorRateThreshold: 0.5, HistoryLength: 2},
		q, backend, nil, nil, nil,
	)
	p.Start(1)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	// Two terminal (no-retry) failures trip the breaker (history=2,
	// threshold=0.5).
	for i := 0; i < 2; i++ {
		reply := newRecordingReplyTo()
		q.Enqueue(NewWorkItem(i, reply, 0, time.Second))
		select {
		case outcome := <-reply.received:
			assert.Equal(t, KindApplicationErr, outcome.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected a terminal application failure")
		}
	}

	require.Eventually(t, func() bool {
		return p.Snapshot().BreakerState == "open"
	}, time.Second, 10*time.Millisecond)

	shouldFail.Store(false)

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("probe", reply, 5, 3*time.Second))

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindSuccess, outcome.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the probe item to eventually succeed once the backend recovers")
	}

	assert.Equal(t, "closed", p.Snapshot().BreakerState)
}
