package dispatchpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullQueueDispatchesUntilExhausted(t *testing.T) {
	values := []int{1, 2, 3}
	idx := 0
	source := SourceFunc(func() (any, bool) {
		if idx >= len(values) {
			return nil, false
		}
		v := values[idx]
		idx++
		return v, true
	})

	q := NewPullQueue(source, nil, 0, time.Second, nil)
	defer q.Shutdown(0)

	for i := 0; i < 3; i++ {
		item, ok := q.DispatchNext()
		require.True(t, ok)
		assert.Equal(t, values[i], item.Payload)
	}

	_, ok := q.DispatchNext()
	assert.False(t, ok)
}

func TestPullQueueCompletedClosesExactlyOnceOnExhaustion(t *testing.T) {
	source := SourceFunc(func() (any, bool) { return nil, false })
	q := NewPullQueue(source, nil, 0, time.Second, nil)
	defer q.Shutdown(0)

	q.DispatchNext()

	select {
	case <-q.Completed():
	case <-time.After(time.Second):
		t.Fatal("expected Completed to close once source is exhausted")
	}

	// Must stay closed, not panic, on repeated observation.
	<-q.Completed()
}

func TestPullQueueEnqueueAlwaysRejected(t *testing.T) {
	q := NewPullQueue(SourceFunc(func() (any, bool) { return nil, false }), nil, 0, time.Second, nil)
	defer q.Shutdown(0)

	outcome := q.Enqueue(NewWorkItem(1, nil, 0, time.Second))
	assert.False(t, outcome.Accepted)
}

func TestPullQueueStatsTracksDispatchedTotal(t *testing.T) {
	values := []int{1, 2}
	idx := 0
	source := SourceFunc(func() (any, bool) {
		if idx >= len(values) {
			return nil, false
		}
		v := values[idx]
		idx++
		return v, true
	})
	q := NewPullQueue(source, nil, 0, time.Second, nil)
	defer q.Shutdown(0)

	q.DispatchNext()
	q.DispatchNext()

	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.DispatchedTotal)
}
