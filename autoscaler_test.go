package dispatchpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeAutoscalerSource struct {
	mu    sync.Mutex
	stats QueueStats
}

func (f *fakeAutoscalerSource) Stats() QueueStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeAutoscalerSource) set(s QueueStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

type fakeAutoscalerTarget struct {
	mu        sync.Mutex
	poolSize  int
	breaker   string
	errorRate float64
	resizes   []int
}

func (f *fakeAutoscalerTarget) Resize(target int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, target)
	f.poolSize = target
}

func (f *fakeAutoscalerTarget) Snapshot() ProcessorStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ProcessorStats{PoolSize: f.poolSize, BreakerState: f.breaker, ErrorRate: f.errorRate}
}

func TestAutoscalerGrowsWhenBacklogPersists(t *testing.T) {
	source := &fakeAutoscalerSource{stats: QueueStats{Length: 10, Throughput: 1}}
	target := &fakeAutoscalerTarget{poolSize: 2}
	a := NewAutoscaler(AutoScalingSettings{Enabled: true, ErrorRateCeiling: 0.5, ShrinkHysteresis: 2}, source, target, nil)

	var idle int
	a.evaluate(source.Stats(), target.Snapshot(), &idle)
	assert.Equal(t, []int{3}, target.resizes)
}

func TestAutoscalerSuppressesGrowthAboveErrorCeiling(t *testing.T) {
	source := &fakeAutoscalerSource{stats: QueueStats{Length: 10, Throughput: 1}}
	target := &fakeAutoscalerTarget{poolSize: 2, errorRate: 0.9}
	a := NewAutoscaler(AutoScalingSettings{Enabled: true, ErrorRateCeiling: 0.5, ShrinkHysteresis: 2}, source, target, nil)

	var idle int
	a.evaluate(source.Stats(), target.Snapshot(), &idle)
	assert.Empty(t, target.resizes)
}

func TestAutoscalerShrinksAfterHysteresis(t *testing.T) {
	source := &fakeAutoscalerSource{stats: QueueStats{Length: 0}}
	target := &fakeAutoscalerTarget{poolSize: 4}
	a := NewAutoscaler(AutoScalingSettings{Enabled: true, ShrinkHysteresis: 2}, source, target, nil)

	var idle int
	a.evaluate(source.Stats(), target.Snapshot(), &idle)
	assert.Empty(t, target.resizes)
	assert.Equal(t, 1, idle)

	a.evaluate(source.Stats(), target.Snapshot(), &idle)
	assert.Equal(t, []int{3}, target.resizes)
	assert.Equal(t, 0, idle)
}

func TestAutoscalerDisabledDoesNothing(t *testing.T) {
	a := NewAutoscaler(AutoScalingSettings{Enabled: false}, nil, nil, nil)
	a.Start()
	select {
	case <-a.doneCh:
	case <-time.After(time.Second):
		t.Fatal("expected doneCh to close immediately when disabled")
	}
}
