package dispatchpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, backend Backend, workers int) (*Queue, *Processor) {
	t.Helper()
	q := NewQueue(BackPressureSettings{}, nil)
	p := NewProcessor(WorkerPoolSettings{StartingPoolSize: workers, MinPoolSize: 1, MaxPoolSize: 8}, CircuitBreakerSettings{}, q, backend, nil, nil, nil)
	p.Start(workers)
	return q, p
}

func TestProcessorDeliversSuccess(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	})
	q, p := newTestProcessor(t, backend, 2)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("hello", reply, 0, time.Second))

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindSuccess, outcome.Kind)
		assert.Equal(t, "hello", outcome.Reply)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a success outcome")
	}
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return payload, nil
	})
	q, p := newTestProcessor(t, backend, 1)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("x", reply, 5, time.Second))

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindSuccess, outcome.Kind)
		assert.GreaterOrEqual(t, int32(3), int32(0))
		assert.Equal(t, int32(3), attempts.Load())
	case <-time.After(3 * time.Second):
		t.Fatal("expected eventual success after retries")
	}
}

func TestProcessorGivesUpAfterRetryBudget(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		return nil, errors.New("always fails")
	})
	q, p := newTestProcessor(t, backend, 1)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("x", reply, 1, time.Second))

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindApplicationErr, outcome.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("expected terminal application failure")
	}
}

func TestProcessorResizeGrowsAndShrinks(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) { return payload, nil })
	_, p := newTestProcessor(t, backend, 1)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	p.Resize(4)
	require.Eventually(t, func() bool { return p.Snapshot().PoolSize == 4 }, time.Second, 10*time.Millisecond)

	p.Resize(2)
	require.Eventually(t, func() bool { return p.Snapshot().PoolSize == 2 }, time.Second, 10*time.Millisecond)
}

func TestProcessorResizeClampsToBounds(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) { return payload, nil })
	q := NewQueue(BackPressureSettings{}, nil)
	p := NewProcessor(WorkerPoolSettings{StartingPoolSize: 1, MinPoolSize: 1, MaxPoolSize: 3}, CircuitBreakerSettings{}, q, backend, nil, nil, nil)
	p.Start(1)
	defer func() {
		done := make(chan struct{}, 1)
		p.Shutdown(done, time.Second, true)
	}()

	p.Resize(100)
	assert.Equal(t, 3, p.Snapshot().PoolSize)

	p.Resize(0)
	assert.Equal(t, 1, p.Snapshot().PoolSize)
}

func TestProcessorGracefulShutdownDrainsInFlightWork(t *testing.T) {
	release := make(chan struct{})
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return payload, nil
	})
	q, p := newTestProcessor(t, backend, 1)

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("slow", reply, 0, 5*time.Second))

	// Give the worker a moment to pick the item up before shutdown starts.
	time.Sleep(50 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(release)
	}()

	done := make(chan struct{}, 1)
	go p.Shutdown(done, time.Second, true)

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindSuccess, outcome.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the in-flight item to finish during graceful drain")
	}
	wg.Wait()
	<-done
}

func TestProcessorHardStopAbandonsInFlightWork(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q, p := newTestProcessor(t, backend, 1)

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("stuck", reply, 0, 5*time.Second))
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{}, 1)
	p.Shutdown(done, 100*time.Millisecond, true)

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindAbandoned, outcome.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stuck item to be abandoned on hard-stop")
	}
	<-done
}

func TestProcessorNonGracefulShutdownAbandonsImmediately(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, payload any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q, p := newTestProcessor(t, backend, 1)

	reply := newRecordingReplyTo()
	q.Enqueue(NewWorkItem("stuck", reply, 0, 5*time.Second))
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{}, 1)
	p.Shutdown(done, 0, false)

	select {
	case outcome := <-reply.received:
		assert.Equal(t, KindAbandoned, outcome.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected immediate abandonment on non-graceful shutdown")
	}
	<-done
}
