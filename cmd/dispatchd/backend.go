package main

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// simulatedBackend stands in for the external collaborator spec.md's
// Backend capability describes: a call that takes 100-500ms and fails
// about 20% of the time. Grounded on the teacher's simulateWork
// (cmd/queue/processor.go), generalized to respect ctx cancellation
// instead of an unconditional time.Sleep.
func simulatedBackend(ctx context.Context, payload any) (any, error) {
	d := time.Duration(100+rand.Intn(401)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rand.Intn(100) < 20 {
		return nil, errors.New("simulated failure")
	}
	return payload, nil
}
