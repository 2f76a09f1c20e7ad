package dispatchpool

import "context"

// Backend is the external collaborator that actually performs work.
// It is the only point where the engine talks to whatever transport
// backs the worker pool (an RPC client, an in-process function, a
// queueing system of its own); the engine neither knows nor cares.
//
// Request must respect ctx: once ctx's deadline elapses, the caller
// considers the attempt timed out and Request should return promptly
// with ctx.Err() if it cannot produce a reply by then.
type Backend interface {
	Request(ctx context.Context, payload any) (reply any, err error)
}

// BackendFunc adapts a plain function to Backend.
type BackendFunc func(ctx context.Context, payload any) (any, error)

// Request implements Backend.
func (f BackendFunc) Request(ctx context.Context, payload any) (any, error) {
	return f(ctx, payload)
}
