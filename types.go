// Package dispatchpool implements a work-dispatch runtime: a bounded
// queue with backpressure, a worker-pool processor with optional
// circuit breaker, an autoscaler, and a dispatcher front-end that
// wires producers to the queue in either push or pull mode.
package dispatchpool

import (
	"time"

	"github.com/google/uuid"
)

// ReplyTo is an addressable recipient for a WorkItem's eventual
// outcome. Implementations are supplied by the caller; the engine
// never inspects the concrete type.
type ReplyTo interface {
	// Deliver receives the final WorkOutcome for the item that named
	// this ReplyTo. Deliver must not block for long: it runs on the
	// goroutine that produced the outcome (a worker, or the queue's own
	// loop for items dropped as expired or abandoned at shutdown).
	Deliver(outcome WorkOutcome)
}

// ReplyFunc adapts a plain function to ReplyTo.
type ReplyFunc func(WorkOutcome)

// Deliver implements ReplyTo.
func (f ReplyFunc) Deliver(outcome WorkOutcome) { f(outcome) }

// WorkItem is an opaque unit of work submitted to the engine.
type WorkItem struct {
	ID string

	// Payload is opaque to the engine; it is handed to the Backend
	// verbatim.
	Payload any

	// ReplyTo receives the item's final outcome. May be nil, in
	// which case outcomes are simply discarded.
	ReplyTo ReplyTo

	// RetryBudget is the number of retries permitted beyond the
	// first attempt. It is never modified; each retry is counted in
	// Attempt, which is compared against it.
	RetryBudget int

	// Timeout is the per-attempt backend deadline. The overall item
	// deadline is Deadline, computed once when the item is built.
	Timeout time.Duration

	// Deadline is fixed by NewWorkItem (creation time + Timeout) and
	// never extended; no attempt, including retries, may run past it.
	Deadline time.Time

	// Attempt is the 1-based ordinal of the current/next backend
	// call. It starts at 0 before the first dispatch.
	Attempt int

	// SubmissionSeq is a monotonically increasing sequence number
	// taken from one counter per Dispatcher (push mode, at submit) or
	// per PullQueue (pull mode, when the item is pulled). Since it
	// increases across all submitters, it also increases within each
	// submitter's own items, letting tests assert
	// per-submitter FIFO ordering without relying on any cross-
	// recipient global order (spec: outcomes to different reply_to
	// recipients have no ordering guarantee).
	SubmissionSeq uint64
}

// NewWorkItem builds a WorkItem with a generated ID, a zero Attempt,
// and a Deadline computed from now+timeout.
func NewWorkItem(payload any, replyTo ReplyTo, retryBudget int, timeout time.Duration) WorkItem {
	return WorkItem{
		ID:          uuid.NewString(),
		Payload:     payload,
		ReplyTo:     replyTo,
		RetryBudget: retryBudget,
		Timeout:     timeout,
		Deadline:    time.Now().Add(timeout),
	}
}

// Expired reports whether the item's deadline has already elapsed.
func (w WorkItem) Expired() bool {
	return !w.Deadline.IsZero() && time.Now().After(w.Deadline)
}

// RejectReason enumerates why an enqueue was rejected.
type RejectReason string

const (
	ReasonOverCapacity  RejectReason = "over_capacity"
	ReasonExpired       RejectReason = "expired"
	ReasonShuttingDown  RejectReason = "shutting_down"
)

// EnqueueOutcome is the synchronous (or near-synchronous) result of
// an attempt to enqueue a WorkItem.
type EnqueueOutcome struct {
	Accepted bool
	Reason   RejectReason // valid only when !Accepted
}

// Enqueued is the accepted EnqueueOutcome.
var Enqueued = EnqueueOutcome{Accepted: true}

// Rejected builds a rejection EnqueueOutcome for the given reason.
func Rejected(reason RejectReason) EnqueueOutcome {
	return EnqueueOutcome{Accepted: false, Reason: reason}
}

// WorkOutcomeKind enumerates the terminal (or retryable) classification
// of one backend attempt as delivered to reply_to.
type WorkOutcomeKind string

const (
	KindSuccess        WorkOutcomeKind = "success"
	KindApplicationErr WorkOutcomeKind = "application_failure"
	KindUnrecognized   WorkOutcomeKind = "unrecognized"
	KindTimeout        WorkOutcomeKind = "timeout"
	KindAbandoned      WorkOutcomeKind = "abandoned"
)

// WorkOutcome is the result delivered to a WorkItem's ReplyTo.
type WorkOutcome struct {
	Kind WorkOutcomeKind

	// Reply holds the backend's raw reply when Kind == KindSuccess.
	Reply any

	// Reason is a human-readable description for non-success kinds
	// (e.g. "unrecognized reply", "deadline exceeded", "shutdown
	// abandoned in-flight work").
	Reason string

	// Retryable reflects the classifier's judgement for
	// KindApplicationErr; it is meaningless for other kinds.
	Retryable bool

	// Duration is the wall time spent on the attempt that produced
	// this outcome.
	Duration time.Duration

	// WorkID echoes WorkItem.ID for correlation in logs/metrics.
	WorkID string
}
