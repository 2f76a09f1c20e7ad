package dispatchpool

import "context"

// Classification is the result-checker's verdict on one backend
// attempt, before the Worker attaches duration/attempt bookkeeping.
type Classification struct {
	Kind      WorkOutcomeKind // one of KindSuccess, KindApplicationErr, KindUnrecognized
	Reply     any
	Reason    string
	Retryable bool
}

// ResultChecker classifies a raw backend reply (or error) into
// Success, ApplicationFailure, or Unrecognized. Unrecognized is
// always terminal for the attempt: the Worker never retries it,
// regardless of the classifier's Retryable field (spec open question
// (a): resolved as non-retryable).
type ResultChecker interface {
	Classify(ctx context.Context, reply any, err error) Classification
}

// ResultCheckerFunc adapts a plain function to ResultChecker.
type ResultCheckerFunc func(ctx context.Context, reply any, err error) Classification

// Classify implements ResultChecker.
func (f ResultCheckerFunc) Classify(ctx context.Context, reply any, err error) Classification {
	return f(ctx, reply, err)
}

// DefaultResultChecker treats a nil error as Success, a context
// deadline/cancellation as Unrecognized (the Worker checks its own
// attempt context before classifying and handles that expiry as a
// timeout, so this path is only hit when the backend returns a context
// error while the attempt's context is still live), and any other
// error as a retryable ApplicationFailure.
// It is a reasonable default for backends that don't distinguish
// application-level failure reasons; real deployments are expected to
// supply their own ResultChecker grounded in their backend's error
// taxonomy.
var DefaultResultChecker ResultChecker = ResultCheckerFunc(func(ctx context.Context, reply any, err error) Classification {
	if err == nil {
		return Classification{Kind: KindSuccess, Reply: reply}
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return Classification{Kind: KindUnrecognized, Reason: "backend context error: " + err.Error()}
	}
	return Classification{Kind: KindApplicationErr, Reason: err.Error(), Retryable: true}
})
