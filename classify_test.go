package dispatchpool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultResultCheckerSuccess(t *testing.T) {
	verdict := DefaultResultChecker.Classify(context.Background(), "ok", nil)
	assert.Equal(t, KindSuccess, verdict.Kind)
	assert.Equal(t, "ok", verdict.Reply)
}

func TestDefaultResultCheckerApplicationError(t *testing.T) {
	verdict := DefaultResultChecker.Classify(context.Background(), nil, errors.New("boom"))
	assert.Equal(t, KindApplicationErr, verdict.Kind)
	assert.True(t, verdict.Retryable)
}

func TestDefaultResultCheckerContextErrorIsUnrecognized(t *testing.T) {
	verdict := DefaultResultChecker.Classify(context.Background(), nil, context.DeadlineExceeded)
	assert.Equal(t, KindUnrecognized, verdict.Kind)

	verdict = DefaultResultChecker.Classify(context.Background(), nil, context.Canceled)
	assert.Equal(t, KindUnrecognized, verdict.Kind)
}
