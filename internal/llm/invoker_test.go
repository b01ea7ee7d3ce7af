package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/llm"
	"github.com/Lllllllleong/medbillflow/internal/testutil"
)

func fastPolicy(attempts uint) llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

var throttled = &llm.ServiceError{Status: 429, Code: "ThrottlingException", Err: errors.New("slow down")}

func TestInvokeRetriesThrottlingThenSucceeds(t *testing.T) {
	model := testutil.NewScriptedModel().On("extraction", testutil.Sequence(
		testutil.Fail(throttled),
		testutil.Fail(throttled),
		testutil.Text(`{"ok":true}`),
	))

	out, err := llm.NewInvoker(model, fastPolicy(8)).Invoke(context.Background(), llm.Request{Name: "extraction"})

	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Len(t, model.Calls("extraction"), 3)
}

func TestInvokeStopsOnFatalError(t *testing.T) {
	fatal := &llm.ServiceError{Status: 400, Code: "ValidationException", Err: errors.New("bad input")}
	model := testutil.NewScriptedModel().On("compare", testutil.Fail(fatal))

	_, err := llm.NewInvoker(model, fastPolicy(8)).Invoke(context.Background(), llm.Request{Name: "compare"})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	var exhausted *llm.ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Len(t, model.Calls("compare"), 1)
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	model := testutil.NewScriptedModel().On("reconcile", testutil.Fail(throttled))

	_, err := llm.NewInvoker(model, fastPolicy(3)).Invoke(context.Background(), llm.Request{Name: "reconcile"})

	var exhausted *llm.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, uint(3), exhausted.Attempts)
	assert.Equal(t, "reconcile", exhausted.Call)
	assert.ErrorIs(t, err, throttled)
	assert.Len(t, model.Calls("reconcile"), 3)
}

func TestInvokeRetriesUnknownErrors(t *testing.T) {
	model := testutil.NewScriptedModel().On("extraction", testutil.Sequence(
		testutil.Fail(errors.New("something odd")),
		testutil.Text("done"),
	))

	out, err := llm.NewInvoker(model, fastPolicy(4)).Invoke(context.Background(), llm.Request{Name: "extraction"})

	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestInvokeZeroAttemptsMeansOne(t *testing.T) {
	model := testutil.NewScriptedModel().On("x", testutil.Fail(throttled))

	inv := llm.NewInvoker(model, llm.RetryPolicy{})
	_, err := inv.Invoke(context.Background(), llm.Request{Name: "x"})

	require.Error(t, err)
	assert.Equal(t, uint(1), inv.Policy().MaxAttempts)
	assert.Len(t, model.Calls("x"), 1)
}

func TestInvokeHonoursCancelledContext(t *testing.T) {
	model := testutil.NewScriptedModel().On("x", testutil.Fail(throttled))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := llm.NewInvoker(model, llm.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}).Invoke(ctx, llm.Request{Name: "x"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffGrowsAndJitterIsBounded(t *testing.T) {
	p := llm.DefaultRetryPolicy()

	assert.Equal(t, 800*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 1600*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 3200*time.Millisecond, p.Backoff(3))
	for attempt := uint(1); attempt < p.MaxAttempts; attempt++ {
		assert.Greater(t, p.Backoff(attempt+1), p.Backoff(attempt))
	}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, p.Backoff(2))
		assert.Less(t, d, p.Backoff(2)+p.JitterMax)
	}
}
