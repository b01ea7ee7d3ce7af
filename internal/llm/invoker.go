package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy bounds the retry loop around a model call.
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	JitterMax   time.Duration
}

// DefaultRetryPolicy matches the production tunables.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   800 * time.Millisecond,
		JitterMax:   600 * time.Millisecond,
	}
}

// Backoff is the deterministic part of the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	d := float64(p.BaseDelay) * exp
	if d > float64(math.MaxInt64/2) {
		return time.Duration(math.MaxInt64 / 2)
	}
	return time.Duration(d)
}

// Delay is Backoff plus uniform jitter in [0, JitterMax).
func (p RetryPolicy) Delay(attempt uint) time.Duration {
	d := p.Backoff(attempt)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int64N(int64(p.JitterMax)))
	}
	return d
}

// ExhaustedError is returned once every attempt has failed with a retryable error.
type ExhaustedError struct {
	Call     string
	Attempts uint
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("model call %q failed after %d attempts: %v", e.Call, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Invoker runs Generator calls with classified retries.
type Invoker struct {
	gen    Generator
	policy RetryPolicy
}

// NewInvoker wraps gen. A zero MaxAttempts is treated as a single attempt.
func NewInvoker(gen Generator, policy RetryPolicy) *Invoker {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Invoker{gen: gen, policy: policy}
}

// Policy returns the retry policy in use.
func (i *Invoker) Policy() RetryPolicy { return i.policy }

// Invoke performs req, retrying network, throttling and unclassified failures.
// Fatal service errors are returned immediately.
func (i *Invoker) Invoke(ctx context.Context, req Request) (string, error) {
	var (
		attempt uint
		lastErr error
	)
	logCtx := slog.With("call", req.Name)

	text, err := retry.DoWithData(
		func() (string, error) {
			attempt++
			out, err := i.gen.Generate(ctx, req)
			if err != nil {
				lastErr = err
				return "", err
			}
			return out, nil
		},
		retry.Context(ctx),
		retry.Attempts(i.policy.MaxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return Classify(err).Retryable() }),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return i.policy.Delay(attempt)
		}),
		retry.OnRetry(func(_ uint, err error) {
			if attempt < i.policy.MaxAttempts && Classify(err).Retryable() {
				logCtx.Warn("Model call failed, will retry.", "attempt", attempt, "maxAttempts", i.policy.MaxAttempts, "class", Classify(err).String(), "error", err)
			}
		}),
	)
	if err == nil {
		return text, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("model call %q cancelled after %d attempts: %w", req.Name, attempt, errors.Join(ctxErr, lastErr))
	}
	if lastErr == nil {
		lastErr = err
	}
	if class := Classify(lastErr); !class.Retryable() {
		logCtx.Error("Model call failed with a non-retryable error.", "attempt", attempt, "error", lastErr)
		return "", fmt.Errorf("model call %q failed: %w", req.Name, lastErr)
	}
	logCtx.Error("Model call failed after all retries.", "attempts", attempt, "error", lastErr)
	return "", &ExhaustedError{Call: req.Name, Attempts: attempt, Last: lastErr}
}
