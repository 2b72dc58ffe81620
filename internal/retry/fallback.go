package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"launchpad/agent/internal/logger"
)

// ExhaustedError is returned once every endpoint has used its retry budget.
type ExhaustedError struct {
	Attempts  int
	Endpoints int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all endpoints failed after %d attempts across %d endpoints: %v", e.Attempts, e.Endpoints, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Fallback spreads an operation over an ordered endpoint list. Each endpoint
// gets Policy.MaxAttempts tries before the next one is used. The
// current-endpoint index is the only state shared between calls, so
// concurrent callers may see it advance under them.
type Fallback struct {
	endpoints []string
	policy    Policy
	current   atomic.Int64
}

func NewFallback(endpoints []string, perEndpoint Policy) (*Fallback, error) {
	clean := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			clean = append(clean, ep)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("fallback: at least one endpoint is required")
	}
	return &Fallback{endpoints: clean, policy: perEndpoint}, nil
}

func (f *Fallback) Endpoints() []string {
	out := make([]string, len(f.endpoints))
	copy(out, f.endpoints)
	return out
}

// Current returns the endpoint the next call starts on.
func (f *Fallback) Current() string {
	return f.endpoints[int(f.current.Load())%len(f.endpoints)]
}

// Execute runs op against the current endpoint, retrying retryable errors
// with backoff and moving to the next endpoint when the budget is spent.
// Non-retryable errors return immediately. At most
// len(endpoints)*MaxAttempts calls are made.
func Execute[T any](ctx context.Context, f *Fallback, op func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var zero T
	n := len(f.endpoints)
	perEndpoint := f.policy.attempts()
	start := int(f.current.Load()) % n
	attempts := 0
	var lastErr error

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		endpoint := f.endpoints[idx]
		for attempt := 0; attempt < perEndpoint; attempt++ {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			attempts++
			out, err := op(ctx, endpoint)
			if err == nil {
				f.current.Store(int64(idx))
				return out, nil
			}
			lastErr = err
			if !f.policy.retryable(err) {
				return zero, err
			}
			if attempt < perEndpoint-1 {
				delay := f.policy.Delay(attempt)
				logger.Debugf("[rpc] %s attempt %d/%d failed, retrying in %s: %v", endpoint, attempt+1, perEndpoint, delay, err)
				if err := f.policy.Wait(ctx, delay); err != nil {
					return zero, err
				}
			}
		}
		next := (idx + 1) % n
		f.current.Store(int64(next))
		if n > 1 {
			logger.Warnf("[rpc] endpoint %s exhausted %d attempts, switching to %s: %v", endpoint, perEndpoint, f.endpoints[next], lastErr)
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Endpoints: n, Last: lastErr}
}
