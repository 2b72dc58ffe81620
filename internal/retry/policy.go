package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
)

// ErrTransient marks an error as safe to retry regardless of its text.
var ErrTransient = errors.New("transient")

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() []error {
	return []error{e.err, ErrTransient}
}

// Policy is the retry/backoff configuration shared by every call site that
// retries: balance reads, RPC fallback, rate-limited API calls, model calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay (0.2 = ±20%).
	Jitter    float64
	Retryable func(error) bool
	// Sleep defaults to a context-aware timer; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is 3 attempts, 1s base, 30s cap, ±20% jitter, transient errors only.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		Retryable:   IsTransient,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}

// Delay returns the wait before retry number attempt (0-based):
// min(BaseDelay*2^attempt, MaxDelay) with jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.BaseDelay
	}
	b := &backoff.Backoff{Min: p.BaseDelay, Max: maxDelay, Factor: 2}
	d := b.ForAttempt(float64(attempt))
	if p.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Wait blocks for d or until ctx is done.
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := p.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !p.retryable(err) || attempt == attempts-1 {
			break
		}
		if err := p.Wait(ctx, p.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// IsTransient reports whether err looks like a network failure or a rate
// limit. Cancellation of the caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return IsRateLimit(err) || isNetworkMessage(err.Error())
}

// IsRateLimit matches the usual rate-limit wording of RPC providers and APIs.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		statusTooMany.MatchString(msg)
}

// Whole-token matches only: hex payloads and revert data routinely contain
// "429" or "eof" as substrings.
var (
	statusTooMany = regexp.MustCompile(`\b429\b`)
	eofWord       = regexp.MustCompile(`\beof\b`)
)

func isNetworkMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"no such host", "network is unreachable", "broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return eofWord.MatchString(msg)
}
