// Package policy holds the retry and timeout rules shared by every call to an
// external collaborator.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrTimeout is returned when a call outlives its deadline. The call's result,
// if it ever arrives, is discarded.
var ErrTimeout = errors.New("call timed out")

// Policy describes how a call is attempted: how many times, how long each
// attempt may take, and how long to back off between attempts.
type Policy struct {
	Attempts  uint
	Timeout   time.Duration // per attempt; zero means no bound
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// Once is a single attempt bounded by timeout.
func Once(timeout time.Duration) Policy {
	return Policy{Attempts: 1, Timeout: timeout}
}

// Backoff is attempts tries with exponential backoff from base, capped at
// 30x base, with up to half of base as jitter.
func Backoff(attempts int, base, timeout time.Duration) Policy {
	if attempts < 1 {
		attempts = 1
	}
	return Policy{
		Attempts:  uint(attempts),
		Timeout:   timeout,
		BaseDelay: base,
		MaxDelay:  30 * base,
		MaxJitter: base / 2,
	}
}

// Permanent marks err so that Do stops retrying.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}

// Do runs fn until it succeeds, the attempts are used up, fn returns a
// Permanent error, or ctx is done. op names the call in log lines.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, p, logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for calls that return a value. Only the value of the attempt
// that succeeded within its deadline is returned.
func Call[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	var out T
	var last error
	err := retry.Do(
		func() error {
			v, err := WithTimeout(ctx, p.Timeout, fn)
			last = err
			if err == nil {
				out = v
			}
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(p.BaseDelay),
		retry.MaxDelay(p.maxDelay()),
		retry.MaxJitter(p.maxJitter()),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if logger != nil {
				logger.Warn("retrying after error", "op", op, "attempt", n+1, "error", err)
			}
		}),
	)
	if err == nil {
		return out, nil
	}
	var zero T
	if last != nil {
		return zero, last
	}
	return zero, err
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return time.Minute
}

func (p Policy) maxJitter() time.Duration {
	if p.MaxJitter > 0 {
		return p.MaxJitter
	}
	return time.Millisecond
}

// WithTimeout runs fn with a context that expires after d. It returns as soon
// as ctx is done, without waiting for fn; a result delivered after that point
// is dropped. A non-positive d only honors ctx.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, ctx.Err()
	}
}
