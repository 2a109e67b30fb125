package policy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithTimeoutReturnsResult(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %q (%v)", v, err)
	}
}

func TestWithTimeoutDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	start := time.Now()
	v, err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (string, error) {
		<-release // ignores ctx on purpose
		return "late", nil
	})
	close(release)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if v != "" {
		t.Errorf("late result must be discarded, got %q", v)
	}
	if time.Since(start) > time.Second {
		t.Error("WithTimeout waited for the call to finish")
	}
}

func TestWithTimeoutParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDoReturnsLastError(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls.Add(1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Attempts: 5, BaseDelay: time.Millisecond}
	_ = p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("bad request"))
	})
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDoBoundsEachAttempt(t *testing.T) {
	p := Once(10 * time.Millisecond)
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestBackoffClampsAttempts(t *testing.T) {
	p := Backoff(0, time.Second, 0)
	if p.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", p.Attempts)
	}
	p = Backoff(3, 2*time.Second, 0)
	if p.MaxDelay != time.Minute || p.MaxJitter != time.Second {
		t.Errorf("unexpected backoff bounds: %+v", p)
	}
}

func TestCallReturnsValue(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond}
	v, err := Call(context.Background(), p, nil, "test", func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("first fails")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d (%v)", v, err)
	}
}
