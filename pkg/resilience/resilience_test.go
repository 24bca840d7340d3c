package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	ctx := context.Background()
	if err := b.Call(ctx, fail); !errors.Is(err, boom) {
		t.Fatalf("first call: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after one failure = %v", got)
	}
	if err := b.Call(ctx, fail); !errors.Is(err, boom) {
		t.Fatalf("second call: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold = %v", got)
	}
	if err := b.Call(ctx, fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	ctx := context.Background()
	b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	clock = clock.Add(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatal("breaker should be half-open after timeout")
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	ctx := context.Background()
	b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	clock = clock.Add(time.Minute)

	b.Call(ctx, func(context.Context) error { return errors.New("still down") })
	if b.State() != StateOpen {
		t.Fatal("failed probe should reopen the breaker")
	}
}

func TestLimiterAllowSpendsBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 2})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	if !l.Allow() || !l.Allow() {
		t.Fatal("burst tokens should be available")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}

	clock = clock.Add(time.Second)
	if !l.Allow() {
		t.Fatal("a token should refill after one second")
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
