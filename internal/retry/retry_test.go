package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond}
	err := Do(context.Background(), cfg, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, DefaultConfig(), func() error { return errors.New("never") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStatusRetryable(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.StatusRetryable(429) || !cfg.StatusRetryable(503) {
		t.Error("429/503 should be retryable by default")
	}
	if cfg.StatusRetryable(400) || cfg.StatusRetryable(200) {
		t.Error("400/200 should not be retryable")
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if d := cfg.Backoff(attempt); d > 2*time.Second {
			t.Fatalf("attempt %d backoff %v exceeds cap", attempt, d)
		}
	}
	if cfg.Backoff(1) != 250*time.Millisecond {
		t.Errorf("first backoff = %v, want 250ms", cfg.Backoff(1))
	}
}
