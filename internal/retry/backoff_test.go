package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{-1, 100 * time.Millisecond},
		{10, MaxDelay},
		{64, MaxDelay},
	}

	for _, tt := range tests {
		result := ExponentialBackoff(tt.attempt, base)
		if result != tt.expected {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, result, tt.expected)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 5, time.Second, func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	tooBig := errors.New("too big")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return Permanent(tooBig)
	})
	if err != tooBig {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
