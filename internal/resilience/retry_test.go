package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_AttemptAccounting(t *testing.T) {
	tests := []struct {
		name      string
		failUntil int // calls that fail before succeeding; -1 = always fail
		transient bool
		wantCalls int
		wantErr   bool
	}{
		{"first attempt succeeds", 0, true, 1, false},
		{"recovers on third attempt", 2, true, 3, false},
		{"transient failures exhaust budget", -1, true, 3, true},
		{"permanent failure stops immediately", -1, false, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), fastConfig(), func(_ context.Context) error {
				calls++
				if tt.failUntil >= 0 && calls > tt.failUntil {
					return nil
				}
				if tt.transient {
					return NewTransientError(errors.New("upstream hiccup"), 503)
				}
				return errors.New("listing markup changed")
			})

			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 50 * time.Millisecond,
	}
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 2 {
		t.Errorf("expected no attempts after cancel, got %d calls", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastConfig()
	cfg.ShouldRetry = func(err error) bool {
		return err.Error() == "retry me"
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_OnRetryObservesEachSleep(t *testing.T) {
	var attempts []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ error) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 502)
	})

	if len(attempts) != 2 {
		t.Fatalf("expected 2 OnRetry calls, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected attempts [1 2], got %v", attempts)
	}
}

func TestDoVal_PreservesValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastConfig(), func(_ context.Context) ([]string, error) {
		calls++
		if calls < 2 {
			return nil, NewTransientError(errors.New("fail"), 500)
		}
		return []string{"a", "b"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(val) != 2 {
		t.Errorf("expected recovered value, got %v", val)
	}
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2

	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestDoVal_PerAttemptDeadlineIsRetried(t *testing.T) {
	// An attempt that blows its own deadline is transient; only the parent
	// context ends the retry loop.
	var calls int
	_, err := DoVal(context.Background(), fastConfig(), func(_ context.Context) (struct{}, error) {
		calls++
		return struct{}{}, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts for deadline expiry, got %d", calls)
	}
}

func TestComputeBackoff_CapAndGrowth(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     350 * time.Millisecond,
		Multiplier:     2.0,
	}

	// No jitter configured, growth is exact until the cap bites.
	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}
	for attempt, want := range expected {
		if got := computeBackoff(attempt, cfg); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}

	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±25%% band", d)
		}
	}
}
