package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffConfig_Interval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = time.Hour
	cfg.Jitter = 0 // Disable jitter for predictable tests

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tt := range tests {
		if interval := cfg.Interval(tt.attempts); interval != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempts, tt.expected, interval)
		}
	}
}

func TestBackoffConfig_Strategies(t *testing.T) {
	cfg := &BackoffConfig{Strategy: BackoffLinear, BaseInterval: time.Second}
	if got := cfg.Interval(3); got != 3*time.Second {
		t.Errorf("linear: expected 3s, got %v", got)
	}
	cfg.Strategy = BackoffConstant
	if got := cfg.Interval(3); got != time.Second {
		t.Errorf("constant: expected 1s, got %v", got)
	}
}

func TestBackoffConfig_MaxInterval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = 10 * time.Second
	cfg.Jitter = 0

	if interval := cfg.Interval(10); interval != 10*time.Second {
		t.Errorf("Expected max interval 10s, got %v", interval)
	}
}

func TestBackoffConfig_JitterBounds(t *testing.T) {
	cfg := &BackoffConfig{BaseInterval: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := cfg.Interval(1)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("interval %v outside jitter range", got)
		}
	}
}

func TestBackoffConfig_RetrySchedule(t *testing.T) {
	cfg := &BackoffConfig{BaseInterval: time.Second, Jitter: 0.5}
	schedule := cfg.RetrySchedule(4)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if schedule[i] != want[i] {
			t.Errorf("schedule[%d] = %v, want %v", i, schedule[i], want[i])
		}
	}
	if cfg.TotalBackoffTime(4) != 15*time.Second {
		t.Errorf("unexpected total %v", cfg.TotalBackoffTime(4))
	}
	if cfg.Jitter != 0.5 {
		t.Error("RetrySchedule must restore jitter")
	}
}

var errTransient = errors.New("transient")

func fastConfig() *BackoffConfig {
	return &BackoffConfig{BaseInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	isTransient := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), 4, isTransient, func(int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("expected success after 3 calls, got %d calls, err %v", calls, err)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), 4, isTransient, func(int) error {
			calls++
			return errTransient
		})
		if !errors.Is(err, errTransient) {
			t.Errorf("expected last error, got %v", err)
		}
		if calls != 5 {
			t.Errorf("expected 1 call + 4 retries, got %d", calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		permanent := errors.New("permanent")
		calls := 0
		err := Do(context.Background(), fastConfig(), 4, isTransient, func(int) error {
			calls++
			return permanent
		})
		if err != permanent || calls != 1 {
			t.Errorf("expected one call with permanent error, got %d calls, err %v", calls, err)
		}
	})

	t.Run("context cancellation stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, &BackoffConfig{BaseInterval: time.Hour}, 4, isTransient, func(int) error {
			return errTransient
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
