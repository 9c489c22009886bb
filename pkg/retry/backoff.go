// Package retry provides backoff schedules and a bounded retry helper.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines how to calculate the next retry time.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^attempt
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy `yaml:"-" json:"-"`

	// BaseInterval is the base interval for backoff calculation.
	// Default is 1 second.
	BaseInterval time.Duration `yaml:"base_interval" json:"base_interval"`

	// MaxInterval is the maximum interval between retries.
	// Default is 1 minute.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.5.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: time.Second,
		MaxInterval:  time.Minute,
		Jitter:       0.5,
	}
}

// Interval returns the wait before the given retry attempt (1-based).
func (c *BackoffConfig) Interval(attempts int) time.Duration {
	return c.calculateInterval(attempts)
}

// calculateInterval calculates the backoff interval for the given attempt.
func (c *BackoffConfig) calculateInterval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffExponential:
		// Exponential: base * 2^(attempts-1)
		// attempts 1 -> 1x, attempts 2 -> 2x, attempts 3 -> 4x, etc.
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)

	case BackoffLinear:
		// Linear: base * attempts
		interval = c.BaseInterval * time.Duration(attempts)

	case BackoffConstant:
		// Constant: always base
		interval = c.BaseInterval

	default:
		// Default to exponential
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	// Cap at max interval
	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	// Apply jitter
	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}

	return interval
}

// applyJitter adds randomness to the interval to prevent thundering herd.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	if c.Jitter <= 0 {
		return interval
	}

	// Clamp jitter to [0, 1]
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// Calculate jitter range: [1-jitter, 1+jitter]
	// For jitter=0.1, range is [0.9, 1.1]
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange // random in [-jitterRange, +jitterRange]

	return time.Duration(float64(interval) + jitterValue)
}

// RetrySchedule returns a slice of retry times for a given number of attempts.
// Useful for displaying or logging the expected retry schedule.
func (c *BackoffConfig) RetrySchedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}

	schedule := make([]time.Duration, maxAttempts)
	for i := 0; i < maxAttempts; i++ {
		// Don't apply jitter for schedule preview
		origJitter := c.Jitter
		c.Jitter = 0
		schedule[i] = c.calculateInterval(i + 1)
		c.Jitter = origJitter
	}
	return schedule
}

// TotalBackoffTime calculates the total time for all retry attempts.
// Useful for estimating how long before an item is marked as permanently failed.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	schedule := c.RetrySchedule(maxAttempts)
	var total time.Duration
	for _, d := range schedule {
		total += d
	}
	return total
}

// Do calls fn until it succeeds, returns an error retryable rejects, or
// maxRetries retries have been spent. Between attempts it waits according to
// cfg. The last error is returned; ctx cancellation during a wait returns
// ctx.Err().
func Do(ctx context.Context, cfg *BackoffConfig, maxRetries int, retryable func(error) bool, fn func(attempt int) error) error {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= maxRetries || retryable == nil || !retryable(err) {
			return err
		}

		timer := time.NewTimer(cfg.Interval(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
