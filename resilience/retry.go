package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one
	MaxRetries int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Jitter spreads each delay over roughly -10%..+20% of its base value
	Jitter bool

	// RetryableErrors reports whether err is worth another attempt
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a default configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except breaker rejections and
// context cancellation.
func DefaultRetryableErrors(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrCircuitBreakerTimeout):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RetryStats describes a RetryWithStats run.
type RetryStats struct {
	TotalAttempts   int
	SuccessfulCalls int
	TotalRetries    int
	AverageBackoff  time.Duration
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// retries are exhausted or ctx is done.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	_, err := RetryWithStats(ctx, config, fn)
	return err
}

// RetryWithStats behaves like Retry and also reports what happened.
func RetryWithStats(ctx context.Context, config RetryConfig, fn func() error) (RetryStats, error) {
	var stats RetryStats
	var totalBackoff time.Duration
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(stats, totalBackoff), err
		}
		stats.TotalAttempts++
		err := fn()
		if err == nil {
			stats.SuccessfulCalls++
			return finish(stats, totalBackoff), nil
		}
		if attempt >= config.MaxRetries || !retryable(err) {
			return finish(stats, totalBackoff), errors.Wrapf(err, "after %d attempt(s)", stats.TotalAttempts)
		}

		backoff := calculateBackoff(attempt, config)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(stats, totalBackoff), errors.WithSecondaryError(ctx.Err(), err)
		case <-timer.C:
		}
		stats.TotalRetries++
		totalBackoff += backoff
	}
}

func finish(stats RetryStats, total time.Duration) RetryStats {
	if stats.TotalRetries > 0 {
		stats.AverageBackoff = total / time.Duration(stats.TotalRetries)
	}
	return stats
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	mult := config.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(config.InitialBackoff) * math.Pow(mult, float64(attempt))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff *= 0.9 + rand.Float64()*0.3
	}
	return time.Duration(backoff)
}
