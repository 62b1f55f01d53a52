package recovery

import (
	"context"
	"math"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
)

// Delay returns base * multiplier^(attempt-1), capped at max.
// Attempts start at 1; anything lower is treated as 1.
func Delay(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) || math.IsInf(delay, 1) || math.IsNaN(delay) {
		return max
	}
	return time.Duration(math.Round(delay))
}

// Backoff binds Delay to a recovery config.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// BackoffFromConfig returns the backoff described by cfg.
func BackoffFromConfig(cfg domain.RecoveryConfig) Backoff {
	return Backoff{
		Base:       cfg.BaseRetryDelay,
		Max:        cfg.MaxRetryDelay,
		Multiplier: cfg.BackoffMultiplier,
	}
}

// Delay calculates the wait before the next attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	return Delay(attempt, b.Base, b.Max, b.Multiplier)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Wait is the default Sleeper.
func Wait(ctx context.Context, d time.Duration) error {
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
