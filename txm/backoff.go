package txm

import (
	"context"
	"time"
)

// BackoffPolicy controls retry pacing in the submission engine. The delay
// grows linearly: attempt k sleeps (k+1) * BaseDelay.
type BackoffPolicy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt+1) * p.BaseDelay
}

// Sleeper abstracts retry sleeps so tests run without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
