package engine

import (
	"context"
	"time"
)

// SleepFunc blocks for d or until ctx is done, whichever comes first, and
// returns ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
