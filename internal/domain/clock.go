package domain

import (
	"context"
	"time"
)

// SystemClock is the production Clock backed by the runtime.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is cancelled.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
