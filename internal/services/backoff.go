package services

import (
	"context"
	"time"
)

// Backoff computes capped exponential delays: Base, 2*Base, 4*Base, ...
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Sleep waits for d or until ctx is done. nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 30 {
		shift = 30
	}
	d := b.Base << uint(shift)
	if b.Cap > 0 && (d <= 0 || d > b.Cap) {
		return b.Cap
	}
	return d
}

// Wait sleeps for Delay(n), or for hint when that is longer. The wait never
// exceeds Cap.
func (b Backoff) Wait(ctx context.Context, n int, hint time.Duration) error {
	d := b.Delay(n)
	if hint > d {
		d = hint
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
