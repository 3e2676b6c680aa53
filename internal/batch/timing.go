package batch

import (
	"context"
	"time"
)

// Timing controls the pause between two consecutive messages
type Timing struct {
	Delay         time.Duration
	JitterPercent int // 0..100, applied as +/- around Delay
}

// Bounds returns the shortest and longest possible pause
func (t Timing) Bounds() (time.Duration, time.Duration) {
	if t.Delay <= 0 {
		return 0, 0
	}
	spread := t.spread()
	return max(t.Delay-spread, 0), t.Delay + spread
}

// Next draws a pause uniformly from Bounds using rnd, which returns values in [0, 1)
func (t Timing) Next(rnd func() float64) time.Duration {
	lo, hi := t.Bounds()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rnd()*float64(hi-lo))
}

func (t Timing) spread() time.Duration {
	pct := min(max(t.JitterPercent, 0), 100)
	return t.Delay * time.Duration(pct) / 100
}

// sleepContext waits for d or until ctx is done. It reports whether the full
// pause elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
