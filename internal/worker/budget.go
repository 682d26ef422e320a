package worker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Budget throttles outbound API requests against two windows: a
// per-minute and a per-hour cap. Both must admit a request before it
// goes out.
type Budget struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

// NewBudget builds a request budget from the configured caps. Values
// below 1 fall back to the defaults (600/min, 10000/hour).
func NewBudget(perMinute, perHour int) *Budget {
	if perMinute < 1 {
		perMinute = 600
	}
	if perHour < 1 {
		perHour = 10000
	}
	return &Budget{
		minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		hour:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
	}
}

// Wait blocks until both windows admit one request or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	return b.WaitNotify(ctx, nil)
}

// WaitNotify is Wait with a callback invoked when the budget forces a
// pause longer than a second, so the caller can surface the stall.
func (b *Budget) WaitNotify(ctx context.Context, onWait func(time.Duration)) error {
	for _, lim := range []*rate.Limiter{b.minute, b.hour} {
		r := lim.Reserve()
		if !r.OK() {
			// Burst exceeded cannot happen with our limiter setup, but
			// fall back to a plain Wait just in case.
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		delay := r.Delay()
		if delay <= 0 {
			continue
		}
		if delay > time.Second && onWait != nil {
			onWait(delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
