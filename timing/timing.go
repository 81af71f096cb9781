// Package timing provides context-aware pacing helpers: sleeps, randomized
// delays and bounded polling.
package timing

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// ErrTimeout is returned by Poll when the condition never held within the
// budget.
var ErrTimeout = errors.New("timing: condition not met before timeout")

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Jitter returns a uniformly random duration in [lo, hi]. It returns lo when
// hi <= lo.
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Range is a closed interval of durations used for randomized pauses.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pick returns a random duration within the range.
func (r Range) Pick() time.Duration {
	return Jitter(r.Min, r.Max)
}

// SleepRange sleeps for a random duration within r.
func SleepRange(ctx context.Context, r Range) error {
	return Sleep(ctx, r.Pick())
}

// Poll evaluates cond every interval until it reports true, ctx is done, or
// timeout elapses. An error from cond stops polling and is returned as is.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lim := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := lim.Wait(pctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		}
		ok, err := cond(pctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if pctx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		}
	}
}
