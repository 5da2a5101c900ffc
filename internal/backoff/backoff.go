// Package backoff holds the retry timing shared by the RPC pool and the
// keeper: exponential delays with ±20% jitter and context-aware sleeps.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Delay is the un-jittered wait before attempt n+1 (n counts from 0).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, retryable reports false, the attempts
// are exhausted or ctx is done. It returns the last error from fn, or the
// context error. onRetry, when set, is called before each wait.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool, onRetry func(attempt int, wait time.Duration, err error)) error {
	p = p.normalized()
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		wait := Jitter(p.Delay(attempt))
		if onRetry != nil {
			onRetry(attempt+1, wait, err)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

// Jitter spreads d by ±20%.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 5
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(j*2)+1))
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
