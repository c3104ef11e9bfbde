// Package backoff provides the single retry/backoff policy shared by the
// health prober and the runtime client.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned by Retry when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes a linear backoff: attempt n (1-based) waits n × BaseDelay
// before the next try, optionally with up to Jitter of random extra delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// Default returns the policy used for host health checks: three attempts,
// one second times the attempt number between them.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Normalize fills zero fields with usable values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * p.BaseDelay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry calls fn until it succeeds or the policy is exhausted, sleeping
// between attempts. fn receives the 1-based attempt number. On exhaustion
// the last error is joined with ErrExhausted.
func Retry(ctx context.Context, p Policy, sleep SleepFunc, fn func(attempt int) error) error {
	p = p.Normalize()
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}
