// Package ratelimit guards outbound provider calls with per-class token buckets.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket refilling capacity tokens every period.
//
// With a delayed start the bucket is empty until notBefore and only starts
// accruing from then on.
type Bucket struct {
	capacity  int
	period    time.Duration
	notBefore time.Time
	lim       *rate.Limiter
	now       func() time.Time
}

type BucketOption func(*Bucket)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) BucketOption {
	return func(b *Bucket) { b.now = now }
}

// WithDelayedStart starts the bucket empty; tokens accrue only after d.
// Pass it after WithClock.
func WithDelayedStart(d time.Duration) BucketOption {
	return func(b *Bucket) {
		if d > 0 {
			b.notBefore = b.now().Add(d)
		}
	}
}

func NewBucket(capacity int, period time.Duration, opts ...BucketOption) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if period <= 0 {
		period = time.Second
	}
	b := &Bucket{capacity: capacity, period: period, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	every := period / time.Duration(capacity)
	b.lim = rate.NewLimiter(rate.Every(every), capacity)
	if !b.notBefore.IsZero() {
		b.lim.AllowN(b.notBefore, capacity)
	}
	return b
}

func (b *Bucket) Capacity() int         { return b.capacity }
func (b *Bucket) Period() time.Duration { return b.period }

// Consume takes n tokens if available. A denial leaves the bucket untouched.
func (b *Bucket) Consume(n int) bool {
	now := b.now()
	if now.Before(b.notBefore) || n > b.capacity {
		return false
	}
	return b.lim.AllowN(now, n)
}

// Tokens returns the currently available tokens (for health output).
func (b *Bucket) Tokens() float64 {
	now := b.now()
	if now.Before(b.notBefore) {
		return 0
	}
	return b.lim.TokensAt(now)
}

// WaitConsume blocks until n tokens are available and takes them. It
// returns false without consuming anything when that would take longer than
// timeout or ctx ends first.
func (b *Bucket) WaitConsume(ctx context.Context, n int, timeout time.Duration) bool {
	if n > b.capacity {
		return false
	}
	now := b.now()
	at := now
	if at.Before(b.notBefore) {
		at = b.notBefore
	}
	r := b.lim.ReserveN(at, n)
	if !r.OK() {
		return false
	}
	delay := r.DelayFrom(at) + at.Sub(now)
	if delay > timeout {
		r.CancelAt(at)
		return false
	}
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		r.Cancel()
		return false
	}
}
