package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Class names one family of provider calls sharing a quota.
type Class string

const (
	GetPost       Class = "get_post"
	GetAccount    Class = "get_account"
	GetAccounts   Class = "get_accounts"
	Timeline      Class = "timeline"
	HomeTimeline  Class = "home_timeline"
	Follow        Class = "follow"
	Unfollow      Class = "unfollow"
	StreamRules   Class = "stream_rules"
	StreamConnect Class = "stream_connect"
)

// Classes lists every known class in a stable order.
var Classes = []Class{GetPost, GetAccount, GetAccounts, Timeline, HomeTimeline, Follow, Unfollow, StreamRules, StreamConnect}

var ErrRateLimited = errors.New("rate limited")

// Error reports a denied call. It matches ErrRateLimited via errors.Is.
type Error struct {
	Class Class
	// RetryAfter is a provider hint (zero when unknown).
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Class, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Class)
}

func (e *Error) Is(target error) bool { return target == ErrRateLimited }

// Limit configures one class.
type Limit struct {
	Capacity     int
	Period       time.Duration
	DelayedStart time.Duration
	// Wait > 0 makes Acquire block up to Wait for tokens instead of failing fast.
	Wait time.Duration
}

// DefaultLimits mirror the provider's published per-15-minute app quotas.
func DefaultLimits() map[Class]Limit {
	w := 15 * time.Minute
	return map[Class]Limit{
		GetPost:       {Capacity: 300, Period: w},
		GetAccount:    {Capacity: 300, Period: w},
		GetAccounts:   {Capacity: 300, Period: w},
		Timeline:      {Capacity: 900, Period: w},
		HomeTimeline:  {Capacity: 180, Period: w},
		Follow:        {Capacity: 50, Period: w},
		Unfollow:      {Capacity: 50, Period: w},
		StreamRules:   {Capacity: 450, Period: w},
		StreamConnect: {Capacity: 50, Period: w},
	}
}

type entry struct {
	bucket *Bucket
	wait   time.Duration
}

// Set holds one bucket per class. Unknown classes are unlimited.
type Set struct {
	buckets map[Class]entry
}

// NewSet builds buckets from limits; classes missing from limits use DefaultLimits.
func NewSet(limits map[Class]Limit, opts ...BucketOption) *Set {
	merged := DefaultLimits()
	for c, l := range limits {
		merged[c] = l
	}
	s := &Set{buckets: make(map[Class]entry, len(merged))}
	for c, l := range merged {
		bopts := append([]BucketOption(nil), opts...)
		bopts = append(bopts, WithDelayedStart(l.DelayedStart))
		s.buckets[c] = entry{bucket: NewBucket(l.Capacity, l.Period, bopts...), wait: l.Wait}
	}
	return s
}

// Bucket returns the bucket for c (nil if unknown).
func (s *Set) Bucket(c Class) *Bucket {
	if s == nil {
		return nil
	}
	return s.buckets[c].bucket
}

// Acquire takes one token for c, waiting up to the class wait budget.
func (s *Set) Acquire(ctx context.Context, c Class) error {
	return s.AcquireN(ctx, c, 1)
}

func (s *Set) AcquireN(ctx context.Context, c Class, n int) error {
	if s == nil {
		return nil
	}
	e, ok := s.buckets[c]
	if !ok {
		return nil
	}
	var allowed bool
	if e.wait > 0 {
		allowed = e.bucket.WaitConsume(ctx, n, e.wait)
	} else {
		allowed = e.bucket.Consume(n)
	}
	if !allowed {
		denied.WithLabelValues(string(c)).Inc()
		return &Error{Class: c}
	}
	return nil
}

// Stat is a point-in-time view of one bucket.
type Stat struct {
	Class    Class   `json:"class"`
	Tokens   float64 `json:"tokens"`
	Capacity int     `json:"capacity"`
}

func (s *Set) Stats() []Stat {
	if s == nil {
		return nil
	}
	out := make([]Stat, 0, len(s.buckets))
	for c, e := range s.buckets {
		out = append(out, Stat{Class: c, Tokens: e.bucket.Tokens(), Capacity: e.bucket.Capacity()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
