// Package ratelimit implements the per-connection, per-action fixed-window
// limits applied by the gateway.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by Allow when a bucket is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

// Action names with their own buckets. Anything else uses ActionDefault.
const (
	ActionInput   = "terminal:input"
	ActionCreate  = "terminal:create"
	ActionRecover = "session:recover"
	ActionAIChat  = "ai:chat"
	ActionDefault = "default"
)

// Bucket is one fixed-window limit.
type Bucket struct {
	MaxRequests int
	Window      time.Duration
	// Silent buckets drop over-limit requests without telling the client.
	Silent bool
}

// DefaultBuckets returns the standard limits.
func DefaultBuckets() map[string]Bucket {
	return map[string]Bucket{
		ActionInput:   {MaxRequests: 100, Window: time.Second, Silent: true},
		ActionCreate:  {MaxRequests: 10, Window: time.Minute},
		ActionRecover: {MaxRequests: 20, Window: time.Minute},
		ActionAIChat:  {MaxRequests: 10, Window: time.Minute},
		ActionDefault: {MaxRequests: 50, Window: time.Second},
	}
}

type counter struct {
	count     int
	resetTime time.Time
}

// Limiter holds the counters of one connection. It is not safe for
// concurrent use; each connection's limiter is only used from the gateway
// loop.
type Limiter struct {
	buckets  map[string]Bucket
	counters map[string]*counter
	nowFn    func() time.Time // injectable clock for testing
}

// New creates a Limiter. A nil buckets map means DefaultBuckets.
func New(buckets map[string]Bucket) *Limiter {
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	return &Limiter{
		buckets:  buckets,
		counters: make(map[string]*counter),
		nowFn:    time.Now,
	}
}

// SetNowFunc replaces the clock.
func (l *Limiter) SetNowFunc(fn func() time.Time) {
	l.nowFn = fn
}

// BucketFor returns the bucket that governs action.
func (l *Limiter) BucketFor(action string) Bucket {
	if b, ok := l.buckets[action]; ok {
		return b
	}
	return l.buckets[ActionDefault]
}

// Silent reports whether over-limit requests for action are dropped quietly.
func (l *Limiter) Silent(action string) bool {
	return l.BucketFor(action).Silent
}

// Allow counts one request for action. The request that makes the count
// exceed MaxRequests inside the current window returns ErrRateLimited.
func (l *Limiter) Allow(action string) error {
	key := action
	if _, ok := l.buckets[action]; !ok {
		key = ActionDefault
	}
	b := l.buckets[key]
	if b.MaxRequests <= 0 {
		return nil
	}

	now := l.nowFn()
	c, ok := l.counters[key]
	if !ok || now.After(c.resetTime) {
		c = &counter{resetTime: now.Add(b.Window)}
		l.counters[key] = c
	}
	c.count++
	if c.count > b.MaxRequests {
		retry := c.resetTime.Sub(now).Truncate(time.Millisecond)
		return fmt.Errorf("%w: %s allows %d per %s, retry in %s", ErrRateLimited, action, b.MaxRequests, b.Window, retry)
	}
	return nil
}

// Reset clears every counter.
func (l *Limiter) Reset() {
	l.counters = make(map[string]*counter)
}
