// Copyright 2025 Loghive Data, Inc.

package throttle

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/metrics"
)

// Throttler rate-limits replication and consumer fetch bytes. A configured
// rate of zero disables the corresponding limiter.
type Throttler struct {
	follower *rate.Limiter
	consumer *rate.Limiter

	followerThrottled atomic.Int64
	followerAllowed   atomic.Int64
	consumerThrottled atomic.Int64
	consumerAllowed   atomic.Int64
}

// Stats is a snapshot of throttle decisions
type Stats struct {
	FollowerAllowed   int64 `json:"follower_allowed"`
	FollowerThrottled int64 `json:"follower_throttled"`
	ConsumerAllowed   int64 `json:"consumer_allowed"`
	ConsumerThrottled int64 `json:"consumer_throttled"`
}

// New creates a throttler from configuration
func New(cfg config.ThrottleConfig) *Throttler {
	return &Throttler{
		follower: newLimiter(cfg.FollowerBytesPerSecond, cfg.FollowerBurst),
		consumer: newLimiter(cfg.ConsumerBytesPerSecond, cfg.ConsumerBurst),
	}
}

func newLimiter(bytesPerSecond int64, burst int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = int(bytesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// AllowFollowerFetch reports whether a follower fetch of n bytes may proceed
func (t *Throttler) AllowFollowerFetch(n int) bool {
	if t == nil {
		return true
	}
	if t.follower.AllowN(time.Now(), n) {
		t.followerAllowed.Add(1)
		return true
	}
	t.followerThrottled.Add(1)
	metrics.ThrottledFetchesTotal.WithLabelValues("follower").Inc()
	return false
}

// AllowConsumerFetch reports whether a consumer fetch of n bytes may proceed
func (t *Throttler) AllowConsumerFetch(n int) bool {
	if t == nil {
		return true
	}
	if t.consumer.AllowN(time.Now(), n) {
		t.consumerAllowed.Add(1)
		return true
	}
	t.consumerThrottled.Add(1)
	metrics.ThrottledFetchesTotal.WithLabelValues("consumer").Inc()
	return false
}

// Snapshot returns the current throttle statistics
func (t *Throttler) Snapshot() Stats {
	if t == nil {
		return Stats{}
	}
	return Stats{
		FollowerAllowed:   t.followerAllowed.Load(),
		FollowerThrottled: t.followerThrottled.Load(),
		ConsumerAllowed:   t.consumerAllowed.Load(),
		ConsumerThrottled: t.consumerThrottled.Load(),
	}
}
