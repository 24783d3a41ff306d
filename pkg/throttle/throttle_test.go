// Copyright 2025 Loghive Data, Inc.

package throttle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loghive-data/loghive/pkg/config"
)

func TestUnlimitedByDefault(t *testing.T) {
	th := New(config.ThrottleConfig{})

	for i := 0; i < 1000; i++ {
		assert.True(t, th.AllowFollowerFetch(1<<20))
		assert.True(t, th.AllowConsumerFetch(1<<20))
	}

	stats := th.Snapshot()
	assert.Equal(t, int64(1000), stats.FollowerAllowed)
	assert.Zero(t, stats.FollowerThrottled)
}

func TestFollowerLimitEnforced(t *testing.T) {
	th := New(config.ThrottleConfig{
		FollowerBytesPerSecond: 1024,
		FollowerBurst:          1024,
	})

	assert.True(t, th.AllowFollowerFetch(1024))
	assert.False(t, th.AllowFollowerFetch(1024))

	stats := th.Snapshot()
	assert.Equal(t, int64(1), stats.FollowerAllowed)
	assert.Equal(t, int64(1), stats.FollowerThrottled)

	// the consumer limiter is independent
	assert.True(t, th.AllowConsumerFetch(1<<20))
}

func TestNilThrottlerAllowsEverything(t *testing.T) {
	var th *Throttler
	assert.True(t, th.AllowFollowerFetch(1))
	assert.True(t, th.AllowConsumerFetch(1))
	assert.Zero(t, th.Snapshot().FollowerAllowed)
}
