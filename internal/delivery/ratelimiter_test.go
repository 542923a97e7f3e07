package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiters_AllowRespectsBurstThenThrottles(t *testing.T) {
	rl := NewRateLimiters(time.Minute, testLogger())
	defer rl.Stop()

	assert.True(t, rl.Allow("e1", 1))
	assert.False(t, rl.Allow("e1", 1), "burst of 1 exhausted by the first Allow")
}

func TestRateLimiters_UnlimitedWhenRPSNotPositive(t *testing.T) {
	rl := NewRateLimiters(time.Minute, testLogger())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("e1", 0))
	}
}

func TestRateLimiters_WaitReturnsFalseWhenDelayExceedsBound(t *testing.T) {
	rl := NewRateLimiters(time.Minute, testLogger())
	defer rl.Stop()

	assert.True(t, rl.Wait("e1", 1, 10*time.Millisecond))
	// The bucket is now empty and refills at 1/s, far past a 10ms bound.
	assert.False(t, rl.Wait("e1", 1, 10*time.Millisecond))
}

func TestRateLimiters_SeparateEndpointsDoNotShareBuckets(t *testing.T) {
	rl := NewRateLimiters(time.Minute, testLogger())
	defer rl.Stop()

	assert.True(t, rl.Allow("e1", 1))
	assert.True(t, rl.Allow("e2", 1))
}
