package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakers_TripsAfterThresholdConsecutiveFailures(t *testing.T) {
	b := NewBreakers(3, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		allowed, _ := b.Allow("e1")
		require.True(t, allowed)
		b.RecordFailure("e1")
	}
	allowed, _ := b.Allow("e1")
	require.True(t, allowed, "breaker should still be closed before the 3rd failure")
	b.RecordFailure("e1")

	allowed, _ = b.Allow("e1")
	assert.False(t, allowed, "breaker should be open after 3 consecutive failures")
}

func TestBreakers_HalfOpenTrialAfterCooldown(t *testing.T) {
	b := NewBreakers(1, 20*time.Millisecond)

	allowed, _ := b.Allow("e1")
	require.True(t, allowed)
	b.RecordFailure("e1") // trips open immediately (threshold 1)

	allowed, _ = b.Allow("e1")
	assert.False(t, allowed, "still within cooldown")

	time.Sleep(30 * time.Millisecond)

	allowed, isTrial := b.Allow("e1")
	require.True(t, allowed, "cooldown elapsed, trial should be allowed")
	assert.True(t, isTrial)

	// A second concurrent request while the trial is outstanding is
	// rejected rather than piling onto a still-unhealthy endpoint.
	allowed, _ = b.Allow("e1")
	assert.False(t, allowed)
}

func TestBreakers_TrialSuccessCloses(t *testing.T) {
	b := NewBreakers(1, 10*time.Millisecond)
	b.Allow("e1")
	b.RecordFailure("e1")
	time.Sleep(15 * time.Millisecond)

	allowed, isTrial := b.Allow("e1")
	require.True(t, allowed)
	require.True(t, isTrial)
	b.RecordSuccess("e1")

	allowed, _ = b.Allow("e1")
	assert.True(t, allowed)
}

func TestBreakers_TrialFailureReopensAndRestartsCooldown(t *testing.T) {
	b := NewBreakers(1, 15*time.Millisecond)
	b.Allow("e1")
	b.RecordFailure("e1")
	time.Sleep(20 * time.Millisecond)

	allowed, isTrial := b.Allow("e1")
	require.True(t, allowed)
	require.True(t, isTrial)
	b.RecordFailure("e1")

	allowed, _ = b.Allow("e1")
	assert.False(t, allowed, "trial failed, breaker reopened")
}
