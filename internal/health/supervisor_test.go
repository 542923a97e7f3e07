package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/ethhook/ethhook/internal/chain"
)

type fakeObserver struct {
	state   chain.State
	lastMsg time.Time
}

func (f fakeObserver) State() chain.State        { return f.state }
func (f fakeObserver) LastMessageAt() time.Time { return f.lastMsg }

func TestSupervisor_NotReadyWhenAChainIsNotStreaming(t *testing.T) {
	s := New(Config{
		Chains: []ChainObserver{fakeObserver{state: chain.StateDegraded}},
		MatcherLastBatchAt: func() time.Time { return time.Now() },
		WorkerLastActiveAt: func() time.Time { return time.Now() },
		Logger:             zerolog.Nop(),
	})
	assert.False(t, s.computeReady())
}

func TestSupervisor_ReadyWhenAllChainsStreamingAndProgressRecent(t *testing.T) {
	s := New(Config{
		Chains:             []ChainObserver{fakeObserver{state: chain.StateStreaming}, fakeObserver{state: chain.StateSubscribed}},
		MatcherLastBatchAt: func() time.Time { return time.Now() },
		WorkerLastActiveAt: func() time.Time { return time.Now() },
		Logger:             zerolog.Nop(),
	})
	assert.True(t, s.computeReady())
}

func TestSupervisor_NotReadyWhenMatcherStale(t *testing.T) {
	s := New(Config{
		Chains:             []ChainObserver{fakeObserver{state: chain.StateStreaming}},
		MatcherLastBatchAt: func() time.Time { return time.Now().Add(-time.Hour) },
		WorkerLastActiveAt: func() time.Time { return time.Now() },
		Logger:             zerolog.Nop(),
	})
	assert.False(t, s.computeReady())
}

func TestSupervisor_DeadlockHeuristicTripsOnlyWhenBothChannelsFullAndWorkerStalled(t *testing.T) {
	s := New(Config{
		RawChannelCapacity: 10,
		DeliveryChannelCap: 10,
		WorkerLastActiveAt: func() time.Time { return time.Now().Add(-2 * time.Minute) },
		Logger:             zerolog.Nop(),
	})

	s.checkDeadlock(10, 10)
	assert.NotZero(t, s.stuckSince.Load())

	s.checkDeadlock(5, 10)
	assert.Zero(t, s.stuckSince.Load(), "not both channels full, heuristic resets")
}
