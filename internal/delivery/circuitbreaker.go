package delivery

import (
	"sync"
	"time"

	"github.com/ethhook/ethhook/internal/metrics"
)

// BreakerState is a per-endpoint circuit breaker's position, per spec.md
// §4.4 step 2.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// Breakers holds one circuit breaker per endpoint id behind a fine-grained
// per-endpoint lock (spec.md §5: "the per-endpoint circuit-breaker map uses
// one lock per endpoint bucket; no nested locking").
type Breakers struct {
	mapMu sync.RWMutex
	byID  map[string]*breaker

	threshold int
	cooldown  time.Duration
}

type breaker struct {
	mu              sync.Mutex
	state           BreakerState
	consecFailures  int
	openedAt        time.Time
	trialInFlight   bool
}

// NewBreakers constructs a Breakers registry.
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breakers{
		byID:      make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *Breakers) get(endpointID string) *breaker {
	b.mapMu.RLock()
	br, ok := b.byID[endpointID]
	b.mapMu.RUnlock()
	if ok {
		return br
	}

	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if br, ok = b.byID[endpointID]; ok {
		return br
	}
	br = &breaker{}
	b.byID[endpointID] = br
	return br
}

// Allow reports whether a request to endpointID may proceed, and whether
// this particular request is the HALF-OPEN trial (so the caller knows a
// failure here must reopen the circuit rather than merely tally).
func (b *Breakers) Allow(endpointID string) (allowed bool, isTrial bool) {
	br := b.get(endpointID)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if time.Since(br.openedAt) >= b.cooldown {
			br.state = BreakerHalfOpen
			br.trialInFlight = true
			b.publishState(endpointID, br.state)
			return true, true
		}
		return false, false
	case BreakerHalfOpen:
		if br.trialInFlight {
			// A trial is already outstanding; reject concurrent requests
			// rather than letting a flood of trials hit a still-unhealthy
			// endpoint.
			return false, false
		}
		br.trialInFlight = true
		return true, true
	default:
		return true, false
	}
}

// RecordSuccess closes the circuit (from CLOSED, resets the tally; from
// HALF-OPEN, the trial passed).
func (b *Breakers) RecordSuccess(endpointID string) {
	br := b.get(endpointID)
	br.mu.Lock()
	defer br.mu.Unlock()
	br.consecFailures = 0
	br.trialInFlight = false
	br.state = BreakerClosed
	b.publishState(endpointID, br.state)
}

// RecordFailure tallies a failure. From CLOSED, CB_FAILURE_THRESHOLD
// consecutive failures trips the breaker open. From HALF-OPEN, any trial
// failure reopens it and restarts the cooldown.
func (b *Breakers) RecordFailure(endpointID string) {
	br := b.get(endpointID)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case BreakerHalfOpen:
		br.trialInFlight = false
		br.state = BreakerOpen
		br.openedAt = time.Now()
		br.consecFailures = 0
	default:
		br.consecFailures++
		if br.consecFailures >= b.threshold {
			br.state = BreakerOpen
			br.openedAt = time.Now()
			br.consecFailures = 0
		}
	}
	b.publishState(endpointID, br.state)
}

func (b *Breakers) publishState(endpointID string, s BreakerState) {
	metrics.CircuitBreakerState.WithLabelValues(endpointID).Set(float64(s))
}
