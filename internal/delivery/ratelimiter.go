package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ethhook/ethhook/internal/logging"
)

// RateLimiters keys a token-bucket limiter per endpoint id, mirroring the
// teacher's per-IP ConnectionRateLimiter: a map guarded by one mutex plus a
// background goroutine that evicts entries idle longer than ttl so the map
// never grows unbounded across an endpoint's lifetime.
type RateLimiters struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	ttl      time.Duration
	logger   zerolog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiters constructs the registry and starts its cleanup loop.
func NewRateLimiters(ttl time.Duration, logger zerolog.Logger) *RateLimiters {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	rl := &RateLimiters{
		entries: make(map[string]*limiterEntry),
		ttl:     ttl,
		logger:  logging.Component(logger, "rate_limiters"),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a token is immediately available for endpointID at
// the given requests-per-second rate. rps <= 0 means unlimited.
func (rl *RateLimiters) Allow(endpointID string, rps float64) bool {
	if rps <= 0 {
		return true
	}
	return rl.limiterFor(endpointID, rps).Allow()
}

// Wait blocks up to the bound for a token to become available, per
// spec.md §4.4 step 3 ("wait up to a short bound, e.g. 100ms"). It never
// spins: a single reservation is taken and its delay awaited directly.
func (rl *RateLimiters) Wait(endpointID string, rps float64, bound time.Duration) bool {
	if rps <= 0 {
		return true
	}
	lim := rl.limiterFor(endpointID, rps)
	if lim.Allow() {
		return true
	}
	r := lim.Reserve()
	if !r.OK() {
		return false
	}
	delay := r.Delay()
	if delay > bound {
		r.Cancel()
		return false
	}
	time.Sleep(delay)
	return true
}

func (rl *RateLimiters) limiterFor(endpointID string, rps float64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[endpointID]
	if !ok {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		rl.entries[endpointID] = e
	}
	e.lastAccess = time.Now()
	return e.limiter
}

func (rl *RateLimiters) cleanupLoop() {
	ticker := time.NewTicker(rl.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictStale()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiters) evictStale() {
	cutoff := time.Now().Add(-rl.ttl)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, e := range rl.entries {
		if e.lastAccess.Before(cutoff) {
			delete(rl.entries, id)
		}
	}
}

// Stop halts the cleanup loop. Safe to call at most once.
func (rl *RateLimiters) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}
