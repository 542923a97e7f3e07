// Package dedup implements the chain ingestor's rolling de-duplication set:
// a bounded, amortized O(1) membership test over (chain id, tx hash, log
// index) keys with TTL eviction via a two-shard rotation.
package dedup

import (
	"sync"
	"time"

	"github.com/ethhook/ethhook/internal/model"
)

// Store is a two-shard rolling dedup set. Every rotation period (TTL/2) the
// retired shard is discarded and the active shard becomes retired, giving a
// membership window of at least TTL/2 and at most TTL.
type Store struct {
	mu       sync.Mutex
	active   map[model.DedupKey]struct{}
	retired  map[model.DedupKey]struct{}
	rotateEvery time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dedup store with the given TTL. A background goroutine
// rotates shards every ttl/2 until Stop is called.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &Store{
		active:      make(map[model.DedupKey]struct{}),
		retired:     make(map[model.DedupKey]struct{}),
		rotateEvery: ttl / 2,
		stopCh:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.rotateLoop()
	return s
}

func (s *Store) rotateLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rotate()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = s.active
	s.active = make(map[model.DedupKey]struct{}, len(s.retired))
}

// SeenOrInsert reports whether key was already present (in either shard),
// and if not, inserts it into the active shard. Use the single return value
// the way a set's Insert does: true means "drop this event, it's a dup".
func (s *Store) SeenOrInsert(key model.DedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[key]; ok {
		return true
	}
	if _, ok := s.retired[key]; ok {
		return true
	}
	s.active[key] = struct{}{}
	return false
}

// Len returns the combined size of both shards, for diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) + len(s.retired)
}

// Stop halts the rotation goroutine. Safe to call once.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
