package registry

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethhook/ethhook/internal/model"
)

// MemoryReader is an in-memory Reader implementation for tests and for a
// runnable demo mode. spec.md treats the registry reader as an external,
// pluggable collaborator; this is the simplest concrete one.
type MemoryReader struct {
	mu      sync.RWMutex
	rules   []model.EndpointRule
	version int64
}

// NewMemoryReader builds a MemoryReader seeded with the given rules.
func NewMemoryReader(rules []model.EndpointRule) *MemoryReader {
	return &MemoryReader{rules: append([]model.EndpointRule(nil), rules...)}
}

// SetRules atomically replaces the rule set and bumps the change token, so
// a subsequent ChangedSince call reports true.
func (m *MemoryReader) SetRules(rules []model.EndpointRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]model.EndpointRule(nil), rules...)
	m.version++
}

// ListActiveRules implements Reader.
func (m *MemoryReader) ListActiveRules(ctx context.Context) ([]model.EndpointRule, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.EndpointRule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, strconv.FormatInt(m.version, 10), nil
}

// ChangedSince implements Reader.
func (m *MemoryReader) ChangedSince(ctx context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := strconv.FormatInt(m.version, 10)
	return cur != token, nil
}
