package dispute

import (
	"context"
	"sync"
)

// MemoryLogStore is an in-memory append-only LogStore for tests and
// development.
type MemoryLogStore struct {
	mu      sync.RWMutex
	entries []*Log
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func copyLog(e *Log) *Log {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *MemoryLogStore) Append(_ context.Context, entry *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, copyLog(entry))
	return nil
}

func (s *MemoryLogStore) ListByTrade(_ context.Context, tradeID string) ([]*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Log
	for _, e := range s.entries {
		if e.TradeID == tradeID {
			out = append(out, copyLog(e))
		}
	}
	return out, nil
}

func (s *MemoryLogStore) ListRecent(_ context.Context, limit int) ([]*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]*Log, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyLog(s.entries[i]))
	}
	return out, nil
}

var _ LogStore = (*MemoryLogStore)(nil)
