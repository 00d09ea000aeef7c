package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomascrow/peervault/internal/token"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func copyOrder(o *Order) *Order {
	c := *o
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) Claim(_ context.Context, id, qty string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !o.Open() {
		return nil, ErrOrderNotOpen
	}
	if token.Cmp(o.Remaining, qty) < 0 {
		return nil, ErrExceedsRemaining
	}
	o.Remaining = token.Sub(o.Remaining, qty)
	if o.Side == SideSell {
		o.LockedAmount = token.Sub(o.LockedAmount, qty)
	}
	if token.IsPositive(o.Remaining) {
		o.Status = StatusPartial
	} else {
		o.Status = StatusFilled
		now := time.Now().UTC()
		o.ClosedAt = &now
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) Restore(_ context.Context, id, qty string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Open() && o.Status != StatusFilled {
		return ErrOrderNotOpen
	}
	o.Remaining = token.Add(o.Remaining, qty)
	if o.Side == SideSell {
		o.LockedAmount = token.Add(o.LockedAmount, qty)
	}
	if token.Cmp(o.Remaining, o.Amount) == 0 {
		o.Status = StatusActive
	} else {
		o.Status = StatusPartial
	}
	o.ClosedAt = nil
	return nil
}

func (s *MemoryStore) Close(_ context.Context, id string, status Status, at time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !o.Open() {
		return nil, ErrOrderNotOpen
	}
	o.Status = status
	o.ClosedAt = &at
	return copyOrder(o), nil
}

func (s *MemoryStore) ListOpen(_ context.Context, tok string, side Side, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Token != tok || !o.Open() {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenExpired(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Open() && o.ExpiresAt.Before(now) {
			out = append(out, copyOrder(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
