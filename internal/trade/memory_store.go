package trade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

func copyTrade(t *Trade) *Trade {
	c := *t
	for _, p := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{t.PaymentMadeAt, &c.PaymentMadeAt},
		{t.CompletedAt, &c.CompletedAt},
		{t.ClosedAt, &c.ClosedAt},
	} {
		if p.src != nil {
			v := *p.src
			*p.dst = &v
		}
	}
	if t.Dispute != nil {
		d := *t.Dispute
		d.Evidence = append([]Evidence(nil), t.Dispute.Evidence...)
		if t.Dispute.Resolution != nil {
			r := *t.Dispute.Resolution
			d.Resolution = &r
		}
		if t.Dispute.EscalatedAt != nil {
			v := *t.Dispute.EscalatedAt
			d.EscalatedAt = &v
		}
		if t.Dispute.ResolvedAt != nil {
			v := *t.Dispute.ResolvedAt
			d.ResolvedAt = &v
		}
		if t.Dispute.LastActivity != nil {
			d.LastActivity = make(map[string]time.Time, len(t.Dispute.LastActivity))
			for k, v := range t.Dispute.LastActivity {
				d.LastActivity[k] = v
			}
		}
		c.Dispute = &d
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = copyTrade(t)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; !ok {
		return ErrTradeNotFound
	}
	s.trades[t.ID] = copyTrade(t)
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.Status == status {
			out = append(out, copyTrade(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		due := false
		switch t.Status {
		case StatusEscrowLocked, StatusPaymentPending:
			due = now.After(t.ExpiresAt)
		case StatusPaymentMade:
			due = now.After(t.TimeLimitAt)
		}
		if due {
			out = append(out, copyTrade(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDisputesToEscalate(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		d := t.Dispute
		if t.Status != StatusDisputed || d == nil || !d.Status.Active() {
			continue
		}
		if d.EscalatedAt == nil && !now.Before(d.EscalateAt) {
			out = append(out, copyTrade(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDisputed(_ context.Context, limit int) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.Dispute != nil {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Dispute.OpenedAt.After(out[j].Dispute.OpenedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
