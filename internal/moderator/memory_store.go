package moderator

import (
	"context"
	"sync"
	"time"

	"github.com/tomascrow/peervault/internal/trade"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	mods map[string]*Moderator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mods: make(map[string]*Moderator)}
}

func copyModerator(m *Moderator) *Moderator {
	c := *m
	if m.Specializations != nil {
		c.Specializations = append([]trade.Category(nil), m.Specializations...)
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, m *Moderator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mods[m.UserID]; ok {
		return ErrModeratorExists
	}
	s.mods[m.UserID] = copyModerator(m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Moderator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mods[userID]
	if !ok {
		return nil, ErrModeratorNotFound
	}
	return copyModerator(m), nil
}

func (s *MemoryStore) Update(_ context.Context, m *Moderator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mods[m.UserID]; !ok {
		return ErrModeratorNotFound
	}
	s.mods[m.UserID] = copyModerator(m)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Moderator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Moderator, 0, len(s.mods))
	for _, m := range s.mods {
		out = append(out, copyModerator(m))
	}
	return out, nil
}

func (s *MemoryStore) Assign(_ context.Context, userID string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mods[userID]
	if !ok {
		return ErrModeratorNotFound
	}
	if m.Stats.CurrentWorkload >= max {
		return ErrAtCapacity
	}
	m.Stats.CurrentWorkload++
	m.Stats.TotalAssigned++
	return nil
}

func (s *MemoryStore) Unassign(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mods[userID]
	if !ok {
		return ErrModeratorNotFound
	}
	if m.Stats.CurrentWorkload > 0 {
		m.Stats.CurrentWorkload--
	}
	return nil
}

func (s *MemoryStore) RecordResolution(_ context.Context, userID string, took time.Duration, upheld bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mods[userID]
	if !ok {
		return ErrModeratorNotFound
	}
	if m.Stats.CurrentWorkload > 0 {
		m.Stats.CurrentWorkload--
	}
	n := float64(m.Stats.TotalResolved)
	upheldCount := m.Stats.SuccessRate * n
	if upheld {
		upheldCount++
	}
	m.Stats.AvgResolutionMinutes = (m.Stats.AvgResolutionMinutes*n + took.Minutes()) / (n + 1)
	m.Stats.TotalResolved++
	m.Stats.SuccessRate = upheldCount / (n + 1)
	return nil
}

func (s *MemoryStore) SetPresence(_ context.Context, userID string, online bool, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mods[userID]
	if !ok {
		return ErrModeratorNotFound
	}
	m.Online = online
	m.LastSeenAt = seenAt
	return nil
}

var _ Store = (*MemoryStore)(nil)
