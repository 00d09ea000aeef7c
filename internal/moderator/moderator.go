// Package moderator maintains the pool of dispute moderators and picks
// the right one for each new or escalated dispute. Assignment is
// workload-capped; the store's Assign is atomic so two concurrent
// disputes can never push a moderator past the cap.
package moderator

import (
	"context"
	"errors"
	"time"

	"github.com/tomascrow/peervault/internal/trade"
)

var (
	ErrModeratorNotFound = errors.New("moderator not found")
	ErrModeratorExists   = errors.New("moderator already registered")
	ErrAtCapacity        = errors.New("moderator is at workload capacity")
	ErrNoneAvailable     = errors.New("no moderator available")
)

// Stats tracks a moderator's lifetime and current dispute load.
type Stats struct {
	TotalAssigned        int     `json:"totalAssigned"`
	TotalResolved        int     `json:"totalResolved"`
	CurrentWorkload      int     `json:"currentWorkload"`
	SuccessRate          float64 `json:"successRate"` // resolved without appeal overturn
	AvgResolutionMinutes float64 `json:"avgResolutionMinutes"`
}

// Moderator is a staff member who can be assigned disputes.
type Moderator struct {
	UserID          string           `json:"userId"`
	DisplayName     string           `json:"displayName"`
	Active          bool             `json:"active"`
	Online          bool             `json:"online"`
	Specializations []trade.Category `json:"specializations,omitempty"`
	Stats           Stats            `json:"stats"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastSeenAt      time.Time        `json:"lastSeenAt"`
}

// Specializes reports whether the moderator lists cat as a specialty.
func (m *Moderator) Specializes(cat trade.Category) bool {
	for _, c := range m.Specializations {
		if c == cat {
			return true
		}
	}
	return false
}

// Store persists the moderator pool.
type Store interface {
	Create(ctx context.Context, m *Moderator) error
	Get(ctx context.Context, userID string) (*Moderator, error)
	Update(ctx context.Context, m *Moderator) error
	List(ctx context.Context) ([]*Moderator, error)

	// Assign increments the workload iff it is below max. Returns
	// ErrAtCapacity when the moderator is full.
	Assign(ctx context.Context, userID string, max int) error
	// Unassign decrements the workload, flooring at zero.
	Unassign(ctx context.Context, userID string) error
	// RecordResolution decrements the workload and folds the outcome
	// into the moderator's lifetime stats.
	RecordResolution(ctx context.Context, userID string, took time.Duration, upheld bool) error
	// SetPresence records an online/offline heartbeat.
	SetPresence(ctx context.Context, userID string, online bool, seenAt time.Time) error
}
