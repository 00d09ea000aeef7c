package dispute

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tomascrow/peervault/internal/moderator"
	"github.com/tomascrow/peervault/internal/trade"
)

// Overview is the operational dashboard read model, derived from the
// trade collection and the moderator pool.
type Overview struct {
	Total      int            `json:"total"`
	Open       int            `json:"open"`
	Resolved   int            `json:"resolved"`
	Escalated  int            `json:"escalated"`
	ByCategory map[string]int `json:"byCategory"`
	ByStatus   map[string]int `json:"byStatus"`
	ByOutcome  map[string]int `json:"byOutcome"`

	AvgResolutionMinutes float64 `json:"avgResolutionMinutes"`
	MaxResolutionMinutes float64 `json:"maxResolutionMinutes"`

	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// LeaderboardEntry ranks a moderator by resolved volume.
type LeaderboardEntry struct {
	ModeratorID          string  `json:"moderatorId"`
	DisplayName          string  `json:"displayName"`
	Resolved             int     `json:"resolved"`
	CurrentWorkload      int     `json:"currentWorkload"`
	SuccessRate          float64 `json:"successRate"`
	AvgResolutionMinutes float64 `json:"avgResolutionMinutes"`
}

// ModeratorLister is the read slice of the pool the stats need.
type ModeratorLister interface {
	List(ctx context.Context) ([]*moderator.Moderator, error)
}

// Stats computes the dispute overview over the most recent disputes.
func (s *Service) Stats(ctx context.Context, mods ModeratorLister, limit int) (*Overview, error) {
	trades, err := s.store.ListDisputed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputed trades: %w", err)
	}

	o := &Overview{
		ByCategory: make(map[string]int),
		ByStatus:   make(map[string]int),
		ByOutcome:  make(map[string]int),
	}
	var totalMinutes float64
	for _, t := range trades {
		d := t.Dispute
		o.Total++
		o.ByCategory[string(d.Category)]++
		o.ByStatus[string(d.Status)]++
		if d.Status.Active() {
			o.Open++
		}
		if d.EscalatedAt != nil {
			o.Escalated++
		}
		if d.Status == trade.DisputeResolved && d.ResolvedAt != nil {
			o.Resolved++
			minutes := d.ResolvedAt.Sub(d.OpenedAt).Minutes()
			totalMinutes += minutes
			if minutes > o.MaxResolutionMinutes {
				o.MaxResolutionMinutes = minutes
			}
			if d.Resolution != nil {
				o.ByOutcome[string(d.Resolution.Outcome)]++
			}
		}
	}
	if o.Resolved > 0 {
		o.AvgResolutionMinutes = totalMinutes / float64(o.Resolved)
	}

	if mods != nil {
		pool, err := mods.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing moderators: %w", err)
		}
		for _, m := range pool {
			if m.Stats.TotalResolved == 0 && m.Stats.CurrentWorkload == 0 {
				continue
			}
			o.Leaderboard = append(o.Leaderboard, LeaderboardEntry{
				ModeratorID:          m.UserID,
				DisplayName:          m.DisplayName,
				Resolved:             m.Stats.TotalResolved,
				CurrentWorkload:      m.Stats.CurrentWorkload,
				SuccessRate:          m.Stats.SuccessRate,
				AvgResolutionMinutes: m.Stats.AvgResolutionMinutes,
			})
		}
		sort.Slice(o.Leaderboard, func(i, j int) bool {
			a, b := o.Leaderboard[i], o.Leaderboard[j]
			if a.Resolved != b.Resolved {
				return a.Resolved > b.Resolved
			}
			return a.SuccessRate > b.SuccessRate
		})
	}
	return o, nil
}

// ResolutionTimes returns per-priority resolution duration aggregates
// over the most recent disputes.
func (s *Service) ResolutionTimes(ctx context.Context, limit int) (map[string]time.Duration, error) {
	trades, err := s.store.ListDisputed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputed trades: %w", err)
	}
	sums := make(map[string]time.Duration)
	counts := make(map[string]int)
	for _, t := range trades {
		d := t.Dispute
		if d.Status != trade.DisputeResolved || d.ResolvedAt == nil {
			continue
		}
		sums[string(d.Priority)] += d.ResolvedAt.Sub(d.OpenedAt)
		counts[string(d.Priority)]++
	}
	out := make(map[string]time.Duration, len(sums))
	for p, sum := range sums {
		out[p] = sum / time.Duration(counts[p])
	}
	return out, nil
}
