package moderator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomascrow/peervault/internal/trade"
)

// Senior moderator thresholds used for escalation reassignment.
const (
	seniorMinResolved    = 50
	seniorMinSuccessRate = 0.80
)

// Config bounds how much work a single moderator can carry.
type Config struct {
	MaxWorkload int
}

// Pool selects moderators for disputes and keeps their stats current.
type Pool struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewPool(store Store, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxWorkload <= 0 {
		cfg.MaxWorkload = 5
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "moderator"),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Register adds a moderator to the pool.
func (p *Pool) Register(ctx context.Context, userID, displayName string, specializations []trade.Category) (*Moderator, error) {
	now := p.now().UTC()
	m := &Moderator{
		UserID:          userID,
		DisplayName:     displayName,
		Active:          true,
		Specializations: specializations,
		CreatedAt:       now,
		LastSeenAt:      now,
	}
	if err := p.store.Create(ctx, m); err != nil {
		return nil, err
	}
	p.logger.Info("moderator registered", "moderator", userID, "specializations", specializations)
	return m, nil
}

func (p *Pool) Get(ctx context.Context, userID string) (*Moderator, error) {
	return p.store.Get(ctx, userID)
}

func (p *Pool) List(ctx context.Context) ([]*Moderator, error) {
	return p.store.List(ctx)
}

// SetActive flips a moderator in or out of the assignable pool without
// touching their current assignments.
func (p *Pool) SetActive(ctx context.Context, userID string, active bool) (*Moderator, error) {
	m, err := p.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.Active = active
	if err := p.store.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Heartbeat marks the moderator online. Presence drives assignment;
// offline moderators are skipped.
func (p *Pool) Heartbeat(ctx context.Context, userID string) error {
	return p.store.SetPresence(ctx, userID, true, p.now().UTC())
}

// MarkOffline marks the moderator offline.
func (p *Pool) MarkOffline(ctx context.Context, userID string) error {
	return p.store.SetPresence(ctx, userID, false, p.now().UTC())
}

// Select picks a moderator for a new dispute and reserves a workload
// slot. Specialists in the dispute's category win over generalists;
// ties go to the lowest current workload. Candidates must be active,
// online, and under the cap.
func (p *Pool) Select(ctx context.Context, category trade.Category) (*Moderator, error) {
	return p.pick(ctx, func(m *Moderator) bool {
		return m.Active && m.Online && m.Stats.CurrentWorkload < p.cfg.MaxWorkload
	}, category)
}

// SelectSenior picks a proven moderator for an escalated dispute: a
// long track record and a high uphold rate, still under the cap. The
// moderator currently on the dispute is excluded.
func (p *Pool) SelectSenior(ctx context.Context, category trade.Category, excluding string) (*Moderator, error) {
	return p.pick(ctx, func(m *Moderator) bool {
		return m.Active && m.UserID != excluding &&
			m.Stats.TotalResolved >= seniorMinResolved &&
			m.Stats.SuccessRate >= seniorMinSuccessRate &&
			m.Stats.CurrentWorkload < p.cfg.MaxWorkload
	}, category)
}

func (p *Pool) pick(ctx context.Context, eligible func(*Moderator) bool, category trade.Category) (*Moderator, error) {
	mods, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing moderators: %w", err)
	}

	var best *Moderator
	for _, m := range mods {
		if !eligible(m) {
			continue
		}
		if best == nil || better(m, best, category) {
			best = m
		}
	}
	if best == nil {
		return nil, ErrNoneAvailable
	}

	// The slot reservation can race with another selection; on capacity
	// loss fall through to the next candidate by retrying without the
	// loser.
	if err := p.store.Assign(ctx, best.UserID, p.cfg.MaxWorkload); err != nil {
		if errors.Is(err, ErrAtCapacity) {
			p.logger.Debug("moderator filled up mid-selection", "moderator", best.UserID)
			return p.pick(ctx, func(m *Moderator) bool {
				return m.UserID != best.UserID && eligible(m)
			}, category)
		}
		return nil, fmt.Errorf("assigning moderator: %w", err)
	}
	best.Stats.CurrentWorkload++
	best.Stats.TotalAssigned++
	return best, nil
}

// better reports whether a should be preferred over b for a dispute in
// the given category.
func better(a, b *Moderator, category trade.Category) bool {
	as, bs := a.Specializes(category), b.Specializes(category)
	if as != bs {
		return as
	}
	return a.Stats.CurrentWorkload < b.Stats.CurrentWorkload
}

// Release frees a workload slot without recording an outcome, for
// reassignments.
func (p *Pool) Release(ctx context.Context, userID string) error {
	return p.store.Unassign(ctx, userID)
}

// RecordResolution credits a finished dispute to the moderator. upheld
// is false when the resolution was later overturned on appeal.
func (p *Pool) RecordResolution(ctx context.Context, userID string, took time.Duration, upheld bool) error {
	return p.store.RecordResolution(ctx, userID, took, upheld)
}
