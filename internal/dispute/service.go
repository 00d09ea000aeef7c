package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomascrow/peervault/internal/idgen"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/moderator"
	"github.com/tomascrow/peervault/internal/notify"
	"github.com/tomascrow/peervault/internal/token"
	"github.com/tomascrow/peervault/internal/trade"
)

// TradeWorkflow is the slice of the trade service the dispute workflow
// needs: reads plus atomic mutate-and-persist under the trade's lock.
type TradeWorkflow interface {
	Get(ctx context.Context, id string) (*trade.Trade, error)
	Mutate(ctx context.Context, id string, fn func(*trade.Trade) error) (*trade.Trade, error)
}

// EscrowService settles the escrow according to the resolution.
type EscrowService interface {
	Release(ctx context.Context, fromUser, toUser, tok, amount, tradeRef string, onChain bool) (*ledger.Transaction, error)
	Refund(ctx context.Context, userID, tok, amount, tradeRef, reason string) (*ledger.Transaction, error)
	Split(ctx context.Context, fromUser, toUser, tok, releaseAmount, refundAmount, tradeRef, reason string) error
}

// ModeratorPool hands out moderators and keeps their workload honest.
type ModeratorPool interface {
	Select(ctx context.Context, category trade.Category) (*moderator.Moderator, error)
	SelectSenior(ctx context.Context, category trade.Category, excluding string) (*moderator.Moderator, error)
	Release(ctx context.Context, userID string) error
	RecordResolution(ctx context.Context, userID string, took time.Duration, upheld bool) error
}

// Service runs the dispute workflow on top of the trade state machine.
type Service struct {
	trades   TradeWorkflow
	store    trade.Store // read models and escalation sweeps
	escrow   EscrowService
	pool     ModeratorPool
	logs     LogStore
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(trades TradeWorkflow, store trade.Store, escrow EscrowService, pool ModeratorPool, logs LogStore, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		trades:   trades,
		store:    store,
		escrow:   escrow,
		pool:     pool,
		logs:     logs,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "dispute"),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initiate opens a dispute on a trade. The trade moves to disputed and
// its escrow stays locked; no funds move until resolution. Moderator
// assignment is attempted immediately but the dispute stands without
// one, the escalation sweep keeps trying.
func (s *Service) Initiate(ctx context.Context, tradeID, userID string, category trade.Category, reason string, urgency trade.Priority) (*trade.Trade, error) {
	if !validCategories[category] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	var assigned *moderator.Moderator
	t, err := s.trades.Mutate(ctx, tradeID, func(t *trade.Trade) error {
		if !t.Participant(userID) {
			return fmt.Errorf("%w: only trade participants can open a dispute", trade.ErrUnauthorized)
		}
		if t.Dispute != nil {
			return trade.ErrAlreadyDisputed
		}
		if !trade.CanTransition(t.Status, trade.StatusDisputed) {
			return fmt.Errorf("%w: %s -> %s", trade.ErrInvalidTransition, t.Status, trade.StatusDisputed)
		}

		now := s.now().UTC()
		d := &trade.Dispute{
			Category:     category,
			Priority:     s.cfg.CalculatePriority(t.TotalValue, urgency, category),
			Status:       trade.DisputeOpen,
			InitiatorID:  userID,
			Reason:       reason,
			OpenedAt:     now,
			EscalateAt:   now.Add(s.cfg.EscalateAfter),
			LastActivity: map[string]time.Time{userID: now},
		}

		m, serr := s.pool.Select(ctx, category)
		switch {
		case serr == nil:
			d.ModeratorID = m.UserID
			d.Status = trade.DisputeInvestigating
			assigned = m
		case errors.Is(serr, moderator.ErrNoneAvailable):
			// Stays open and unassigned.
		default:
			return fmt.Errorf("selecting moderator: %w", serr)
		}

		t.Status = trade.StatusDisputed
		t.Dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(category)).Inc()
	s.append(ctx, &Log{
		TradeID:   t.ID,
		Actor:     userID,
		Action:    "dispute_initiated",
		PrevState: "",
		NewState:  string(t.Dispute.Status),
		Metadata: map[string]string{
			"category": string(category),
			"priority": string(t.Dispute.Priority),
			"reason":   reason,
		},
	})
	if assigned != nil {
		s.append(ctx, &Log{
			TradeID:  t.ID,
			Action:   "moderator_assigned",
			NewState: string(trade.DisputeInvestigating),
			Metadata: map[string]string{"moderator": assigned.UserID},
		})
		s.notifier.Notify(ctx, assigned.UserID, notify.Notification{
			Event:   "dispute.assigned",
			TradeID: t.ID,
			Message: fmt.Sprintf("You were assigned a %s priority %s dispute.", t.Dispute.Priority, category),
		})
	}
	s.logger.Info("dispute opened", "trade", t.ID, "initiator", userID, "category", category, "priority", t.Dispute.Priority, "moderator", t.Dispute.ModeratorID)

	other := t.BuyerID
	if userID == t.BuyerID {
		other = t.SellerID
	}
	s.notifier.Notify(ctx, other, notify.Notification{
		Event:   "dispute.opened",
		TradeID: t.ID,
		Message: fmt.Sprintf("The counterparty opened a %s dispute on trade %s. Submit your evidence.", category, t.ID),
		Actions: []string{notify.ActionContactSupport},
	})
	return t, nil
}

// SubmitEvidence appends evidence to the submitting participant's list.
// A dispute waiting on evidence flips back to under review.
func (s *Service) SubmitEvidence(ctx context.Context, tradeID, userID, evType, content, description string) (*trade.Trade, error) {
	var prev trade.DisputeStatus
	t, err := s.trades.Mutate(ctx, tradeID, func(t *trade.Trade) error {
		if !t.Participant(userID) {
			return fmt.Errorf("%w: only trade participants can submit evidence", trade.ErrUnauthorized)
		}
		d := t.Dispute
		if d == nil {
			return ErrNoDispute
		}
		if !d.Status.Active() {
			return fmt.Errorf("%w: dispute is %s", trade.ErrInvalidTransition, d.Status)
		}

		now := s.now().UTC()
		prev = d.Status
		d.Evidence = append(d.Evidence, trade.Evidence{
			UserID:      userID,
			Type:        evType,
			Content:     content,
			Description: description,
			SubmittedAt: now,
		})
		if d.LastActivity == nil {
			d.LastActivity = make(map[string]time.Time)
		}
		d.LastActivity[userID] = now
		if d.Status == trade.DisputeAwaitingEvidence {
			d.Status = trade.DisputeUnderReview
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.append(ctx, &Log{
		TradeID:   t.ID,
		Actor:     userID,
		Action:    "evidence_submitted",
		PrevState: string(prev),
		NewState:  string(t.Dispute.Status),
		Metadata:  map[string]string{"type": evType},
	})
	if t.Dispute.ModeratorID != "" {
		s.notifier.Notify(ctx, t.Dispute.ModeratorID, notify.Notification{
			Event:   "dispute.evidence",
			TradeID: t.ID,
			Message: fmt.Sprintf("New %s evidence on trade %s.", evType, t.ID),
		})
	}
	return t, nil
}

// RequestEvidence lets the assigned moderator put the dispute on hold
// until a participant responds.
func (s *Service) RequestEvidence(ctx context.Context, tradeID, moderatorID, fromUserID string) (*trade.Trade, error) {
	t, err := s.moderatorTransition(ctx, tradeID, moderatorID, trade.DisputeAwaitingEvidence, "evidence_requested")
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, fromUserID, notify.Notification{
		Event:   "dispute.evidence_requested",
		TradeID: t.ID,
		Message: "The moderator needs more evidence from you to proceed.",
	})
	return t, nil
}

// BeginReview moves an assigned dispute from investigating to under
// review once the moderator has taken it up.
func (s *Service) BeginReview(ctx context.Context, tradeID, moderatorID string) (*trade.Trade, error) {
	return s.moderatorTransition(ctx, tradeID, moderatorID, trade.DisputeUnderReview, "review_started")
}

func (s *Service) moderatorTransition(ctx context.Context, tradeID, moderatorID string, to trade.DisputeStatus, action string) (*trade.Trade, error) {
	var prev trade.DisputeStatus
	t, err := s.trades.Mutate(ctx, tradeID, func(t *trade.Trade) error {
		d := t.Dispute
		if d == nil {
			return ErrNoDispute
		}
		if d.ModeratorID == "" || d.ModeratorID != moderatorID {
			return fmt.Errorf("%w: only the assigned moderator can do this", trade.ErrUnauthorized)
		}
		if !d.Status.Active() || d.Status == to {
			return fmt.Errorf("%w: dispute is %s", trade.ErrInvalidTransition, d.Status)
		}
		prev = d.Status
		d.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.append(ctx, &Log{
		TradeID:   t.ID,
		Actor:     moderatorID,
		Action:    action,
		PrevState: string(prev),
		NewState:  string(to),
	})
	return t, nil
}

// Resolve settles the dispute. Exactly one financial settlement happens
// per trade; a second call finds the dispute resolved and is rejected.
//
//	buyer_wins             release the full escrow to the buyer, trade completed
//	seller_wins            refund the seller, trade cancelled
//	no_fault               refund the seller, trade cancelled
//	insufficient_evidence  refund the seller, trade cancelled
//	compromise             split: compensation to buyer, remainder to seller
func (s *Service) Resolve(ctx context.Context, tradeID, moderatorID string, outcome trade.Outcome, compensation, notes string) (*trade.Trade, error) {
	var prev trade.DisputeStatus
	t, err := s.trades.Mutate(ctx, tradeID, func(t *trade.Trade) error {
		d := t.Dispute
		if d == nil {
			return ErrNoDispute
		}
		if d.ModeratorID == "" || d.ModeratorID != moderatorID {
			return fmt.Errorf("%w: only the assigned moderator can resolve", trade.ErrUnauthorized)
		}
		if !d.Status.Active() {
			return fmt.Errorf("%w: dispute is %s", trade.ErrInvalidTransition, d.Status)
		}

		now := s.now().UTC()
		prev = d.Status
		if err := s.settle(ctx, t, outcome, compensation, notes); err != nil {
			return err
		}

		d.Status = trade.DisputeResolved
		d.ResolvedAt = &now
		d.Resolution = &trade.Resolution{
			Outcome:            outcome,
			CompensationAmount: compensation,
			Notes:              notes,
			ResolvedBy:         moderatorID,
			AppealDeadline:     now.Add(s.cfg.AppealWindow),
		}
		t.ClosedAt = &now
		if t.Status == trade.StatusCompleted {
			t.CompletedAt = &now
		}

		if err := s.pool.RecordResolution(ctx, moderatorID, now.Sub(d.OpenedAt), true); err != nil {
			s.logger.Warn("recording moderator resolution failed", "moderator", moderatorID, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	metrics.DisputeResolutionDuration.Observe(t.Dispute.ResolvedAt.Sub(t.Dispute.OpenedAt).Seconds())
	s.append(ctx, &Log{
		TradeID:   t.ID,
		Actor:     moderatorID,
		Action:    "dispute_resolved",
		PrevState: string(prev),
		NewState:  string(trade.DisputeResolved),
		Metadata: map[string]string{
			"outcome":      string(outcome),
			"compensation": compensation,
			"tradeStatus":  string(t.Status),
		},
	})
	s.logger.Info("dispute resolved", "trade", t.ID, "moderator", moderatorID, "outcome", outcome)

	deadline := t.Dispute.Resolution.AppealDeadline.Format(time.RFC3339)
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		s.notifier.Notify(ctx, userID, notify.Notification{
			Event:   "dispute.resolved",
			TradeID: t.ID,
			Message: fmt.Sprintf("The dispute was resolved as %s. You may contest the decision until %s.", outcome, deadline),
			Actions: []string{notify.ActionContactSupport},
		})
	}
	return t, nil
}

// settle performs the outcome's financial effect and moves the trade to
// its terminal state. Escrow operations are idempotent per trade ref,
// so a retry after a partial failure settles exactly once.
func (s *Service) settle(ctx context.Context, t *trade.Trade, outcome trade.Outcome, compensation, notes string) error {
	switch outcome {
	case trade.OutcomeBuyerWins:
		if _, err := s.escrow.Release(ctx, t.SellerID, t.BuyerID, t.Token, t.Amount, t.ID, false); err != nil {
			return fmt.Errorf("releasing escrow to buyer: %w", err)
		}
		t.Status = trade.StatusCompleted
		t.EscrowStatus = trade.EscrowReleased

	case trade.OutcomeSellerWins, trade.OutcomeNoFault, trade.OutcomeInsufficientEvidence:
		if _, err := s.escrow.Refund(ctx, t.SellerID, t.Token, t.Amount, t.ID, "dispute resolved: "+string(outcome)); err != nil {
			return fmt.Errorf("refunding escrow to seller: %w", err)
		}
		t.Status = trade.StatusCancelled
		t.EscrowStatus = trade.EscrowReturned

	case trade.OutcomeCompromise:
		if !token.IsPositive(compensation) || token.Cmp(compensation, t.Amount) >= 0 {
			return fmt.Errorf("%w: %q of %s", ErrInvalidCompensation, compensation, t.Amount)
		}
		remainder := token.Sub(t.Amount, compensation)
		if err := s.escrow.Split(ctx, t.SellerID, t.BuyerID, t.Token, compensation, remainder, t.ID, "dispute compromise: "+notes); err != nil {
			return fmt.Errorf("splitting escrow: %w", err)
		}
		t.Status = trade.StatusCompleted
		t.EscrowStatus = trade.EscrowCompromised

	default:
		return fmt.Errorf("%w: unknown outcome %q", trade.ErrInvalidTransition, outcome)
	}
	return nil
}

// SweepEscalations escalates every dispute past its deadline: the
// priority rises one level and a senior moderator takes over when one
// is available. Runs from the timer; each dispute fails independently.
func (s *Service) SweepEscalations(ctx context.Context, limit int) (escalated, failed int) {
	due, err := s.store.ListDisputesToEscalate(ctx, s.now().UTC(), limit)
	if err != nil {
		s.logger.Warn("listing disputes to escalate failed", "error", err)
		return 0, 0
	}
	for _, t := range due {
		if err := s.escalate(ctx, t.ID); err != nil {
			failed++
			s.logger.Warn("escalating dispute failed", "trade", t.ID, "error", err)
			continue
		}
		escalated++
	}
	return escalated, failed
}

func (s *Service) escalate(ctx context.Context, tradeID string) error {
	var (
		prevPriority  trade.Priority
		prevModerator string
		newModerator  string
	)
	t, err := s.trades.Mutate(ctx, tradeID, func(t *trade.Trade) error {
		d := t.Dispute
		if d == nil || !d.Status.Active() || d.EscalatedAt != nil {
			return fmt.Errorf("%w: dispute no longer due for escalation", trade.ErrInvalidTransition)
		}
		now := s.now().UTC()
		if now.Before(d.EscalateAt) {
			return fmt.Errorf("%w: escalation deadline not reached", trade.ErrInvalidTransition)
		}

		prevPriority = d.Priority
		prevModerator = d.ModeratorID
		d.Priority = d.Priority.Bump()
		d.EscalatedAt = &now

		senior, serr := s.pool.SelectSenior(ctx, d.Category, d.ModeratorID)
		switch {
		case serr == nil:
			if prevModerator != "" {
				if rerr := s.pool.Release(ctx, prevModerator); rerr != nil {
					s.logger.Warn("releasing previous moderator failed", "moderator", prevModerator, "error", rerr)
				}
			}
			d.ModeratorID = senior.UserID
			newModerator = senior.UserID
			if d.Status == trade.DisputeOpen {
				d.Status = trade.DisputeInvestigating
			}
		case errors.Is(serr, moderator.ErrNoneAvailable):
			// Priority still rises; the current assignee keeps it.
		default:
			return fmt.Errorf("selecting senior moderator: %w", serr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.DisputesEscalatedTotal.Inc()
	meta := map[string]string{
		"priority":     string(t.Dispute.Priority),
		"prevPriority": string(prevPriority),
	}
	if newModerator != "" {
		meta["moderator"] = newModerator
		meta["prevModerator"] = prevModerator
	}
	s.append(ctx, &Log{
		TradeID:  t.ID,
		Action:   "dispute_escalated",
		NewState: string(t.Dispute.Status),
		Metadata: meta,
	})
	if newModerator != "" {
		s.notifier.Notify(ctx, newModerator, notify.Notification{
			Event:   "dispute.assigned",
			TradeID: t.ID,
			Message: fmt.Sprintf("An escalated %s priority dispute was reassigned to you.", t.Dispute.Priority),
		})
	}
	return nil
}

// History returns the audit trail for a trade's dispute.
func (s *Service) History(ctx context.Context, tradeID string) ([]*Log, error) {
	return s.logs.ListByTrade(ctx, tradeID)
}

func (s *Service) Get(ctx context.Context, tradeID string) (*trade.Trade, error) {
	return s.trades.Get(ctx, tradeID)
}

// append writes an audit entry. Log failures never fail the operation
// that produced them.
func (s *Service) append(ctx context.Context, entry *Log) {
	entry.ID = idgen.WithPrefix("dsp_")
	entry.CreatedAt = s.now().UTC()
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error("appending dispute log failed", "trade", entry.TradeID, "action", entry.Action, "error", err)
	}
}
