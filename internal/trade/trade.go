// Package trade models a single P2P trade from order match to
// settlement, cancellation, or dispute. Trades progress through a
// strict state machine; every transition that moves money goes through
// the escrow manager, keyed by the trade ID so retries are no-ops.
package trade

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrInvalidTransition = errors.New("invalid trade state transition")
	ErrUnauthorized      = errors.New("actor is not permitted to perform this action")
	ErrAlreadyDisputed   = errors.New("trade already has an open dispute")
)

// Status is the trade lifecycle state.
type Status string

const (
	StatusMatched          Status = "matched"
	StatusEscrowLocked     Status = "escrow_locked"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentMade      Status = "payment_made"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
	StatusDisputed         Status = "disputed"
)

// Terminal reports whether no further transition is legal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// transitions is the legal state graph. Disputed is terminal for the
// trade's own flow; the dispute workflow closes it out.
var transitions = map[Status][]Status{
	StatusMatched:          {StatusEscrowLocked, StatusCancelled},
	StatusEscrowLocked:     {StatusPaymentPending, StatusCancelled, StatusExpired, StatusDisputed},
	StatusPaymentPending:   {StatusPaymentMade, StatusCancelled, StatusExpired, StatusDisputed},
	StatusPaymentMade:      {StatusPaymentConfirmed, StatusExpired, StatusDisputed},
	StatusPaymentConfirmed: {StatusCompleted},
	StatusDisputed:         {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EscrowStatus summarizes where the trade's escrowed funds ended up.
type EscrowStatus string

const (
	EscrowLocked      EscrowStatus = "locked"
	EscrowReleased    EscrowStatus = "released"
	EscrowReturned    EscrowStatus = "returned"
	EscrowCompromised EscrowStatus = "compromised"
)

// DisputeStatus is the embedded dispute's workflow state.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "open"
	DisputeInvestigating    DisputeStatus = "investigating"
	DisputeUnderReview      DisputeStatus = "under_review"
	DisputeAwaitingEvidence DisputeStatus = "awaiting_evidence"
	DisputeResolved         DisputeStatus = "resolved"
)

// Active reports whether the dispute can still accept evidence and be
// resolved.
func (s DisputeStatus) Active() bool {
	return s == DisputeOpen || s == DisputeInvestigating || s == DisputeUnderReview || s == DisputeAwaitingEvidence
}

// Category classifies what the dispute is about.
type Category string

const (
	CategoryPaymentNotReceived Category = "payment_not_received"
	CategoryPaymentNotSent     Category = "payment_not_sent"
	CategoryWrongAmount        Category = "wrong_amount"
	CategoryFraud              Category = "fraud"
	CategoryTechnicalIssue     Category = "technical_issue"
	CategoryOther              Category = "other"
)

// Priority is the dispute's handling urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for max() comparisons and escalation.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Bump raises the priority one level, capped at urgent.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// Evidence is one submitted item, attributed to a participant.
type Evidence struct {
	UserID      string    `json:"userId"`
	Type        string    `json:"type"` // screenshot, receipt, statement, text
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Outcome is a dispute resolution verdict.
type Outcome string

const (
	OutcomeBuyerWins            Outcome = "buyer_wins"
	OutcomeSellerWins           Outcome = "seller_wins"
	OutcomeCompromise           Outcome = "compromise"
	OutcomeNoFault              Outcome = "no_fault"
	OutcomeInsufficientEvidence Outcome = "insufficient_evidence"
)

// Resolution records how a dispute was closed.
type Resolution struct {
	Outcome            Outcome   `json:"outcome"`
	CompensationAmount string    `json:"compensationAmount,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	ResolvedBy         string    `json:"resolvedBy"`
	AppealDeadline     time.Time `json:"appealDeadline"`
}

// Dispute is the sub-document embedded on a disputed trade.
type Dispute struct {
	Category     Category             `json:"category"`
	Priority     Priority             `json:"priority"`
	Status       DisputeStatus        `json:"status"`
	InitiatorID  string               `json:"initiatorId"`
	Reason       string               `json:"reason"`
	ModeratorID  string               `json:"moderatorId,omitempty"`
	Evidence     []Evidence           `json:"evidence,omitempty"`
	Resolution   *Resolution          `json:"resolution,omitempty"`
	OpenedAt     time.Time            `json:"openedAt"`
	EscalateAt   time.Time            `json:"escalateAt"`
	EscalatedAt  *time.Time           `json:"escalatedAt,omitempty"`
	ResolvedAt   *time.Time           `json:"resolvedAt,omitempty"`
	LastActivity map[string]time.Time `json:"lastActivity,omitempty"` // per participant
}

// EvidenceFor returns the evidence list submitted by one participant.
func (d *Dispute) EvidenceFor(userID string) []Evidence {
	var out []Evidence
	for _, e := range d.Evidence {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Trade is a binding agreement between buyer and seller created from an
// order match. Amount is the token quantity; TotalValue is the fiat leg
// (Amount x UnitPrice in Currency), settled off-platform between the
// participants.
type Trade struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"orderId"`
	BuyerID      string       `json:"buyerId"`
	SellerID     string       `json:"sellerId"`
	Token        string       `json:"token"`
	Amount       string       `json:"amount"`
	UnitPrice    string       `json:"unitPrice"`
	Currency     string       `json:"currency"`
	TotalValue   string       `json:"totalValue"`
	Status       Status       `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`
	Dispute      *Dispute     `json:"dispute,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`   // payment window deadline
	TimeLimitAt   time.Time  `json:"timeLimitAt"` // overall trade deadline
	PaymentMadeAt *time.Time `json:"paymentMadeAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// Participant reports whether userID is the buyer or seller.
func (t *Trade) Participant(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Store persists trades. Update replaces the whole document; callers
// serialize per trade via the service's lock map.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)

	// ListExpired returns live trades past their deadline: trades
	// waiting on payment past ExpiresAt, and payment_made trades past
	// TimeLimitAt.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error)

	// ListDisputesToEscalate returns disputed trades whose escalation
	// deadline passed without an escalation.
	ListDisputesToEscalate(ctx context.Context, now time.Time, limit int) ([]*Trade, error)

	// ListDisputed returns every trade carrying a dispute, open or
	// resolved, newest dispute first. Feeds the statistics surface.
	ListDisputed(ctx context.Context, limit int) ([]*Trade, error)
}
