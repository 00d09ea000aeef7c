// Package dispute arbitrates trades that went wrong. A dispute is
// embedded on its trade; this package owns the workflow around it:
// initiation and priority, evidence collection, moderator assignment
// and escalation, and the resolution outcomes that settle the escrow.
// Every step is recorded in an append-only dispute log so the history
// survives independent of the mutable trade document.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/tomascrow/peervault/internal/token"
	"github.com/tomascrow/peervault/internal/trade"
)

var (
	ErrNoDispute           = errors.New("trade has no dispute")
	ErrInvalidCompensation = errors.New("compensation amount must be positive and below the escrowed amount")
	ErrInvalidCategory     = errors.New("unknown dispute category")
)

// Config carries the dispute policy knobs. Amounts are fiat trade
// values compared against the trade's total value.
type Config struct {
	UrgentAmount  string        // total value at or above this is urgent
	HighAmount    string        // ... high
	MediumAmount  string        // ... medium
	EscalateAfter time.Duration // SLA before auto-escalation
	AppealWindow  time.Duration // contest period after resolution
}

// DefaultConfig mirrors the production policy.
func DefaultConfig() Config {
	return Config{
		UrgentAmount:  "5000",
		HighAmount:    "1000",
		MediumAmount:  "100",
		EscalateAfter: 24 * time.Hour,
		AppealWindow:  72 * time.Hour,
	}
}

// validCategories gates caller-supplied categories at the boundary.
var validCategories = map[trade.Category]bool{
	trade.CategoryPaymentNotReceived: true,
	trade.CategoryPaymentNotSent:     true,
	trade.CategoryWrongAmount:        true,
	trade.CategoryFraud:              true,
	trade.CategoryTechnicalIssue:     true,
	trade.CategoryOther:              true,
}

// CalculatePriority is the deterministic max over three independent
// signals: trade value thresholds, the caller's urgency, and the
// category floor (fraud is always urgent, technical issues at least
// high). The result is never below any single input.
func (c Config) CalculatePriority(totalValue string, urgency trade.Priority, category trade.Category) trade.Priority {
	best := urgency
	if amount := c.amountPriority(totalValue); amount.Rank() > best.Rank() {
		best = amount
	}
	if cat := categoryPriority(category); cat.Rank() > best.Rank() {
		best = cat
	}
	if best.Rank() < trade.PriorityLow.Rank() {
		return trade.PriorityLow
	}
	return best
}

func (c Config) amountPriority(totalValue string) trade.Priority {
	switch {
	case token.Cmp(totalValue, c.UrgentAmount) >= 0:
		return trade.PriorityUrgent
	case token.Cmp(totalValue, c.HighAmount) >= 0:
		return trade.PriorityHigh
	case token.Cmp(totalValue, c.MediumAmount) >= 0:
		return trade.PriorityMedium
	default:
		return trade.PriorityLow
	}
}

func categoryPriority(category trade.Category) trade.Priority {
	switch category {
	case trade.CategoryFraud:
		return trade.PriorityUrgent
	case trade.CategoryTechnicalIssue:
		return trade.PriorityHigh
	default:
		return trade.PriorityLow
	}
}

// Log is one append-only audit entry. Actor is empty for system
// actions such as auto-escalation.
type Log struct {
	ID        string            `json:"id"`
	TradeID   string            `json:"tradeId"`
	Actor     string            `json:"actor,omitempty"`
	Action    string            `json:"action"`
	PrevState string            `json:"prevState,omitempty"`
	NewState  string            `json:"newState,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// LogStore is the append-only audit trail. Entries are never mutated.
type LogStore interface {
	Append(ctx context.Context, entry *Log) error
	ListByTrade(ctx context.Context, tradeID string) ([]*Log, error)
	ListRecent(ctx context.Context, limit int) ([]*Log, error)
}
