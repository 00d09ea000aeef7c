// Package notify delivers user-facing notifications for trade and
// dispute lifecycle events. Delivery is fire-and-forget: failures are
// logged, never retried synchronously, and never fail the operation
// that triggered them.
package notify

import (
	"context"
	"log/slog"
)

// Standard action labels surfaced alongside notifications. A payment
// confirmation prompt always carries the dispute and support actions so
// confirming is never the only path forward.
const (
	ActionConfirmReceipt = "confirm_receipt"
	ActionOpenDispute    = "open_dispute"
	ActionContactSupport = "contact_support"
	ActionMarkPaid       = "mark_paid"
	ActionCancelTrade    = "cancel_trade"
)

// Notification is a single user-facing event.
type Notification struct {
	Event   string   `json:"event"`
	TradeID string   `json:"tradeId,omitempty"`
	Message string   `json:"message"`
	Actions []string `json:"actions,omitempty"`
}

// Notifier delivers notifications. Implementations must not block the
// caller beyond trivial bookkeeping.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification)
}

// SlogNotifier writes notifications to the structured log. The default
// transport in development and the fallback in production.
type SlogNotifier struct {
	logger *slog.Logger
}

func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger.With("component", "notify")}
}

func (s *SlogNotifier) Notify(_ context.Context, userID string, n Notification) {
	s.logger.Info("notification", "user", userID, "event", n.Event, "trade", n.TradeID, "message", n.Message, "actions", n.Actions)
}

// Fanout delivers to every wrapped notifier.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, userID string, n Notification) {
	for _, notifier := range f {
		notifier.Notify(ctx, userID, n)
	}
}

var (
	_ Notifier = (*SlogNotifier)(nil)
	_ Notifier = (Fanout)(nil)
)
