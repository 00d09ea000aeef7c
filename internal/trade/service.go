package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomascrow/peervault/internal/idgen"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/market"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/notify"
	"github.com/tomascrow/peervault/internal/token"
)

// EscrowService is the slice of the ledger the trade engine needs.
type EscrowService interface {
	Lock(ctx context.Context, userID, tok, amount, tradeRef string) (*ledger.Transaction, error)
	Release(ctx context.Context, fromUser, toUser, tok, amount, tradeRef string, onChain bool) (*ledger.Transaction, error)
	Refund(ctx context.Context, userID, tok, amount, tradeRef, reason string) (*ledger.Transaction, error)
	Rehome(ctx context.Context, userID, tok, amount, fromRef, toRef string) (*ledger.Transaction, error)
}

// OrderBook is the slice of the market the trade engine needs.
type OrderBook interface {
	Claim(ctx context.Context, id, takerID, qty string) (*market.Order, error)
	Restore(ctx context.Context, id, qty string) error
}

// Config carries the trade timing policy.
type Config struct {
	PaymentWindow  time.Duration // buyer must mark paid within this
	TradeTimeLimit time.Duration // overall deadline from creation
}

// Service drives the trade state machine.
type Service struct {
	store    Store
	escrow   EscrowService
	orders   OrderBook
	notifier notify.Notifier
	cfg      Config
	locks    sync.Map // per-trade ID locks
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, escrow EscrowService, orders OrderBook, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		escrow:   escrow,
		orders:   orders,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "trade"),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) lockTrade(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create matches a taker against a standing order and opens the trade.
// The seller's tokens are escrowed under the trade before the trade is
// persisted: a sell order's existing lock is re-homed, a buy order
// makes the taker-seller lock fresh funds. InsufficientFunds aborts the
// match and the claimed quantity is restored to the order.
func (s *Service) Create(ctx context.Context, orderID, takerID, qty string) (*Trade, error) {
	o, err := s.orders.Claim(ctx, orderID, takerID, qty)
	if err != nil {
		return nil, err
	}

	var buyerID, sellerID string
	if o.Side == market.SideSell {
		sellerID, buyerID = o.UserID, takerID
	} else {
		buyerID, sellerID = o.UserID, takerID
	}

	now := s.now().UTC()
	t := &Trade{
		ID:           idgen.WithPrefix("trd_"),
		OrderID:      o.ID,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		Token:        o.Token,
		Amount:       qty,
		UnitPrice:    o.UnitPrice,
		Currency:     o.Currency,
		TotalValue:   token.Mul(qty, o.UnitPrice),
		Status:       StatusMatched,
		EscrowStatus: EscrowLocked,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.PaymentWindow),
		TimeLimitAt:  now.Add(s.cfg.TradeTimeLimit),
	}

	if o.Side == market.SideSell {
		_, err = s.escrow.Rehome(ctx, sellerID, o.Token, qty, o.ID, t.ID)
	} else {
		_, err = s.escrow.Lock(ctx, sellerID, o.Token, qty, t.ID)
	}
	if err != nil {
		if rerr := s.orders.Restore(ctx, o.ID, qty); rerr != nil {
			s.logger.Error("restoring order after failed escrow", "order", o.ID, "error", rerr)
		}
		return nil, fmt.Errorf("escrowing trade funds: %w", err)
	}

	// Funds are held; the trade is immediately awaiting payment.
	t.Status = StatusPaymentPending
	if err := s.store.Create(ctx, t); err != nil {
		if _, rerr := s.escrow.Refund(ctx, sellerID, o.Token, qty, t.ID, "trade creation failed"); rerr != nil {
			s.logger.Error("stranded trade lock after failed insert", "trade", t.ID, "error", rerr)
		}
		if rerr := s.orders.Restore(ctx, o.ID, qty); rerr != nil {
			s.logger.Error("restoring order after failed insert", "order", o.ID, "error", rerr)
		}
		return nil, fmt.Errorf("storing trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(string(StatusPaymentPending)).Inc()
	s.logger.Info("trade created", "trade", t.ID, "order", o.ID, "buyer", buyerID, "seller", sellerID, "amount", qty)

	s.notifier.Notify(ctx, buyerID, notify.Notification{
		Event:   "trade.created",
		TradeID: t.ID,
		Message: fmt.Sprintf("Trade opened for %s %s. Send %s %s to the seller and mark the payment as made before the window closes.", qty, t.Token, t.TotalValue, t.Currency),
		Actions: []string{notify.ActionMarkPaid, notify.ActionCancelTrade},
	})
	s.notifier.Notify(ctx, sellerID, notify.Notification{
		Event:   "trade.created",
		TradeID: t.ID,
		Message: fmt.Sprintf("Your %s %s is escrowed for trade %s. Wait for the buyer's payment.", qty, t.Token, t.ID),
	})
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// MarkPaymentMade records the buyer's assertion that the fiat payment
// was sent. The seller is warned to verify receipt before confirming
// and always gets dispute and support actions alongside confirm.
func (s *Service) MarkPaymentMade(ctx context.Context, id, userID string) (*Trade, error) {
	unlock := s.lockTrade(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != t.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can mark payment made", ErrUnauthorized)
	}
	if t.Status != StatusPaymentPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusPaymentMade)
	}

	now := s.now().UTC()
	t.Status = StatusPaymentMade
	t.PaymentMadeAt = &now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(string(StatusPaymentMade)).Inc()
	s.logger.Info("payment marked made", "trade", t.ID, "buyer", userID)
	s.notifier.Notify(ctx, t.SellerID, notify.Notification{
		Event:   "trade.payment_made",
		TradeID: t.ID,
		Message: fmt.Sprintf("The buyer reports sending %s %s. Verify the money actually arrived in your account before confirming. If anything looks wrong, open a dispute instead.", t.TotalValue, t.Currency),
		Actions: []string{notify.ActionConfirmReceipt, notify.ActionOpenDispute, notify.ActionContactSupport},
	})
	return t, nil
}

// ConfirmPayment is the seller acknowledging receipt of the fiat leg.
// It releases the escrow to the buyer and completes the trade.
func (s *Service) ConfirmPayment(ctx context.Context, id, userID string) (*Trade, error) {
	unlock := s.lockTrade(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != t.SellerID {
		return nil, fmt.Errorf("%w: only the seller can confirm receipt", ErrUnauthorized)
	}
	if t.Status != StatusPaymentMade {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusPaymentConfirmed)
	}

	if _, err := s.escrow.Release(ctx, t.SellerID, t.BuyerID, t.Token, t.Amount, t.ID, false); err != nil {
		return nil, fmt.Errorf("releasing escrow: %w", err)
	}

	now := s.now().UTC()
	t.Status = StatusCompleted
	t.EscrowStatus = EscrowReleased
	t.CompletedAt = &now
	t.ClosedAt = &now
	if err := s.store.Update(ctx, t); err != nil {
		// The release already happened; replays are idempotent so the
		// cleanup worker can converge the record.
		s.logger.Error("updating completed trade failed", "trade", t.ID, "error", err)
		return nil, fmt.Errorf("updating trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	s.logger.Info("trade completed", "trade", t.ID, "seller", userID)

	s.notifier.Notify(ctx, t.BuyerID, notify.Notification{
		Event:   "trade.completed",
		TradeID: t.ID,
		Message: fmt.Sprintf("The seller confirmed your payment. %s %s has been credited to your balance.", t.Amount, t.Token),
	})
	s.notifier.Notify(ctx, t.SellerID, notify.Notification{
		Event:   "trade.completed",
		TradeID: t.ID,
		Message: "Trade completed. The escrowed tokens were released to the buyer.",
	})
	return t, nil
}

// Cancel closes the trade before any payment claim and refunds the
// seller. After the buyer marks payment made, cancellation is no longer
// available; disputes take over.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Trade, error) {
	unlock := s.lockTrade(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Participant(userID) {
		return nil, fmt.Errorf("%w: only trade participants can cancel", ErrUnauthorized)
	}
	if t.Status != StatusEscrowLocked && t.Status != StatusPaymentPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCancelled)
	}

	if err := s.closeWithRefund(ctx, t, StatusCancelled, "trade cancelled by "+userID); err != nil {
		return nil, err
	}
	s.notifyClosed(ctx, t, "The trade was cancelled. Escrowed tokens were returned to the seller.")
	return t, nil
}

// Expire force-closes a trade past its deadline, refunding the seller.
// Invoked by the sweep timer and re-checked by the cleanup worker.
func (s *Service) Expire(ctx context.Context, id string) (*Trade, error) {
	unlock := s.lockTrade(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.deadlinePassed(t, s.now().UTC()) {
		return nil, fmt.Errorf("%w: trade deadline not reached", ErrInvalidTransition)
	}

	if err := s.closeWithRefund(ctx, t, StatusExpired, "trade expired"); err != nil {
		return nil, err
	}
	s.notifyClosed(ctx, t, "The trade expired before completion. Escrowed tokens were returned to the seller.")
	return t, nil
}

// deadlinePassed is the pure expiry rule: payment window for trades
// still waiting on the buyer, the overall limit once payment is
// claimed. Disputed and terminal trades never expire here.
func (s *Service) deadlinePassed(t *Trade, now time.Time) bool {
	switch t.Status {
	case StatusEscrowLocked, StatusPaymentPending:
		return now.After(t.ExpiresAt)
	case StatusPaymentMade:
		return now.After(t.TimeLimitAt)
	default:
		return false
	}
}

func (s *Service) closeWithRefund(ctx context.Context, t *Trade, status Status, reason string) error {
	if !CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	if _, err := s.escrow.Refund(ctx, t.SellerID, t.Token, t.Amount, t.ID, reason); err != nil {
		return fmt.Errorf("refunding escrow: %w", err)
	}
	now := s.now().UTC()
	t.Status = status
	t.EscrowStatus = EscrowReturned
	t.ClosedAt = &now
	if err := s.store.Update(ctx, t); err != nil {
		return fmt.Errorf("updating trade: %w", err)
	}
	metrics.TradesTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("trade closed", "trade", t.ID, "status", status, "reason", reason)
	return nil
}

func (s *Service) notifyClosed(ctx context.Context, t *Trade, msg string) {
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		s.notifier.Notify(ctx, userID, notify.Notification{
			Event:   "trade." + string(t.Status),
			TradeID: t.ID,
			Message: msg,
		})
	}
}

// SweepExpired expires every live trade past its deadline. Each trade
// is handled independently; one failure never aborts the batch.
func (s *Service) SweepExpired(ctx context.Context, limit int) (expired, failed int) {
	candidates, err := s.store.ListExpired(ctx, s.now().UTC(), limit)
	if err != nil {
		s.logger.Warn("listing expired trades failed", "error", err)
		return 0, 0
	}
	for _, t := range candidates {
		if _, err := s.Expire(ctx, t.ID); err != nil {
			failed++
			s.logger.Warn("expiring trade failed", "trade", t.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, failed
}

// ListOverdue returns non-terminal trades whose deadline has already
// passed. The admin surface uses it to spot trades the sweep keeps
// failing on.
func (s *Service) ListOverdue(ctx context.Context, limit int) ([]*Trade, error) {
	return s.store.ListExpired(ctx, s.now().UTC(), limit)
}

// Mutate runs fn against the trade under its lock and persists the
// result. The dispute workflow uses it for transitions that must be
// atomic with respect to the trade's own state machine.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*Trade) error) (*Trade, error) {
	unlock := s.lockTrade(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating trade: %w", err)
	}
	return t, nil
}

// StoreView exposes the underlying store for read-model and sweep
// queries made by collaborating workflows.
func (s *Service) StoreView() Store {
	return s.store
}
