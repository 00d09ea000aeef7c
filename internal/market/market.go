// Package market holds the order book: standing offers to buy or sell a
// fixed token amount at a fixed unit price. Sell orders escrow their
// full amount at creation; the matched portion is re-homed onto each
// trade by the trade service.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomascrow/peervault/internal/idgen"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/token"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotOpen     = errors.New("order is not open")
	ErrNotOrderOwner    = errors.New("caller does not own this order")
	ErrExceedsRemaining = errors.New("quantity exceeds remaining amount")
	ErrSelfTrade        = errors.New("cannot match own order")
	ErrInvalidOrder     = errors.New("invalid order")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Order is a standing offer. Amount and Remaining are token amounts;
// UnitPrice is fiat per token in Currency.
type Order struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Side         Side       `json:"side"`
	Token        string     `json:"token"`
	Amount       string     `json:"amount"`
	Remaining    string     `json:"remaining"`
	UnitPrice    string     `json:"unitPrice"`
	Currency     string     `json:"currency"`
	LockedAmount string     `json:"lockedAmount,omitempty"` // sell orders only
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// Open reports whether the order can still be matched.
func (o *Order) Open() bool {
	return o.Status == StatusActive || o.Status == StatusPartial
}

// Store persists orders. Claim and Close are conditional updates so
// concurrent matches cannot oversubscribe an order.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)

	// Claim atomically decrements Remaining (and LockedAmount for sell
	// orders) by qty, moving status to partial or filled. Returns the
	// updated order, ErrExceedsRemaining, or ErrOrderNotOpen.
	Claim(ctx context.Context, id, qty string) (*Order, error)

	// Restore re-adds qty to Remaining after an aborted match. Fails
	// with ErrOrderNotOpen if the order reached a terminal state.
	Restore(ctx context.Context, id, qty string) error

	// Close moves an open order to cancelled or expired, returning the
	// closed order (with its final Remaining) or ErrOrderNotOpen.
	Close(ctx context.Context, id string, status Status, at time.Time) (*Order, error)

	ListOpen(ctx context.Context, tok string, side Side, limit int) ([]*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)

	// ListOpenExpired returns open orders whose ExpiresAt has passed.
	ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

// EscrowService is the slice of the ledger the order book needs.
type EscrowService interface {
	Lock(ctx context.Context, userID, tok, amount, tradeRef string) (*ledger.Transaction, error)
	Refund(ctx context.Context, userID, tok, amount, tradeRef, reason string) (*ledger.Transaction, error)
}

// Service implements order book business logic.
type Service struct {
	store  Store
	escrow EscrowService
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, escrow EscrowService, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		escrow: escrow,
		ttl:    ttl,
		logger: logger.With("component", "market"),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create places an order. Sell orders lock their full amount against
// the order reference up front, so a sell offer is always backed.
func (s *Service) Create(ctx context.Context, userID string, side Side, tok, amount, unitPrice, currency string) (*Order, error) {
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, side)
	}
	if !token.IsPositive(amount) || !token.IsPositive(unitPrice) {
		return nil, fmt.Errorf("%w: amount and unit price must be positive", ErrInvalidOrder)
	}

	now := s.now().UTC()
	o := &Order{
		ID:        idgen.WithPrefix("ord_"),
		UserID:    userID,
		Side:      side,
		Token:     tok,
		Amount:    amount,
		Remaining: amount,
		UnitPrice: unitPrice,
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if side == SideSell {
		if _, err := s.escrow.Lock(ctx, userID, tok, amount, o.ID); err != nil {
			return nil, fmt.Errorf("locking sell escrow: %w", err)
		}
		o.LockedAmount = amount
	}

	if err := s.store.Create(ctx, o); err != nil {
		// Roll the lock back; the order never existed.
		if side == SideSell {
			if _, rerr := s.escrow.Refund(ctx, userID, tok, amount, o.ID, "order creation failed"); rerr != nil {
				s.logger.Error("stranded sell lock after failed order insert", "order", o.ID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("storing order: %w", err)
	}

	s.logger.Info("order created", "order", o.ID, "user", userID, "side", side, "token", tok, "amount", amount, "price", unitPrice)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListOpen(ctx context.Context, tok string, side Side, limit int) ([]*Order, error) {
	return s.store.ListOpen(ctx, tok, side, limit)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Claim reserves qty of an order for a trade. The caller owns undoing
// the claim (Restore) if the trade cannot be created.
func (s *Service) Claim(ctx context.Context, id, takerID, qty string) (*Order, error) {
	if !token.IsPositive(qty) {
		return nil, fmt.Errorf("%w: quantity %q", ErrInvalidOrder, qty)
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID == takerID {
		return nil, ErrSelfTrade
	}
	if !o.Open() {
		return nil, ErrOrderNotOpen
	}
	if o.ExpiresAt.Before(s.now().UTC()) {
		return nil, ErrOrderNotOpen
	}
	claimed, err := s.store.Claim(ctx, id, qty)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order claimed", "order", id, "taker", takerID, "qty", qty, "remaining", claimed.Remaining)
	return claimed, nil
}

// Restore returns a claimed quantity after an aborted trade.
func (s *Service) Restore(ctx context.Context, id, qty string) error {
	if err := s.store.Restore(ctx, id, qty); err != nil {
		return err
	}
	s.logger.Warn("order claim restored", "order", id, "qty", qty)
	return nil
}

// Cancel closes an order at the owner's request and refunds any
// still-locked sell escrow.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotOrderOwner
	}
	return s.close(ctx, o, StatusCancelled, "order cancelled")
}

// Expire closes an order past its ExpiresAt. Called by the cleanup
// worker; refunds remaining sell escrow like a cancellation.
func (s *Service) Expire(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.ExpiresAt.Before(s.now().UTC()) {
		return nil, fmt.Errorf("%w: order not yet expired", ErrOrderNotOpen)
	}
	return s.close(ctx, o, StatusExpired, "order expired")
}

// ListOpenExpired surfaces candidates for the cleanup worker.
func (s *Service) ListOpenExpired(ctx context.Context, limit int) ([]*Order, error) {
	return s.store.ListOpenExpired(ctx, s.now().UTC(), limit)
}

func (s *Service) close(ctx context.Context, o *Order, status Status, reason string) (*Order, error) {
	closed, err := s.store.Close(ctx, o.ID, status, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if closed.Side == SideSell && token.IsPositive(closed.Remaining) {
		// The refund is idempotent per order ref, so a cleanup retry
		// after a crash here is safe.
		if _, err := s.escrow.Refund(ctx, closed.UserID, closed.Token, closed.Remaining, closed.ID, reason); err != nil {
			s.logger.Error("refunding closed sell order failed", "order", closed.ID, "error", err)
			return closed, fmt.Errorf("refunding order escrow: %w", err)
		}
	}
	s.logger.Info("order closed", "order", closed.ID, "status", status, "remaining", closed.Remaining)
	return closed, nil
}
