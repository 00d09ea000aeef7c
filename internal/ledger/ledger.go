// Package ledger is the durable record of user balances and the escrow
// manager that mutates them.
//
// Every user holds, per token, an available balance (spendable) and a
// locked balance (held in active escrow). Balances move only through the
// Manager's lock/release/refund/adjust operations, each of which appends
// an immutable escrow transaction used for audit and reconciliation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tomascrow/peervault/internal/pagination"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient available funds")
	ErrInsufficientLocked = errors.New("insufficient locked funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNotFound           = errors.New("ledger record not found")
	ErrBalanceChanged     = errors.New("balance changed concurrently")
	ErrTransferPending    = errors.New("external transfer pending confirmation")
	ErrExternalTransfer   = errors.New("external transfer failed")
)

// Kind classifies a balance-affecting operation.
type Kind string

const (
	KindLock    Kind = "lock"
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
	KindAdjust  Kind = "adjust"
)

// TxStatus is the lifecycle state of an escrow transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// Balance is a user's per-token balance pair.
type Balance struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is an append-only escrow ledger entry. Immutable once
// completed; only the status may transition (pending -> completed/failed).
type Transaction struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	TradeRef     string     `json:"tradeRef,omitempty"` // order/trade/admin reference
	Kind         Kind       `json:"kind"`
	Token        string     `json:"token"`
	Amount       string     `json:"amount"` // signed only for adjust entries
	Counterparty string     `json:"counterparty,omitempty"`
	Status       TxStatus   `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	TransferHash string     `json:"transferHash,omitempty"` // chain tx hash when custody leg submitted
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Store persists balances and escrow transactions. Balance-mutating
// methods are atomic conditional updates: the precondition check and the
// mutation happen in one step so concurrent callers can never both pass
// against a stale value.
type Store interface {
	// GetBalance returns the balance pair, zero-valued if never seen.
	GetBalance(ctx context.Context, userID, tok string) (*Balance, error)

	// Credit adds to available (deposit sync, admin top-up).
	Credit(ctx context.Context, userID, tok, amount string) error

	// LockFunds atomically moves amount from available to locked.
	// Returns ErrInsufficientFunds when available < amount.
	LockFunds(ctx context.Context, userID, tok, amount string) error

	// SettleFunds atomically decrements from's locked and credits to's
	// available. Returns ErrInsufficientLocked when locked < amount.
	SettleFunds(ctx context.Context, fromUser, toUser, tok, amount string) error

	// ReturnFunds atomically moves amount from locked back to available
	// on the same user.
	ReturnFunds(ctx context.Context, userID, tok, amount string) error

	// UnlockFunds decrements locked without an internal credit (the
	// counterpart credit happened on the external ledger).
	UnlockFunds(ctx context.Context, userID, tok, amount string) error

	// AdjustAvailable applies a signed decimal delta to available.
	// Returns ErrInsufficientFunds if the result would be negative.
	AdjustAvailable(ctx context.Context, userID, tok, delta string) error

	// RebalanceCAS sets both columns iff they still hold the expected
	// values. Returns ErrBalanceChanged on a lost race.
	RebalanceCAS(ctx context.Context, userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked string) error

	// SumAllBalances returns platform-wide totals for a token.
	SumAllBalances(ctx context.Context, tok string) (available, locked string, err error)

	// SumOpenLocks recomputes a user's expected locked balance from the
	// transaction log: completed locks minus completed releases/refunds.
	SumOpenLocks(ctx context.Context, userID, tok string) (string, error)

	// ListBalances returns all balance records for a token.
	ListBalances(ctx context.Context, tok string, limit int) ([]*Balance, error)

	AppendTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	CompleteTransaction(ctx context.Context, id string, status TxStatus, completedAt time.Time) error

	// FindByRef returns the most recent non-failed transaction for a
	// (tradeRef, kind) pair, or ErrNotFound.
	FindByRef(ctx context.Context, tradeRef string, kind Kind) (*Transaction, error)

	// ListPendingTransfers returns pending transactions with a submitted
	// chain leg.
	ListPendingTransfers(ctx context.Context, limit int) ([]*Transaction, error)

	// ListStaleLocks returns completed lock entries created before the
	// given time whose reference has no later release or refund.
	ListStaleLocks(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	// History returns a user's transactions, newest first. A non-nil
	// cursor restricts results to entries strictly older than it.
	History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
}
