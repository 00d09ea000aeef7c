package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/directory"
	"github.com/tomascrow/peervault/internal/idgen"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/pagination"
	"github.com/tomascrow/peervault/internal/syncutil"
	"github.com/tomascrow/peervault/internal/token"
)

// Manager is the escrow manager. All balance mutations funnel through it:
// it serializes per-user+token access, enforces idempotency by operation
// reference, and records every movement as an escrow transaction.
type Manager struct {
	store  Store
	chain  chain.Client       // nil when custody is disabled
	dir    directory.Resolver // required only for on-chain release
	locks  syncutil.ShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithChain enables the external custody leg on release.
func WithChain(c chain.Client, dir directory.Resolver) Option {
	return func(m *Manager) {
		m.chain = c
		m.dir = dir
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func balanceKey(userID, tok string) string {
	return userID + "/" + tok
}

// GetBalance returns the balance pair for a user and token.
func (m *Manager) GetBalance(ctx context.Context, userID, tok string) (*Balance, error) {
	return m.store.GetBalance(ctx, userID, tok)
}

// History returns a user's escrow transactions, newest first. A non-nil
// cursor resumes from a previous page.
func (m *Manager) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	return m.store.History(ctx, userID, before, limit)
}

// Credit adds to a user's available balance, recording an adjust entry.
// ref makes repeated deposit notifications idempotent.
func (m *Manager) Credit(ctx context.Context, userID, tok, amount, ref, reason string) (*Transaction, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	// The replay check must sit inside the critical section: two retried
	// deposits with the same ref would otherwise both miss the prior
	// entry and both credit.
	if ref != "" {
		if prev, err := m.store.FindByRef(ctx, ref, KindAdjust); err == nil && prev.Status == TxCompleted {
			return prev, nil
		}
	}

	if err := m.store.Credit(ctx, userID, tok, token.Format(amt)); err != nil {
		return nil, fmt.Errorf("crediting %s: %w", userID, err)
	}
	tx := m.record(ctx, userID, ref, KindAdjust, tok, token.Format(amt), "", reason, TxCompleted)
	m.logger.Info("balance credited", "user", userID, "token", tok, "amount", token.Format(amt), "ref", ref)
	return tx, nil
}

// Lock moves amount from a user's available balance to locked, held under
// tradeRef. Re-invoking with the same tradeRef is a no-op returning the
// original entry.
func (m *Manager) Lock(ctx context.Context, userID, tok, amount, tradeRef string) (*Transaction, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		metrics.EscrowOpsTotal.WithLabelValues("lock", "invalid").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	if prev, err := m.store.FindByRef(ctx, tradeRef, KindLock); err == nil && prev.Status == TxCompleted {
		return prev, nil
	}

	if err := m.store.LockFunds(ctx, userID, tok, token.Format(amt)); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("lock", "failed").Inc()
		return nil, fmt.Errorf("locking funds for %s: %w", userID, err)
	}
	tx := m.record(ctx, userID, tradeRef, KindLock, tok, token.Format(amt), "", "", TxCompleted)
	metrics.EscrowOpsTotal.WithLabelValues("lock", "ok").Inc()
	m.logger.Info("funds locked", "user", userID, "token", tok, "amount", token.Format(amt), "ref", tradeRef)
	return tx, nil
}

// Release settles escrowed funds to the counterparty. When onChain is
// set and custody is configured, the tokens leave the platform wallet:
// the transaction stays pending and the seller's locked balance is only
// decremented once the transfer confirms.
func (m *Manager) Release(ctx context.Context, fromUser, toUser, tok, amount, tradeRef string, onChain bool) (*Transaction, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		metrics.EscrowOpsTotal.WithLabelValues("release", "invalid").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	unlock := m.locks.LockPair(balanceKey(fromUser, tok), balanceKey(toUser, tok))
	defer unlock()

	if prev, err := m.store.FindByRef(ctx, tradeRef, KindRelease); err == nil {
		switch prev.Status {
		case TxCompleted:
			return prev, nil
		case TxPending:
			return prev, ErrTransferPending
		}
	}

	if onChain && m.chain != nil {
		// Still under the shard lock, so a concurrent release of the
		// same ref cannot submit a second transfer.
		return m.releaseOnChain(ctx, fromUser, toUser, tok, amt, tradeRef)
	}

	if err := m.store.SettleFunds(ctx, fromUser, toUser, tok, token.Format(amt)); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("release", "failed").Inc()
		return nil, fmt.Errorf("settling %s -> %s: %w", fromUser, toUser, err)
	}
	tx := m.record(ctx, fromUser, tradeRef, KindRelease, tok, token.Format(amt), toUser, "", TxCompleted)
	metrics.EscrowOpsTotal.WithLabelValues("release", "ok").Inc()
	m.logger.Info("escrow released", "from", fromUser, "to", toUser, "token", tok, "amount", token.Format(amt), "ref", tradeRef)
	return tx, nil
}

func (m *Manager) releaseOnChain(ctx context.Context, fromUser, toUser, tok string, amt *big.Int, tradeRef string) (*Transaction, error) {
	if m.dir == nil {
		return nil, chain.ErrNotConfigured
	}
	user, err := m.dir.Resolve(ctx, toUser)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", toUser, err)
	}
	if user.Address == "" {
		return nil, fmt.Errorf("%s has no linked address: %w", toUser, directory.ErrUserNotFound)
	}

	// Verify the locked balance covers the transfer before submitting;
	// the decrement itself waits for confirmation.
	bal, err := m.store.GetBalance(ctx, fromUser, tok)
	if err != nil {
		return nil, err
	}
	if token.Cmp(bal.Locked, token.Format(amt)) < 0 {
		metrics.EscrowOpsTotal.WithLabelValues("release", "failed").Inc()
		return nil, ErrInsufficientLocked
	}

	hash, err := m.chain.Transfer(ctx, user.Address, amt)
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("release", "failed").Inc()
		return nil, fmt.Errorf("submitting transfer: %w", err)
	}

	tx := &Transaction{
		ID:           idgen.WithPrefix("etx_"),
		UserID:       fromUser,
		TradeRef:     tradeRef,
		Kind:         KindRelease,
		Token:        tok,
		Amount:       token.Format(amt),
		Counterparty: toUser,
		Status:       TxPending,
		TransferHash: hash,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.AppendTransaction(ctx, tx); err != nil {
		m.logger.Error("recording pending transfer failed", "hash", hash, "error", err)
		return nil, err
	}
	metrics.EscrowOpsTotal.WithLabelValues("release", "pending").Inc()
	metrics.PendingTransfers.Inc()
	m.logger.Info("on-chain release submitted", "from", fromUser, "to", toUser, "hash", hash, "ref", tradeRef)
	return tx, nil
}

// Refund returns escrowed funds to their owner. Idempotent per tradeRef.
func (m *Manager) Refund(ctx context.Context, userID, tok, amount, tradeRef, reason string) (*Transaction, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "invalid").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	if prev, err := m.store.FindByRef(ctx, tradeRef, KindRefund); err == nil && prev.Status == TxCompleted {
		return prev, nil
	}

	if err := m.store.ReturnFunds(ctx, userID, tok, token.Format(amt)); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, fmt.Errorf("refunding %s: %w", userID, err)
	}
	tx := m.record(ctx, userID, tradeRef, KindRefund, tok, token.Format(amt), "", reason, TxCompleted)
	metrics.EscrowOpsTotal.WithLabelValues("refund", "ok").Inc()
	m.logger.Info("escrow refunded", "user", userID, "token", tok, "amount", token.Format(amt), "ref", tradeRef, "reason", reason)
	return tx, nil
}

// Split settles part of an escrow lock to the counterparty and returns
// the remainder to the owner. Used by dispute compromise resolutions.
// Each leg is independently idempotent per tradeRef.
func (m *Manager) Split(ctx context.Context, fromUser, toUser, tok, releaseAmount, refundAmount, tradeRef, reason string) error {
	if _, err := m.Release(ctx, fromUser, toUser, tok, releaseAmount, tradeRef, false); err != nil {
		return err
	}
	if _, err := m.Refund(ctx, fromUser, tok, refundAmount, tradeRef, reason); err != nil {
		return err
	}
	return nil
}

// Rehome moves part of an escrow hold from one reference to another,
// typically from a sell order onto the trade matched against it. The
// funds never touch available: the shard lock is held across the return
// and re-lock so nothing can spend them in between. Idempotent per toRef.
func (m *Manager) Rehome(ctx context.Context, userID, tok, amount, fromRef, toRef string) (*Transaction, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	if prev, err := m.store.FindByRef(ctx, toRef, KindLock); err == nil && prev.Status == TxCompleted {
		return prev, nil
	}

	if err := m.store.ReturnFunds(ctx, userID, tok, token.Format(amt)); err != nil {
		return nil, fmt.Errorf("unhoming %s from %s: %w", token.Format(amt), fromRef, err)
	}
	if err := m.store.LockFunds(ctx, userID, tok, token.Format(amt)); err != nil {
		// Cannot happen: we just returned at least this much to available
		// under the shard lock. Recorded loudly if it ever does.
		m.logger.Error("rehome re-lock failed", "user", userID, "ref", toRef, "error", err)
		return nil, err
	}
	m.record(ctx, userID, fromRef+"/rehome/"+toRef, KindRefund, tok, token.Format(amt), "", "rehomed to "+toRef, TxCompleted)
	tx := m.record(ctx, userID, toRef, KindLock, tok, token.Format(amt), "", "rehomed from "+fromRef, TxCompleted)
	metrics.EscrowOpsTotal.WithLabelValues("lock", "ok").Inc()
	m.logger.Info("escrow rehomed", "user", userID, "token", tok, "amount", token.Format(amt), "from", fromRef, "to", toRef)
	return tx, nil
}

// AdminAdjust applies a signed correction to a user's available balance.
// ref identifies the correction so replays are no-ops.
func (m *Manager) AdminAdjust(ctx context.Context, userID, tok, delta, ref, reason string) (*Transaction, error) {
	d, ok := token.ParseSigned(delta)
	if !ok || d.Sign() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, delta)
	}
	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	if ref != "" {
		if prev, err := m.store.FindByRef(ctx, ref, KindAdjust); err == nil && prev.Status == TxCompleted {
			return prev, nil
		}
	}

	if err := m.store.AdjustAvailable(ctx, userID, tok, token.Format(d)); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("adjust", "failed").Inc()
		return nil, fmt.Errorf("adjusting %s: %w", userID, err)
	}
	tx := m.record(ctx, userID, ref, KindAdjust, tok, token.Format(d), "", reason, TxCompleted)
	metrics.EscrowOpsTotal.WithLabelValues("adjust", "ok").Inc()
	m.logger.Warn("admin adjustment applied", "user", userID, "token", tok, "delta", token.Format(d), "ref", ref, "reason", reason)
	return tx, nil
}

// Rebalance rewrites a user's balance pair if it still matches the
// observed values. The correcting adjust entry carries the signed
// delta between the new and expected totals, so the journal alone can
// reconstruct the balance. The reconciliation worker uses it to
// correct drift without clobbering a concurrent mutation.
func (m *Manager) Rebalance(ctx context.Context, userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked, reason string) error {
	na, ok1 := token.Parse(newAvailable)
	nl, ok2 := token.Parse(newLocked)
	ea, ok3 := token.Parse(expectedAvailable)
	el, ok4 := token.Parse(expectedLocked)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ErrInvalidAmount
	}
	delta := new(big.Int).Sub(new(big.Int).Add(na, nl), new(big.Int).Add(ea, el))

	unlock := m.locks.Lock(balanceKey(userID, tok))
	defer unlock()

	if err := m.store.RebalanceCAS(ctx, userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked); err != nil {
		return err
	}
	m.record(ctx, userID, "", KindAdjust, tok, token.Format(delta), "", reason, TxCompleted)
	m.logger.Warn("balance rebalanced", "user", userID, "token", tok,
		"available", newAvailable, "locked", newLocked, "delta", token.Format(delta), "reason", reason)
	return nil
}

// OpenLocks recomputes a user's expected locked balance from the
// journal. The reconciliation worker reports it alongside the stored
// counter when investigating drift.
func (m *Manager) OpenLocks(ctx context.Context, userID, tok string) (string, error) {
	return m.store.SumOpenLocks(ctx, userID, tok)
}

// PendingTransfers implements chain.TransferResolver.
func (m *Manager) PendingTransfers(ctx context.Context, limit int) ([]chain.PendingTransfer, error) {
	txs, err := m.store.ListPendingTransfers(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]chain.PendingTransfer, 0, len(txs))
	for _, tx := range txs {
		out = append(out, chain.PendingTransfer{TxID: tx.ID, Hash: tx.TransferHash})
	}
	return out, nil
}

// ResolveTransfer implements chain.TransferResolver. On confirmation the
// seller's locked balance is decremented; the tokens now live on the
// external ledger so no internal credit happens. On failure the lock is
// left intact for a retry or refund.
func (m *Manager) ResolveTransfer(ctx context.Context, txID string, confirmed bool) error {
	tx, err := m.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != TxPending {
		return nil
	}

	unlock := m.locks.Lock(balanceKey(tx.UserID, tx.Token))
	defer unlock()

	if !confirmed {
		if err := m.store.CompleteTransaction(ctx, txID, TxFailed, m.now().UTC()); err != nil {
			return err
		}
		metrics.PendingTransfers.Dec()
		metrics.EscrowOpsTotal.WithLabelValues("release", "failed").Inc()
		m.logger.Error("on-chain transfer failed", "tx", txID, "hash", tx.TransferHash, "user", tx.UserID)
		return nil
	}

	if err := m.store.UnlockFunds(ctx, tx.UserID, tx.Token, tx.Amount); err != nil {
		return fmt.Errorf("unlocking after confirmed transfer %s: %w", txID, err)
	}
	if err := m.store.CompleteTransaction(ctx, txID, TxCompleted, m.now().UTC()); err != nil {
		return err
	}
	metrics.PendingTransfers.Dec()
	metrics.EscrowOpsTotal.WithLabelValues("release", "ok").Inc()
	m.logger.Info("on-chain transfer confirmed", "tx", txID, "hash", tx.TransferHash, "user", tx.UserID)
	return nil
}

// LockedFor returns the completed lock entry for a reference, or
// ErrNotFound. Trade and dispute flows use it to read the escrowed
// amount without trusting caller input.
func (m *Manager) LockedFor(ctx context.Context, tradeRef string) (*Transaction, error) {
	tx, err := m.store.FindByRef(ctx, tradeRef, KindLock)
	if err != nil {
		return nil, err
	}
	if tx.Status != TxCompleted {
		return nil, ErrNotFound
	}
	return tx, nil
}

// StaleLocks returns completed locks older than before whose reference
// never settled. The reconciliation worker decides what to do with
// each.
func (m *Manager) StaleLocks(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	return m.store.ListStaleLocks(ctx, before, limit)
}

// Balances returns all balance records for a token, for drift audits.
func (m *Manager) Balances(ctx context.Context, tok string, limit int) ([]*Balance, error) {
	return m.store.ListBalances(ctx, tok, limit)
}

// Released reports whether a reference has already settled or refunded.
func (m *Manager) Released(ctx context.Context, tradeRef string) bool {
	if tx, err := m.store.FindByRef(ctx, tradeRef, KindRelease); err == nil && tx.Status == TxCompleted {
		return true
	}
	if tx, err := m.store.FindByRef(ctx, tradeRef, KindRefund); err == nil && tx.Status == TxCompleted {
		return true
	}
	return false
}

// Conservation compares the platform's recorded totals against the
// custody wallet balance. external is nil when custody is disabled.
func (m *Manager) Conservation(ctx context.Context, tok string) (internal, external *big.Int, err error) {
	avail, locked, err := m.store.SumAllBalances(ctx, tok)
	if err != nil {
		return nil, nil, err
	}
	a, ok := token.Parse(avail)
	if !ok {
		return nil, nil, fmt.Errorf("corrupt available total %q", avail)
	}
	l, ok := token.Parse(locked)
	if !ok {
		return nil, nil, fmt.Errorf("corrupt locked total %q", locked)
	}
	internal = new(big.Int).Add(a, l)

	if m.chain == nil {
		return internal, nil, nil
	}
	custody, ok2 := m.chain.(interface{ CustodyAddress() string })
	if !ok2 {
		return internal, nil, nil
	}
	external, err = m.chain.BalanceOf(ctx, custody.CustodyAddress())
	if err != nil {
		return internal, nil, fmt.Errorf("reading custody balance: %w", err)
	}
	return internal, external, nil
}

func (m *Manager) record(ctx context.Context, userID, ref string, kind Kind, tok, amount, counterparty, reason string, status TxStatus) *Transaction {
	now := m.now().UTC()
	tx := &Transaction{
		ID:           idgen.WithPrefix("etx_"),
		UserID:       userID,
		TradeRef:     ref,
		Kind:         kind,
		Token:        tok,
		Amount:       amount,
		Counterparty: counterparty,
		Status:       status,
		Reason:       reason,
		CreatedAt:    now,
	}
	if status == TxCompleted {
		tx.CompletedAt = &now
	}
	if err := m.store.AppendTransaction(ctx, tx); err != nil {
		// The balance mutation already committed; a missing audit row
		// surfaces at the next reconciliation sweep.
		m.logger.Error("appending escrow transaction failed", "kind", kind, "user", userID, "ref", ref, "error", err)
	}
	return tx
}

var _ chain.TransferResolver = (*Manager)(nil)
