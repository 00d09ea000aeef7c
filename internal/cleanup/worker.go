// Package cleanup is the reconciliation worker. It reclaims escrow
// locks whose owning trade or order is gone, compares ledger balances
// against on-chain custody and repairs drift, force-closes expired
// orders past their grace period, and sweeps stale trades. Every pass
// is safe to rerun: refunds are idempotent per reference and drift
// repair is a compare-and-swap.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/directory"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/market"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/token"
	"github.com/tomascrow/peervault/internal/trade"
)

// Config tunes the reconciliation passes.
type Config struct {
	// LockGrace is how long an unsettled escrow lock may sit before the
	// worker considers it orphaned.
	LockGrace time.Duration
	// OrderGrace is how long past its expiry an open order may linger
	// before the worker force-closes it.
	OrderGrace time.Duration
	// DriftEpsilon is the largest tolerated difference between a user's
	// ledger total and their on-chain balance, as a decimal amount.
	DriftEpsilon string
	// Tokens lists the tokens reconciled against chain custody.
	Tokens []string
	// BatchSize caps the items examined per pass per run.
	BatchSize int
}

// DefaultConfig returns the production reconciliation settings.
func DefaultConfig() Config {
	return Config{
		LockGrace:    24 * time.Hour,
		OrderGrace:   time.Hour,
		DriftEpsilon: "0.00000001",
		BatchSize:    200,
	}
}

// Report summarizes a single reconciliation run.
type Report struct {
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	LocksReclaimed int           `json:"locksReclaimed"`
	LocksSkipped   int           `json:"locksSkipped"`
	DriftDetected  int           `json:"driftDetected"`
	DriftRepaired  int           `json:"driftRepaired"`
	DriftExcepted  int           `json:"driftExcepted"`
	OrdersExpired  int           `json:"ordersExpired"`
	TradesExpired  int           `json:"tradesExpired"`
	Failed         int           `json:"failed"`
}

// Worker runs the reconciliation passes.
type Worker struct {
	escrow     *ledger.Manager
	trades     *trade.Service
	orders     *market.Service
	custody    chain.Client
	dir        directory.Resolver
	exceptions ExceptionStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewWorker(escrow *ledger.Manager, trades *trade.Service, orders *market.Service, custody chain.Client, dir directory.Resolver, exceptions ExceptionStore, cfg Config, logger *slog.Logger) *Worker {
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = 24 * time.Hour
	}
	if cfg.OrderGrace <= 0 {
		cfg.OrderGrace = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.DriftEpsilon == "" {
		cfg.DriftEpsilon = "0.00000001"
	}
	return &Worker{
		escrow:     escrow,
		trades:     trades,
		orders:     orders,
		custody:    custody,
		dir:        dir,
		exceptions: exceptions,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// RunOnce executes all four passes and returns the run report. A panic
// in one pass is contained so the remaining passes still run.
func (w *Worker) RunOnce(ctx context.Context) *Report {
	started := w.now().UTC()
	r := &Report{StartedAt: started}

	w.runPass(ctx, "orphaned_locks", r, w.reclaimOrphanedLocks)
	w.runPass(ctx, "balance_drift", r, w.reconcileBalances)
	w.runPass(ctx, "expired_orders", r, w.expireOrders)
	w.runPass(ctx, "stale_trades", r, w.sweepTrades)

	r.Duration = w.now().UTC().Sub(started)
	metrics.CleanupLastRun.Set(float64(w.now().UTC().Unix()))
	w.logger.Info("reconciliation run complete",
		"duration", r.Duration,
		"locks_reclaimed", r.LocksReclaimed,
		"drift_repaired", r.DriftRepaired,
		"orders_expired", r.OrdersExpired,
		"trades_expired", r.TradesExpired,
		"failed", r.Failed)
	return r
}

func (w *Worker) runPass(ctx context.Context, name string, r *Report, fn func(ctx context.Context, r *Report)) {
	defer func() {
		if p := recover(); p != nil {
			r.Failed++
			metrics.CleanupItemsTotal.WithLabelValues(name, "failed").Inc()
			w.logger.Error("panic in reconciliation pass", "pass", name, "panic", fmt.Sprint(p))
		}
	}()
	fn(ctx, r)
}

// reclaimOrphanedLocks refunds escrow locks whose owning trade or order
// no longer exists or is already closed. Locks backing live trades and
// open orders are left alone; open-but-expired orders are handled by
// the expiry pass, which refunds through the order close path.
func (w *Worker) reclaimOrphanedLocks(ctx context.Context, r *Report) {
	cutoff := w.now().UTC().Add(-w.cfg.LockGrace)
	locks, err := w.escrow.StaleLocks(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		r.Failed++
		w.logger.Error("listing stale locks failed", "error", err)
		return
	}

	for _, tx := range locks {
		orphaned, err := w.lockOrphaned(ctx, tx.TradeRef)
		if err != nil {
			r.Failed++
			metrics.CleanupItemsTotal.WithLabelValues("orphaned_locks", "failed").Inc()
			w.logger.Error("checking lock owner failed", "ref", tx.TradeRef, "error", err)
			continue
		}
		if !orphaned {
			r.LocksSkipped++
			metrics.CleanupItemsTotal.WithLabelValues("orphaned_locks", "skipped").Inc()
			continue
		}
		if _, err := w.escrow.Refund(ctx, tx.UserID, tx.Token, tx.Amount, tx.TradeRef, "orphaned lock reclaimed"); err != nil {
			r.Failed++
			metrics.CleanupItemsTotal.WithLabelValues("orphaned_locks", "failed").Inc()
			w.logger.Error("reclaiming orphaned lock failed", "ref", tx.TradeRef, "user", tx.UserID, "error", err)
			continue
		}
		r.LocksReclaimed++
		metrics.CleanupItemsTotal.WithLabelValues("orphaned_locks", "reclaimed").Inc()
		w.logger.Warn("orphaned escrow lock reclaimed",
			"ref", tx.TradeRef, "user", tx.UserID, "token", tx.Token, "amount", tx.Amount)
	}
}

func (w *Worker) lockOrphaned(ctx context.Context, ref string) (bool, error) {
	switch {
	case strings.HasPrefix(ref, "trd_"):
		t, err := w.trades.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, trade.ErrTradeNotFound) {
				return true, nil
			}
			return false, err
		}
		return t.Status.Terminal(), nil
	case strings.HasPrefix(ref, "ord_"):
		o, err := w.orders.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, market.ErrOrderNotFound) {
				return true, nil
			}
			return false, err
		}
		// Open orders keep their lock. If the order is merely expired
		// the expiry pass closes it and the close path refunds.
		return !o.Open(), nil
	default:
		// Admin or unknown reference. Never touch it automatically.
		return false, nil
	}
}

// reconcileBalances compares each user's ledger total (available plus
// locked) against their on-chain balance and repairs the available side
// when the difference exceeds the configured epsilon. Users covered by
// an active exception, or with no linked address, are skipped.
func (w *Worker) reconcileBalances(ctx context.Context, r *Report) {
	if w.custody == nil || len(w.cfg.Tokens) == 0 {
		return
	}
	eps, ok := token.Parse(w.cfg.DriftEpsilon)
	if !ok {
		w.logger.Error("invalid drift epsilon", "epsilon", w.cfg.DriftEpsilon)
		return
	}
	now := w.now().UTC()

	for _, tok := range w.cfg.Tokens {
		balances, err := w.escrow.Balances(ctx, tok, w.cfg.BatchSize)
		if err != nil {
			r.Failed++
			w.logger.Error("listing balances failed", "token", tok, "error", err)
			continue
		}
		for _, b := range balances {
			w.reconcileOne(ctx, b, eps, now, r)
		}
	}
}

func (w *Worker) reconcileOne(ctx context.Context, b *ledger.Balance, eps *big.Int, now time.Time, r *Report) {
	if exc, err := w.exceptions.Get(ctx, b.UserID); err == nil && exc.Active(now) {
		r.DriftExcepted++
		metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "excepted").Inc()
		return
	}
	u, err := w.dir.Resolve(ctx, b.UserID)
	if err != nil || u.Address == "" {
		metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "skipped").Inc()
		return
	}
	onChain, err := w.custody.BalanceOf(ctx, u.Address)
	if err != nil {
		r.Failed++
		metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "failed").Inc()
		w.logger.Error("chain balance lookup failed", "user", b.UserID, "address", u.Address, "error", err)
		return
	}

	avail, ok := token.Parse(b.Available)
	if !ok {
		r.Failed++
		w.logger.Error("unparseable ledger balance", "user", b.UserID, "available", b.Available)
		return
	}
	locked, _ := token.Parse(b.Locked)
	ledgerTotal := new(big.Int).Add(avail, locked)

	drift := new(big.Int).Sub(onChain, ledgerTotal)
	if new(big.Int).Abs(drift).Cmp(eps) <= 0 {
		metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "clean").Inc()
		return
	}

	r.DriftDetected++
	metrics.BalanceDriftDetected.Inc()

	// Recompute the locked side from the journal so the report shows
	// whether the counter itself disagrees with the open lock entries.
	journalLocked, err := w.escrow.OpenLocks(ctx, b.UserID, b.Token)
	if err != nil {
		journalLocked = "?"
	}
	w.logger.Warn("balance drift detected",
		"user", b.UserID, "token", b.Token,
		"ledger", token.Format(ledgerTotal), "chain", token.Format(onChain),
		"drift", token.Format(drift),
		"locked", b.Locked, "journal_locked", journalLocked)

	// Only the available side absorbs the correction; locked funds back
	// live escrow and are never rewritten here. The available balance is
	// floored at zero so a deficit larger than available surfaces as a
	// residual drift on the next run instead of a negative balance.
	newAvail := new(big.Int).Add(avail, drift)
	if newAvail.Sign() < 0 {
		w.logger.Warn("drift exceeds available balance, flooring at zero",
			"user", b.UserID, "token", b.Token, "deficit", token.Format(newAvail))
		newAvail = big.NewInt(0)
	}

	reason := fmt.Sprintf("drift repair: chain %s vs ledger %s", token.Format(onChain), token.Format(ledgerTotal))
	err = w.escrow.Rebalance(ctx, b.UserID, b.Token,
		token.Format(newAvail), b.Locked,
		b.Available, b.Locked, reason)
	if err != nil {
		// A concurrent mutation beat us to the row. The next run sees
		// the fresh balance.
		r.Failed++
		metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "failed").Inc()
		w.logger.Warn("drift repair skipped, balance changed underneath", "user", b.UserID, "error", err)
		return
	}
	r.DriftRepaired++
	metrics.CleanupItemsTotal.WithLabelValues("balance_drift", "repaired").Inc()
}

// expireOrders force-closes open orders that blew past their expiry by
// more than the grace period. Closing a sell order refunds its
// remaining escrow through the normal order close path.
func (w *Worker) expireOrders(ctx context.Context, r *Report) {
	open, err := w.orders.ListOpenExpired(ctx, w.cfg.BatchSize)
	if err != nil {
		r.Failed++
		w.logger.Error("listing expired orders failed", "error", err)
		return
	}
	cutoff := w.now().UTC().Add(-w.cfg.OrderGrace)
	for _, o := range open {
		if o.ExpiresAt.After(cutoff) {
			continue
		}
		if _, err := w.orders.Expire(ctx, o.ID); err != nil {
			r.Failed++
			metrics.CleanupItemsTotal.WithLabelValues("expired_orders", "failed").Inc()
			w.logger.Error("expiring order failed", "order", o.ID, "error", err)
			continue
		}
		r.OrdersExpired++
		metrics.CleanupItemsTotal.WithLabelValues("expired_orders", "expired").Inc()
	}
}

func (w *Worker) sweepTrades(ctx context.Context, r *Report) {
	expired, failed := w.trades.SweepExpired(ctx, w.cfg.BatchSize)
	r.TradesExpired += expired
	r.Failed += failed
	for i := 0; i < expired; i++ {
		metrics.CleanupItemsTotal.WithLabelValues("stale_trades", "expired").Inc()
	}
	for i := 0; i < failed; i++ {
		metrics.CleanupItemsTotal.WithLabelValues("stale_trades", "failed").Inc()
	}
}
