package cleanup

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/directory"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/market"
	"github.com/tomascrow/peervault/internal/notify"
	"github.com/tomascrow/peervault/internal/token"
	"github.com/tomascrow/peervault/internal/trade"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	worker     *Worker
	escrow     *ledger.Manager
	trades     *trade.Service
	orders     *market.Service
	custody    *chain.Mock
	dir        *directory.Service
	exceptions *MemoryExceptionStore
}

// newHarness wires the worker against in-memory services. Trade windows
// are deliberately long so only the worker's own grace periods decide
// what a run touches.
func newHarness(t *testing.T) *harness {
	t.Helper()
	escrow := ledger.NewManager(ledger.NewMemoryStore(), testLogger())
	orders := market.NewService(market.NewMemoryStore(), escrow, 72*time.Hour, testLogger())
	notifier := notify.NewSlogNotifier(testLogger())
	trades := trade.NewService(trade.NewMemoryStore(), escrow, orders, notifier,
		trade.Config{PaymentWindow: 200 * time.Hour, TradeTimeLimit: 400 * time.Hour}, testLogger())
	custody := chain.NewMock()
	dir := directory.NewService(directory.NewMemoryStore())
	exceptions := NewMemoryExceptionStore()

	cfg := DefaultConfig()
	cfg.Tokens = []string{"WBTC"}
	worker := NewWorker(escrow, trades, orders, custody, dir, exceptions, cfg, testLogger())
	return &harness{
		worker:     worker,
		escrow:     escrow,
		trades:     trades,
		orders:     orders,
		custody:    custody,
		dir:        dir,
		exceptions: exceptions,
	}
}

// advance moves every clock in the harness forward by d from real now.
func (h *harness) advance(d time.Duration) {
	at := func() time.Time { return time.Now().Add(d) }
	h.worker.WithClock(at)
	h.trades.WithClock(at)
	h.orders.WithClock(at)
}

func (h *harness) available(t *testing.T, user string) string {
	t.Helper()
	b, err := h.escrow.GetBalance(context.Background(), user, "WBTC")
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", user, err)
	}
	return b.Available
}

func (h *harness) fund(t *testing.T, user, amount string) {
	t.Helper()
	if _, err := h.escrow.Credit(context.Background(), user, "WBTC", amount, "", "test funding"); err != nil {
		t.Fatalf("funding %s: %v", user, err)
	}
}

func TestReclaimsLockWithNoOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A lock whose trade never made it into the store.
	h.fund(t, "alice", "2.0")
	if _, err := h.escrow.Lock(ctx, "alice", "WBTC", "1.5", "trd_ghost"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Fresh locks are left alone.
	if r := h.worker.RunOnce(ctx); r.LocksReclaimed != 0 {
		t.Fatalf("fresh lock reclaimed: %+v", r)
	}

	h.advance(25 * time.Hour)
	r := h.worker.RunOnce(ctx)
	if r.LocksReclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", r.LocksReclaimed)
	}
	if got := h.available(t, "alice"); got != "2.00000000" {
		t.Errorf("available after reclaim = %s", got)
	}

	// The refund is idempotent, so a second run finds nothing.
	if r := h.worker.RunOnce(ctx); r.LocksReclaimed != 0 {
		t.Fatalf("second run reclaimed again: %+v", r)
	}
}

func TestLeavesLiveTradeLockAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fund(t, "seller", "1.0")
	o, err := h.orders.Create(ctx, "seller", market.SideSell, "WBTC", "1.0", "50000", "EUR")
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	tr, err := h.trades.Create(ctx, o.ID, "buyer", "1.0")
	if err != nil {
		t.Fatalf("Create trade: %v", err)
	}

	h.advance(25 * time.Hour)
	r := h.worker.RunOnce(ctx)
	if r.LocksReclaimed != 0 {
		t.Fatalf("live trade lock reclaimed: %+v", r)
	}
	if r.LocksSkipped == 0 {
		t.Fatal("live trade lock not even examined")
	}

	got, err := h.trades.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get trade: %v", err)
	}
	if got.Status != trade.StatusPaymentPending {
		t.Errorf("trade status = %s", got.Status)
	}
}

func TestIgnoresUnknownLockReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fund(t, "alice", "1.0")
	if _, err := h.escrow.Lock(ctx, "alice", "WBTC", "1.0", "adm_manual_hold"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	h.advance(48 * time.Hour)
	if r := h.worker.RunOnce(ctx); r.LocksReclaimed != 0 {
		t.Fatalf("manual hold reclaimed: %+v", r)
	}
	if got := h.available(t, "alice"); got != "0.00000000" {
		t.Errorf("available = %s, manual hold disturbed", got)
	}
}

func TestRepairsPositiveDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.dir.Register(ctx, "alice", "0xAAAA000000000000000000000000000000000001", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.fund(t, "alice", "1.0")
	onChain, _ := token.Parse("1.5")
	h.custody.SetBalance("0xAAAA000000000000000000000000000000000001", onChain)

	r := h.worker.RunOnce(ctx)
	if r.DriftDetected != 1 || r.DriftRepaired != 1 {
		t.Fatalf("drift = %d detected, %d repaired", r.DriftDetected, r.DriftRepaired)
	}
	if got := h.available(t, "alice"); got != "1.50000000" {
		t.Errorf("available after repair = %s", got)
	}

	// Once repaired, the balances agree.
	if r := h.worker.RunOnce(ctx); r.DriftDetected != 0 {
		t.Fatalf("drift persisted after repair: %+v", r)
	}
}

// driftRepairRow finds the corrective adjust entry a repair wrote.
func driftRepairRow(t *testing.T, h *harness, user string) *ledger.Transaction {
	t.Helper()
	txs, err := h.escrow.History(context.Background(), user, nil, 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, tx := range txs {
		if tx.Kind == ledger.KindAdjust && strings.HasPrefix(tx.Reason, "drift repair") {
			return tx
		}
	}
	t.Fatal("no drift repair entry in history")
	return nil
}

func TestDriftRepairRecordsSignedDelta(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.dir.Register(ctx, "alice", "0xAAAA000000000000000000000000000000000001", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.fund(t, "alice", "1.0")
	onChain, _ := token.Parse("1.5")
	h.custody.SetBalance("0xAAAA000000000000000000000000000000000001", onChain)

	h.worker.RunOnce(ctx)
	if got := driftRepairRow(t, h, "alice").Amount; got != "0.50000000" {
		t.Errorf("surplus repair amount = %s, want 0.50000000", got)
	}

	// A deficit records a negative delta.
	if _, err := h.dir.Register(ctx, "bob", "0xBBBB000000000000000000000000000000000002", "Bob"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.fund(t, "bob", "1.0")
	onChain, _ = token.Parse("0.7")
	h.custody.SetBalance("0xBBBB000000000000000000000000000000000002", onChain)

	h.worker.RunOnce(ctx)
	if got := driftRepairRow(t, h, "bob").Amount; got != "-0.30000000" {
		t.Errorf("deficit repair amount = %s, want -0.30000000", got)
	}
}

func TestDeficitFlooredAtZeroAndLockedUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.dir.Register(ctx, "bob", "0xBBBB000000000000000000000000000000000002", "Bob"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.fund(t, "bob", "0.7")
	if _, err := h.escrow.Lock(ctx, "bob", "WBTC", "0.5", "adm_hold"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// Chain only holds 0.1 against a ledger total of 0.7.
	onChain, _ := token.Parse("0.1")
	h.custody.SetBalance("0xBBBB000000000000000000000000000000000002", onChain)

	r := h.worker.RunOnce(ctx)
	if r.DriftRepaired != 1 {
		t.Fatalf("drift not repaired: %+v", r)
	}
	b, err := h.escrow.GetBalance(ctx, "bob", "WBTC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.Available != "0.00000000" {
		t.Errorf("available = %s, want floor at zero", b.Available)
	}
	if b.Locked != "0.50000000" {
		t.Errorf("locked = %s, repair touched escrowed funds", b.Locked)
	}
}

func TestExceptionShieldsUserFromRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.dir.Register(ctx, "carol", "0xCCCC000000000000000000000000000000000003", "Carol"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.fund(t, "carol", "1.0")
	onChain, _ := token.Parse("5.0")
	h.custody.SetBalance("0xCCCC000000000000000000000000000000000003", onChain)

	now := time.Now().UTC()
	err := h.exceptions.Put(ctx, &Exception{
		UserID:    "carol",
		Reason:    "deposit in flight",
		CreatedBy: "ops",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Put exception: %v", err)
	}

	r := h.worker.RunOnce(ctx)
	if r.DriftExcepted != 1 || r.DriftRepaired != 0 {
		t.Fatalf("excepted = %d repaired = %d", r.DriftExcepted, r.DriftRepaired)
	}
	if got := h.available(t, "carol"); got != "1.00000000" {
		t.Errorf("shielded balance rewritten to %s", got)
	}

	// Expired exceptions stop shielding.
	h.exceptions.Put(ctx, &Exception{
		UserID: "carol", Reason: "deposit in flight", CreatedBy: "ops",
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	})
	if r := h.worker.RunOnce(ctx); r.DriftRepaired != 1 {
		t.Fatalf("expired exception still shields: %+v", r)
	}
}

func TestSkipsUsersWithoutLinkedAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Funded but never registered in the directory.
	h.fund(t, "dave", "3.0")

	r := h.worker.RunOnce(ctx)
	if r.DriftDetected != 0 || r.Failed != 0 {
		t.Fatalf("unlinked user reconciled: %+v", r)
	}
	if got := h.available(t, "dave"); got != "3.00000000" {
		t.Errorf("available = %s", got)
	}
}

func TestExpiresOrdersPastGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fund(t, "seller", "1.0")
	o, err := h.orders.Create(ctx, "seller", market.SideSell, "WBTC", "1.0", "50000", "EUR")
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	// Expired but inside the grace hour: untouched.
	h.advance(72*time.Hour + 30*time.Minute)
	if r := h.worker.RunOnce(ctx); r.OrdersExpired != 0 {
		t.Fatalf("order closed inside grace: %+v", r)
	}

	h.advance(74 * time.Hour)
	r := h.worker.RunOnce(ctx)
	if r.OrdersExpired != 1 {
		t.Fatalf("expired = %d, want 1", r.OrdersExpired)
	}
	got, err := h.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if got.Status != market.StatusExpired {
		t.Errorf("order status = %s", got.Status)
	}
	if avail := h.available(t, "seller"); avail != "1.00000000" {
		t.Errorf("seller refund = %s", avail)
	}
}

func TestSweepsStaleTrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fund(t, "seller", "1.0")
	o, err := h.orders.Create(ctx, "seller", market.SideSell, "WBTC", "1.0", "50000", "EUR")
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	tr, err := h.trades.Create(ctx, o.ID, "buyer", "1.0")
	if err != nil {
		t.Fatalf("Create trade: %v", err)
	}

	// Past the payment window (200h in this harness).
	h.advance(201 * time.Hour)
	r := h.worker.RunOnce(ctx)
	if r.TradesExpired != 1 {
		t.Fatalf("trades expired = %d, want 1", r.TradesExpired)
	}
	got, err := h.trades.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get trade: %v", err)
	}
	if got.Status != trade.StatusExpired {
		t.Errorf("trade status = %s", got.Status)
	}
	if avail := h.available(t, "seller"); avail != "1.00000000" {
		t.Errorf("seller refund = %s", avail)
	}
}

func TestRunWithoutCustodyConfigured(t *testing.T) {
	h := newHarness(t)
	h.worker.custody = nil

	r := h.worker.RunOnce(context.Background())
	if r.DriftDetected != 0 || r.Failed != 0 {
		t.Fatalf("custody-less run touched balances: %+v", r)
	}
}
