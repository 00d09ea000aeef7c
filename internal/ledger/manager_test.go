package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/directory"
	"github.com/tomascrow/peervault/internal/pagination"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store, testLogger(), opts...), store
}

func fund(t *testing.T, m *Manager, user, amount string) {
	t.Helper()
	if _, err := m.Credit(context.Background(), user, "WBTC", amount, "", "test funding"); err != nil {
		t.Fatalf("funding %s: %v", user, err)
	}
}

func TestLockMovesAvailableToLocked(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")

	tx, err := m.Lock(ctx, "alice", "WBTC", "0.4", "trd_1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if tx.Kind != KindLock || tx.Status != TxCompleted {
		t.Errorf("unexpected tx: %+v", tx)
	}

	bal, _ := m.GetBalance(ctx, "alice", "WBTC")
	if bal.Available != "0.60000000" || bal.Locked != "0.40000000" {
		t.Errorf("balance = %s/%s, want 0.60000000/0.40000000", bal.Available, bal.Locked)
	}
}

func TestLockInsufficientFunds(t *testing.T) {
	m, _ := newTestManager(t)
	fund(t, m, "alice", "0.1")

	_, err := m.Lock(context.Background(), "alice", "WBTC", "0.5", "trd_1")
	if err == nil {
		t.Fatal("expected error locking more than available")
	}
}

func TestLockRejectsInvalidAmounts(t *testing.T) {
	m, _ := newTestManager(t)
	for _, amount := range []string{"", "0", "-1", "1.2.3", "abc"} {
		if _, err := m.Lock(context.Background(), "alice", "WBTC", amount, "trd_1"); err == nil {
			t.Errorf("Lock(%q) succeeded, want error", amount)
		}
	}
}

func TestLockIdempotentPerRef(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")

	first, err := m.Lock(ctx, "alice", "WBTC", "0.4", "trd_1")
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	second, err := m.Lock(ctx, "alice", "WBTC", "0.4", "trd_1")
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay created a new transaction: %s vs %s", second.ID, first.ID)
	}

	bal, _ := m.GetBalance(ctx, "alice", "WBTC")
	if bal.Locked != "0.40000000" {
		t.Errorf("locked = %s after replay, want 0.40000000", bal.Locked)
	}
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")

	// 20 goroutines each try to lock 0.1 under distinct refs; only 10
	// can succeed against a 1.0 balance.
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Lock(ctx, "alice", "WBTC", "0.1", "trd_"+string(rune('a'+i)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 10 {
		t.Errorf("%d locks succeeded, want exactly 10", succeeded)
	}

	bal, _ := m.GetBalance(ctx, "alice", "WBTC")
	if bal.Available != "0.00000000" || bal.Locked != "1.00000000" {
		t.Errorf("balance = %s/%s, want 0.00000000/1.00000000", bal.Available, bal.Locked)
	}
}

func TestReleaseSettlesInternally(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "1.0")
	if _, err := m.Lock(ctx, "seller", "WBTC", "0.5", "trd_1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	tx, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", false)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if tx.Status != TxCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}

	seller, _ := m.GetBalance(ctx, "seller", "WBTC")
	buyer, _ := m.GetBalance(ctx, "buyer", "WBTC")
	if seller.Locked != "0.00000000" || seller.Available != "0.50000000" {
		t.Errorf("seller = %s/%s", seller.Available, seller.Locked)
	}
	if buyer.Available != "0.50000000" {
		t.Errorf("buyer available = %s, want 0.50000000", buyer.Available)
	}
}

func TestReleaseIdempotentPerRef(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "0.5", "trd_1")

	first, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", false)
	if err != nil {
		t.Fatalf("first Release: %v", err)
	}
	second, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", false)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if second.ID != first.ID {
		t.Error("replayed release created a second settlement")
	}

	buyer, _ := m.GetBalance(ctx, "buyer", "WBTC")
	if buyer.Available != "0.50000000" {
		t.Errorf("buyer credited twice: %s", buyer.Available)
	}
}

func TestReleaseWithoutLockFails(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Release(context.Background(), "seller", "buyer", "WBTC", "0.5", "trd_1", false)
	if err == nil {
		t.Fatal("expected error releasing with no locked funds")
	}
}

func TestRefundReturnsLockedFunds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "0.5", "trd_1")

	if _, err := m.Refund(ctx, "seller", "WBTC", "0.5", "trd_1", "trade cancelled"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	bal, _ := m.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "1.00000000" || bal.Locked != "0.00000000" {
		t.Errorf("balance = %s/%s after refund", bal.Available, bal.Locked)
	}

	// Replay is a no-op.
	if _, err := m.Refund(ctx, "seller", "WBTC", "0.5", "trd_1", "trade cancelled"); err != nil {
		t.Fatalf("replayed Refund: %v", err)
	}
	bal, _ = m.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "1.00000000" {
		t.Errorf("replayed refund double-credited: %s", bal.Available)
	}
}

func TestSplitSettlesAndRefunds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "0.6", "trd_1")

	if err := m.Split(ctx, "seller", "buyer", "WBTC", "0.2", "0.4", "trd_1", "compromise"); err != nil {
		t.Fatalf("Split: %v", err)
	}
	seller, _ := m.GetBalance(ctx, "seller", "WBTC")
	buyer, _ := m.GetBalance(ctx, "buyer", "WBTC")
	if seller.Available != "0.80000000" || seller.Locked != "0.00000000" {
		t.Errorf("seller = %s/%s", seller.Available, seller.Locked)
	}
	if buyer.Available != "0.20000000" {
		t.Errorf("buyer = %s", buyer.Available)
	}
}

func TestRehomeMovesLockBetweenRefs(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "1.0", "ord_1")

	tx, err := m.Rehome(ctx, "seller", "WBTC", "0.4", "ord_1", "trd_1")
	if err != nil {
		t.Fatalf("Rehome: %v", err)
	}
	if tx.Kind != KindLock || tx.TradeRef != "trd_1" {
		t.Errorf("rehome tx = %+v", tx)
	}

	// Locked total is unchanged; nothing became spendable.
	bal, _ := m.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "0.00000000" || bal.Locked != "1.00000000" {
		t.Errorf("balance = %s/%s", bal.Available, bal.Locked)
	}

	// The trade ref now holds a releasable lock.
	if _, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.4", "trd_1", false); err != nil {
		t.Fatalf("Release after rehome: %v", err)
	}

	// Replay returns the original lock entry.
	again, err := m.Rehome(ctx, "seller", "WBTC", "0.4", "ord_1", "trd_1")
	if err != nil {
		t.Fatalf("replayed Rehome: %v", err)
	}
	if again.ID != tx.ID {
		t.Error("replayed rehome created a second lock")
	}

	// Open-lock recomputation still matches the live counter.
	open, _ := store.SumOpenLocks(ctx, "seller", "WBTC")
	if open != "0.60000000" {
		t.Errorf("open locks = %s, want 0.60000000", open)
	}
}

func TestAdminAdjust(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")

	if _, err := m.AdminAdjust(ctx, "alice", "WBTC", "-0.3", "corr_1", "support correction"); err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	bal, _ := m.GetBalance(ctx, "alice", "WBTC")
	if bal.Available != "0.70000000" {
		t.Errorf("available = %s, want 0.70000000", bal.Available)
	}

	// Replay by ref is a no-op.
	if _, err := m.AdminAdjust(ctx, "alice", "WBTC", "-0.3", "corr_1", "support correction"); err != nil {
		t.Fatalf("replayed AdminAdjust: %v", err)
	}
	bal, _ = m.GetBalance(ctx, "alice", "WBTC")
	if bal.Available != "0.70000000" {
		t.Errorf("replay applied twice: %s", bal.Available)
	}

	// Cannot push available negative.
	if _, err := m.AdminAdjust(ctx, "alice", "WBTC", "-5.0", "corr_2", "bad correction"); err == nil {
		t.Error("expected error adjusting below zero")
	}
}

type staticResolver struct{ users map[string]*directory.User }

func (r staticResolver) Resolve(_ context.Context, id string) (*directory.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	return u, nil
}

func TestOnChainReleaseStaysPendingUntilConfirmed(t *testing.T) {
	mock := chain.NewMock()
	dir := staticResolver{users: map[string]*directory.User{
		"buyer": {ID: "buyer", Address: "0x1111111111111111111111111111111111111111"},
	}}
	m, _ := newTestManager(t, WithChain(mock, dir))
	ctx := context.Background()

	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "0.5", "trd_1")

	tx, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", true)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if tx.Status != TxPending || tx.TransferHash == "" {
		t.Fatalf("expected pending tx with hash, got %+v", tx)
	}

	// Locked stays put while the transfer is in flight, and a replayed
	// release reports the pending transfer.
	bal, _ := m.GetBalance(ctx, "seller", "WBTC")
	if bal.Locked != "0.50000000" {
		t.Errorf("locked = %s while pending, want 0.50000000", bal.Locked)
	}
	if _, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", true); err != ErrTransferPending {
		t.Errorf("replay error = %v, want ErrTransferPending", err)
	}

	if err := m.ResolveTransfer(ctx, tx.ID, true); err != nil {
		t.Fatalf("ResolveTransfer: %v", err)
	}
	bal, _ = m.GetBalance(ctx, "seller", "WBTC")
	if bal.Locked != "0.00000000" {
		t.Errorf("locked = %s after confirmation, want 0.00000000", bal.Locked)
	}
	// Tokens left the platform; the buyer gets no internal credit.
	buyer, _ := m.GetBalance(ctx, "buyer", "WBTC")
	if buyer.Available != "0.00000000" {
		t.Errorf("buyer internally credited on chain release: %s", buyer.Available)
	}
}

func TestFailedTransferKeepsFundsLocked(t *testing.T) {
	mock := chain.NewMock()
	dir := staticResolver{users: map[string]*directory.User{
		"buyer": {ID: "buyer", Address: "0x1111111111111111111111111111111111111111"},
	}}
	m, _ := newTestManager(t, WithChain(mock, dir))
	ctx := context.Background()

	fund(t, m, "seller", "1.0")
	m.Lock(ctx, "seller", "WBTC", "0.5", "trd_1")
	tx, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", true)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := m.ResolveTransfer(ctx, tx.ID, false); err != nil {
		t.Fatalf("ResolveTransfer: %v", err)
	}
	bal, _ := m.GetBalance(ctx, "seller", "WBTC")
	if bal.Locked != "0.50000000" {
		t.Errorf("locked = %s after failed transfer, want 0.50000000", bal.Locked)
	}

	// The failed entry no longer blocks a retry.
	retry, err := m.Release(ctx, "seller", "buyer", "WBTC", "0.5", "trd_1", false)
	if err != nil {
		t.Fatalf("retry Release: %v", err)
	}
	if retry.Status != TxCompleted {
		t.Errorf("retry status = %s", retry.Status)
	}
}

func TestConservationSumsAllBalances(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")
	fund(t, m, "bob", "2.0")
	m.Lock(ctx, "alice", "WBTC", "0.5", "trd_1")

	internal, external, err := m.Conservation(ctx, "WBTC")
	if err != nil {
		t.Fatalf("Conservation: %v", err)
	}
	want := big.NewInt(300_000_000)
	if internal.Cmp(want) != 0 {
		t.Errorf("internal = %s, want %s", internal, want)
	}
	if external != nil {
		t.Errorf("external = %s with custody disabled, want nil", external)
	}
}

func TestRebalanceCAS(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")

	if err := m.Rebalance(ctx, "alice", "WBTC", "0.90000000", "0.00000000", "1.00000000", "0.00000000", "drift"); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	bal, _ := store.GetBalance(ctx, "alice", "WBTC")
	if bal.Available != "0.90000000" {
		t.Errorf("available = %s", bal.Available)
	}

	// Stale expectation loses.
	err := m.Rebalance(ctx, "alice", "WBTC", "0.50000000", "0.00000000", "1.00000000", "0.00000000", "drift")
	if err != ErrBalanceChanged {
		t.Errorf("err = %v, want ErrBalanceChanged", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")
	m.Lock(ctx, "alice", "WBTC", "0.2", "trd_1")
	m.Refund(ctx, "alice", "WBTC", "0.2", "trd_1", "cancelled")

	history, err := m.History(ctx, "alice", nil, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Kind != KindRefund {
		t.Errorf("newest entry kind = %s, want refund", history[0].Kind)
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Errorf("history not newest-first at %d", i)
		}
	}
}

func TestConcurrentRefundsSameRefSettleOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")
	if _, err := m.Lock(ctx, "alice", "WBTC", "1.0", "trd_a"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Refund(ctx, "alice", "WBTC", "1.0", "trd_a", "cancelled"); err != nil {
				t.Errorf("Refund: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	bal, err := m.GetBalance(ctx, "alice", "WBTC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "1.00000000" || bal.Locked != "0.00000000" {
		t.Fatalf("balance = %s/%s, want 1.00000000/0.00000000", bal.Available, bal.Locked)
	}

	history, err := m.History(ctx, "alice", nil, 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	refunds := 0
	for _, tx := range history {
		if tx.Kind == KindRefund && tx.TradeRef == "trd_a" {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund rows for trd_a = %d, want 1", refunds)
	}
}

func TestConcurrentCreditsSameRefApplyOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Credit(ctx, "alice", "WBTC", "1.0", "dep_1", "deposit"); err != nil {
				t.Errorf("Credit: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	bal, err := m.GetBalance(ctx, "alice", "WBTC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "1.00000000" {
		t.Errorf("available = %s, want 1.00000000 (replayed deposit credited more than once)", bal.Available)
	}
}

func TestHistoryCursorPaging(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "alice", "1.0")
	m.Lock(ctx, "alice", "WBTC", "0.2", "trd_1")
	m.Refund(ctx, "alice", "WBTC", "0.2", "trd_1", "cancelled")

	first, err := m.History(ctx, "alice", nil, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("len(first) = %d, want 2", len(first))
	}

	last := first[len(first)-1]
	cursor := &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	rest, err := m.History(ctx, "alice", cursor, 10)
	if err != nil {
		t.Fatalf("History with cursor: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("len(rest) = %d, want 1", len(rest))
	}
	if rest[0].ID == last.ID {
		t.Error("cursor page repeated the boundary entry")
	}
	if rest[0].Kind != KindAdjust {
		t.Errorf("oldest entry kind = %s, want adjust", rest[0].Kind)
	}
}

func TestClockOption(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithClock(func() time.Time { return fixed }))
	fund(t, m, "alice", "1.0")

	tx, err := m.Lock(context.Background(), "alice", "WBTC", "0.1", "trd_1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !tx.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", tx.CreatedAt, fixed)
	}
}
