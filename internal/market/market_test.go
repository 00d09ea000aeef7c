package market

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tomascrow/peervault/internal/ledger"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *ledger.Manager) {
	t.Helper()
	escrow := ledger.NewManager(ledger.NewMemoryStore(), testLogger())
	svc := NewService(NewMemoryStore(), escrow, 72*time.Hour, testLogger())
	return svc, escrow
}

func fund(t *testing.T, escrow *ledger.Manager, user, amount string) {
	t.Helper()
	if _, err := escrow.Credit(context.Background(), user, "WBTC", amount, "", "test funding"); err != nil {
		t.Fatalf("funding %s: %v", user, err)
	}
}

func TestCreateSellOrderLocksEscrow(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "2.0")

	o, err := svc.Create(ctx, "seller", SideSell, "WBTC", "1.5", "50000", "EUR")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.Status != StatusActive || o.Remaining != "1.5" || o.LockedAmount != "1.5" {
		t.Errorf("order = %+v", o)
	}

	bal, _ := escrow.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "0.50000000" || bal.Locked != "1.50000000" {
		t.Errorf("balance = %s/%s", bal.Available, bal.Locked)
	}
}

func TestCreateSellOrderInsufficientFunds(t *testing.T) {
	svc, escrow := newTestService(t)
	fund(t, escrow, "seller", "0.5")

	_, err := svc.Create(context.Background(), "seller", SideSell, "WBTC", "1.0", "50000", "EUR")
	if err == nil {
		t.Fatal("expected error creating unbacked sell order")
	}
}

func TestCreateBuyOrderLocksNothing(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "buyer", SideBuy, "WBTC", "1.0", "50000", "EUR")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.LockedAmount != "" {
		t.Errorf("buy order carries a lock: %q", o.LockedAmount)
	}
	bal, _ := escrow.GetBalance(ctx, "buyer", "WBTC")
	if bal.Locked != "0.00000000" {
		t.Errorf("locked = %s", bal.Locked)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cases := []struct {
		side   Side
		amount string
		price  string
	}{
		{"short", "1.0", "50000"},
		{SideBuy, "0", "50000"},
		{SideBuy, "-1", "50000"},
		{SideBuy, "1.0", "0"},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, "u", tc.side, "WBTC", tc.amount, tc.price, "EUR"); err == nil {
			t.Errorf("Create(%q, %q, %q) succeeded, want error", tc.side, tc.amount, tc.price)
		}
	}
}

func TestClaimDecrementsRemaining(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	claimed, err := svc.Claim(ctx, o.ID, "buyer", "0.4")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != StatusPartial || claimed.Remaining != "0.60000000" {
		t.Errorf("claimed = %+v", claimed)
	}

	claimed, err = svc.Claim(ctx, o.ID, "buyer", "0.6")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if claimed.Status != StatusFilled {
		t.Errorf("status = %s, want filled", claimed.Status)
	}

	if _, err := svc.Claim(ctx, o.ID, "buyer", "0.1"); err == nil {
		t.Error("claim on filled order succeeded")
	}
}

func TestClaimRejectsSelfTrade(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	if _, err := svc.Claim(ctx, o.ID, "seller", "0.4"); err != ErrSelfTrade {
		t.Errorf("err = %v, want ErrSelfTrade", err)
	}
}

func TestClaimRejectsOverRemaining(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	if _, err := svc.Claim(ctx, o.ID, "buyer", "1.5"); err != ErrExceedsRemaining {
		t.Errorf("err = %v, want ErrExceedsRemaining", err)
	}
}

func TestRestoreReopensOrder(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	svc.Claim(ctx, o.ID, "buyer", "1.0")
	if err := svc.Restore(ctx, o.ID, "1.0"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ := svc.Get(ctx, o.ID)
	if got.Status != StatusActive || got.Remaining != "1.00000000" {
		t.Errorf("restored = %+v", got)
	}
}

func TestCancelRefundsRemainingSellEscrow(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")
	svc.Claim(ctx, o.ID, "buyer", "0.4")

	if _, err := svc.Cancel(ctx, o.ID, "intruder"); err != ErrNotOrderOwner {
		t.Fatalf("foreign cancel err = %v, want ErrNotOrderOwner", err)
	}

	closed, err := svc.Cancel(ctx, o.ID, "seller")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if closed.Status != StatusCancelled {
		t.Errorf("status = %s", closed.Status)
	}

	// Only the unclaimed 0.6 comes back; the claimed 0.4 belongs to the
	// trade being created against it.
	bal, _ := escrow.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "0.60000000" || bal.Locked != "0.40000000" {
		t.Errorf("balance = %s/%s", bal.Available, bal.Locked)
	}

	if _, err := svc.Cancel(ctx, o.ID, "seller"); err != ErrOrderNotOpen {
		t.Errorf("second cancel err = %v, want ErrOrderNotOpen", err)
	}
}

func TestExpireRefundsLikeCancel(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	// Not expired yet.
	if _, err := svc.Expire(ctx, o.ID); err == nil {
		t.Fatal("expired a live order")
	}

	svc.WithClock(func() time.Time { return time.Now().Add(100 * time.Hour) })
	closed, err := svc.Expire(ctx, o.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if closed.Status != StatusExpired {
		t.Errorf("status = %s", closed.Status)
	}
	bal, _ := escrow.GetBalance(ctx, "seller", "WBTC")
	if bal.Available != "1.00000000" {
		t.Errorf("available = %s after expiry refund", bal.Available)
	}
}

func TestExpiredOrderCannotBeClaimed(t *testing.T) {
	svc, escrow := newTestService(t)
	ctx := context.Background()
	fund(t, escrow, "seller", "1.0")
	o, _ := svc.Create(ctx, "seller", SideSell, "WBTC", "1.0", "50000", "EUR")

	svc.WithClock(func() time.Time { return time.Now().Add(100 * time.Hour) })
	if _, err := svc.Claim(ctx, o.ID, "buyer", "0.4"); err != ErrOrderNotOpen {
		t.Errorf("err = %v, want ErrOrderNotOpen", err)
	}

	expired, err := svc.ListOpenExpired(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpenExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != o.ID {
		t.Errorf("expired = %+v", expired)
	}
}
