package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomascrow/peervault/internal/testutil"
)

func seedTrade(now time.Time) *Trade {
	return &Trade{
		ID:           "trd_pg1",
		OrderID:      "ord_pg1",
		BuyerID:      "buyer",
		SellerID:     "seller",
		Token:        "WBTC",
		Amount:       "1.00000000",
		UnitPrice:    "50000.00000000",
		Currency:     "EUR",
		TotalValue:   "50000.00000000",
		Status:       StatusPaymentPending,
		EscrowStatus: EscrowLocked,
		CreatedAt:    now,
		ExpiresAt:    now.Add(30 * time.Minute),
		TimeLimitAt:  now.Add(24 * time.Hour),
	}
}

func TestPostgresTradeLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tr := seedTrade(now)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPaymentPending || got.Amount != "1.00000000" || got.Dispute != nil {
		t.Errorf("trade = %+v", got)
	}

	madeAt := now.Add(5 * time.Minute)
	got.Status = StatusPaymentMade
	got.PaymentMadeAt = &madeAt
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = store.Get(ctx, tr.ID)
	if got.Status != StatusPaymentMade || got.PaymentMadeAt == nil {
		t.Errorf("updated trade = %+v", got)
	}

	if _, err := store.Get(ctx, "trd_missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("missing trade: %v", err)
	}
	ghost := seedTrade(now)
	ghost.ID = "trd_missing"
	if err := store.Update(ctx, ghost); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("update of missing trade: %v", err)
	}

	trades, err := store.ListByUser(ctx, "seller", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("ListByUser = %d trades, err %v", len(trades), err)
	}
}

func TestPostgresListExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := seedTrade(now.Add(-2 * time.Hour))
	stale.ID = "trd_stale"
	live := seedTrade(now)
	live.ID = "trd_live"
	// Payment claimed long ago but overall limit not yet hit.
	claimed := seedTrade(now.Add(-2 * time.Hour))
	claimed.ID = "trd_claimed"
	claimed.Status = StatusPaymentMade
	for _, tr := range []*Trade{stale, live, claimed} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create %s: %v", tr.ID, err)
		}
	}

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "trd_stale" {
		t.Fatalf("expired = %+v", expired)
	}
}

func TestPostgresDisputeRoundTripAndEscalation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tr := seedTrade(now)
	tr.Status = StatusDisputed
	tr.Dispute = &Dispute{
		Category:    CategoryPaymentNotReceived,
		Priority:    PriorityHigh,
		Status:      DisputeInvestigating,
		InitiatorID: "seller",
		Reason:      "no transfer arrived",
		ModeratorID: "mod_1",
		Evidence: []Evidence{{
			UserID:      "seller",
			Type:        "statement",
			Content:     "bank statement excerpt",
			SubmittedAt: now,
		}},
		OpenedAt:   now.Add(-48 * time.Hour),
		EscalateAt: now.Add(-time.Hour),
	}
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Dispute == nil || got.Dispute.Category != CategoryPaymentNotReceived || len(got.Dispute.Evidence) != 1 {
		t.Fatalf("dispute = %+v", got.Dispute)
	}

	due, err := store.ListDisputesToEscalate(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDisputesToEscalate: %v", err)
	}
	if len(due) != 1 || due[0].ID != tr.ID {
		t.Fatalf("due = %+v", due)
	}

	// Mark escalated; the sweep must not pick it up again.
	escalatedAt := now
	got.Dispute.EscalatedAt = &escalatedAt
	got.Dispute.Priority = got.Dispute.Priority.Bump()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	due, _ = store.ListDisputesToEscalate(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("escalated dispute listed again: %+v", due)
	}
}
