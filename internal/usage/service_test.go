package usage

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing"
	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/testutil"
)

func newTestService(t *testing.T, clk clock.Clock) (*Service, *invoice.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	inv := invoice.New(invoice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	svc := New(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Pricing: billing.NewStaticPricingHolder(billing.DefaultPricingConfig()),
		Invoice: inv,
	})
	return svc, inv, db
}

func TestAddUsageFoldsDraftPeriodOnly(t *testing.T) {
	// on Jan 15 the draft covers February, so only February counters land
	// on it
	clk := clock.NewFakeClock(time.Date(2025, 1, 15, 0, 5, 0, 0, time.UTC))
	svc, inv, db := newTestService(t, clk)
	ctx := context.Background()

	testutil.SeedCustomer(t, db, 1, clk.Now())
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC), 30000)
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC), 20000)
	// outside the billing period: January and March
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 1, 14, 23, 0, 0, 0, time.UTC), 99000)
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 77000)

	var draft *domain.BillingRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.AddUsageToDraftTx(ctx, tx, 1); err != nil {
			return err
		}
		var txErr error
		draft, txErr = inv.GetOrCreateDraftTx(ctx, tx, 1)
		return txErr
	})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}

	// 50000 requests at 10 cents per 1000
	if draft.AmountCents != 500 {
		t.Fatalf("expected 500 cents of usage, got %d", draft.AmountCents)
	}

	var items []domain.BillingLineItem
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		items, txErr = inv.ListLineItemsTx(ctx, tx, draft.ID)
		return txErr
	})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 requests line, got %d", len(items))
	}
	if items[0].ItemType != domain.LineItemTypeRequests {
		t.Fatalf("unexpected item type %s", items[0].ItemType)
	}
	if items[0].Quantity != 50000 {
		t.Fatalf("expected quantity 50000, got %d", items[0].Quantity)
	}
}

func TestAddUsageIsAuthoritative(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 15, 0, 5, 0, 0, time.UTC))
	svc, inv, db := newTestService(t, clk)
	ctx := context.Background()

	testutil.SeedCustomer(t, db, 1, clk.Now())
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC), 10000)

	// two folds must not double the line items
	for i := 0; i < 2; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			return svc.AddUsageToDraftTx(ctx, tx, 1)
		})
		if err != nil {
			t.Fatalf("fold %d: %v", i, err)
		}
	}

	var draft *domain.BillingRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		draft, txErr = inv.GetOrCreateDraftTx(ctx, tx, 1)
		return txErr
	})
	if err != nil {
		t.Fatalf("load draft: %v", err)
	}
	if draft.AmountCents != 100 {
		t.Fatalf("expected 100 cents, got %d", draft.AmountCents)
	}
}

func TestSyncSkipsFreshDrafts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 15, 12, 30, 0, 0, time.UTC))
	svc, inv, db := newTestService(t, clk)
	ctx := context.Background()

	testutil.SeedCustomer(t, db, 1, clk.Now())
	// inside the draft's February period
	testutil.SeedUsage(t, db, 1, "seal", time.Date(2025, 2, 5, 8, 0, 0, 0, time.UTC), 5000)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, txErr := inv.GetOrCreateDraftTx(ctx, tx, 1)
		return txErr
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}

	// the draft was touched moments ago: debounced
	err = db.Transaction(func(tx *gorm.DB) error {
		synced, txErr := svc.SyncUsageToDraftTx(ctx, tx, 1)
		if txErr != nil {
			return txErr
		}
		if synced {
			t.Fatal("expected sync to be debounced")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	clk.Advance(2 * time.Hour)
	err = db.Transaction(func(tx *gorm.DB) error {
		synced, txErr := svc.SyncUsageToDraftTx(ctx, tx, 1)
		if txErr != nil {
			return txErr
		}
		if !synced {
			t.Fatal("expected sync to run after the debounce window")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	var draft *domain.BillingRecord
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		draft, txErr = inv.GetOrCreateDraftTx(ctx, tx, 1)
		return txErr
	})
	if err != nil {
		t.Fatalf("load draft: %v", err)
	}
	// 5000 requests inside the billing period
	if draft.AmountCents != 50 {
		t.Fatalf("expected 50 cents, got %d", draft.AmountCents)
	}
}

func TestSyncWithoutDraftIsANoop(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))
	svc, _, db := newTestService(t, clk)
	testutil.SeedCustomer(t, db, 1, clk.Now())

	err := db.Transaction(func(tx *gorm.DB) error {
		synced, txErr := svc.SyncUsageToDraftTx(context.Background(), tx, 1)
		if txErr != nil {
			return txErr
		}
		if synced {
			t.Fatal("no draft to sync into")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
}
