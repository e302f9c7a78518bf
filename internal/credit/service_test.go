package credit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/testutil"
)

func newTestService(t *testing.T, clk clock.Clock) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	return New(Params{DB: db, Log: zap.NewNop(), GenID: testutil.NewNode(t), Clock: clk}), db
}

func TestIssueRejectsNonPositiveAmounts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk)

	if _, err := svc.Issue(context.Background(), 1, 0, "nothing", nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := svc.Issue(context.Background(), 1, -500, "nothing", nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}
}

func TestApplyConsumesSoonestExpiringFirst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()

	soon := clk.Now().AddDate(0, 0, 5)
	later := clk.Now().AddDate(0, 0, 60)

	forever, err := svc.Issue(ctx, 1, 1000, "goodwill", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expiringSoon, err := svc.Issue(ctx, 1, 300, "unused time on seal pro", &soon)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expiringLater, err := svc.Issue(ctx, 1, 400, "unused time on vault pro", &later)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var applications []Application
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		applications, txErr = svc.ApplyTx(ctx, tx, 1, 500)
		return txErr
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := totalApplied(applications); got != 500 {
		t.Fatalf("expected 500 applied, got %d", got)
	}
	// one application per credit touched, in consumption order
	if len(applications) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(applications))
	}
	if applications[0].CreditID != expiringSoon.ID || applications[0].AmountCents != 300 {
		t.Fatalf("first application should drain the soonest credit, got %+v", applications[0])
	}
	if applications[1].CreditID != expiringLater.ID || applications[1].AmountCents != 200 {
		t.Fatalf("second application should dip into the later credit, got %+v", applications[1])
	}

	remaining := func(id any) int64 {
		var r int64
		if err := db.Raw(`SELECT remaining_cents FROM customer_credits WHERE id = ?`, id).Scan(&r).Error; err != nil {
			t.Fatalf("read remaining: %v", err)
		}
		return r
	}
	if got := remaining(expiringSoon.ID); got != 0 {
		t.Fatalf("soonest-expiring credit should be drained, has %d left", got)
	}
	if got := remaining(expiringLater.ID); got != 200 {
		t.Fatalf("later-expiring credit should have 200 left, has %d", got)
	}
	if got := remaining(forever.ID); got != 1000 {
		t.Fatalf("never-expiring credit should be untouched, has %d left", got)
	}
}

func TestApplySkipsExpiredCredits(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()

	expiry := clk.Now().AddDate(0, 0, 3)
	if _, err := svc.Issue(ctx, 2, 800, "unused time on seal pro", &expiry); err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(4 * 24 * time.Hour)

	var applications []Application
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		applications, txErr = svc.ApplyTx(ctx, tx, 2, 500)
		return txErr
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := totalApplied(applications); got != 0 {
		t.Fatalf("expired credit must not be spendable, applied %d", got)
	}

	var available int64
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		available, txErr = svc.AvailableTx(ctx, tx, 2)
		return txErr
	})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 0 {
		t.Fatalf("expired credit must not count as available, got %d", available)
	}
}

func TestCountOrphanedReconciliation(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	node := testutil.NewNode(t)

	if _, err := svc.Issue(ctx, 5, 800, domain.CreditReasonReconciliation, nil); err != nil {
		t.Fatalf("issue: %v", err)
	}
	// non-reconciliation balances never count
	if _, err := svc.Issue(ctx, 5, 300, "goodwill", nil); err != nil {
		t.Fatalf("issue: %v", err)
	}

	count := func() int64 {
		var n int64
		err := db.Transaction(func(tx *gorm.DB) error {
			var txErr error
			n, txErr = svc.CountOrphanedReconciliationTx(ctx, tx, 5)
			return txErr
		})
		if err != nil {
			t.Fatalf("count orphaned: %v", err)
		}
		return n
	}

	// no subscribed service at all: the balance is stranded
	if got := count(); got != 1 {
		t.Fatalf("expected 1 orphaned credit, got %d", got)
	}

	// a reset instance row does not count as subscribed
	testutil.SeedInstance(t, db, node, 5, "seal", "starter", "not_provisioned", true, clk.Now())
	if got := count(); got != 1 {
		t.Fatalf("expected 1 orphaned credit with reset instance, got %d", got)
	}

	if err := db.Exec(
		`UPDATE service_instances SET status = 'enabled' WHERE customer_id = 5`,
	).Error; err != nil {
		t.Fatalf("enable instance: %v", err)
	}
	if got := count(); got != 0 {
		t.Fatalf("expected no orphaned credits with a live service, got %d", got)
	}
}

func totalApplied(applications []Application) int64 {
	var total int64
	for _, app := range applications {
		total += app.AmountCents
	}
	return total
}

func TestApplyIsCappedByBalance(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, 3, 250, "goodwill", nil); err != nil {
		t.Fatalf("issue: %v", err)
	}

	var applications []Application
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		applications, txErr = svc.ApplyTx(ctx, tx, 3, 10000)
		return txErr
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := totalApplied(applications); got != 250 {
		t.Fatalf("expected partial application of 250, got %d", got)
	}

	// nothing left on a second pass
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		applications, txErr = svc.ApplyTx(ctx, tx, 3, 10000)
		return txErr
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applications) != 0 {
		t.Fatalf("expected nothing left to apply, got %v", applications)
	}
}
