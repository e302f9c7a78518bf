package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/credit"
	"github.com/keyplane/billing/internal/testutil"
)

func newTestService(t *testing.T, clk clock.Clock) (*Service, *credit.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	credits := credit.New(credit.Params{DB: db, Log: log, GenID: node, Clock: clk})
	svc := New(Params{DB: db, Log: log, GenID: node, Clock: clk, Credits: credits})
	return svc, credits, db
}

func validate(t *testing.T, svc *Service, db *gorm.DB, customerID int64) error {
	t.Helper()
	var opErr error
	err := db.Transaction(func(tx *gorm.DB) error {
		opErr = svc.ValidateCustomerTx(context.Background(), tx, customerID)
		if domain.IsValidation(opErr) {
			return nil
		}
		return opErr
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	return opErr
}

func TestValidatePassesOnCleanState(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _, db := newTestService(t, clk)
	testutil.SeedCustomer(t, db, 1, clk.Now())

	if err := validate(t, svc, db, 1); err != nil {
		t.Fatalf("expected clean state to pass, got %v", err)
	}
}

func TestValidateRejectsNegativeAmounts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _, db := newTestService(t, clk)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, db, 1, clk.Now())
	if err := db.Exec(
		`INSERT INTO billing_records (id, customer_id, invoice_number, record_type, status, amount_cents, created_at, updated_at)
		 VALUES (?, 1, 'INV-2025-01-0001', 'monthly', 'PENDING', -500, ?, ?)`,
		node.Generate(), clk.Now(), clk.Now(),
	).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}

	err := validate(t, svc, db, 1)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Code != "NEGATIVE_AMOUNT" {
		t.Fatalf("expected NEGATIVE_AMOUNT, got %v", err)
	}
}

func TestValidateRejectsDraftTotalMismatch(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _, db := newTestService(t, clk)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, db, 1, clk.Now())

	draftID := node.Generate()
	if err := db.Exec(
		`INSERT INTO billing_records (id, customer_id, invoice_number, record_type, status, amount_cents, created_at, updated_at)
		 VALUES (?, 1, 'INV-2025-01-0001', 'monthly', 'DRAFT', 900, ?, ?)`,
		draftID, clk.Now(), clk.Now(),
	).Error; err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO billing_line_items (id, billing_record_id, item_type, quantity, unit_price_cents, amount_cents, created_at, updated_at)
		 VALUES (?, ?, 'subscription', 1, 700, 700, ?, ?)`,
		node.Generate(), draftID, clk.Now(), clk.Now(),
	).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}

	err := validate(t, svc, db, 1)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Code != "DRAFT_AMOUNT_MISMATCH" {
		t.Fatalf("expected DRAFT_AMOUNT_MISMATCH, got %v", err)
	}
}

func TestValidateWarnsOnOrphanedCredits(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, credits, db := newTestService(t, clk)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, db, 1, clk.Now())

	// a reconciliation balance with no subscribed service behind it
	if _, err := credits.Issue(context.Background(), 1, 500, domain.CreditReasonReconciliation, nil); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// a soft finding: validation passes but leaves a notification behind
	if err := validate(t, svc, db, 1); err != nil {
		t.Fatalf("orphaned credits must not block billing, got %v", err)
	}

	var row struct {
		Severity string
		Code     string
	}
	if err := db.Raw(
		`SELECT severity, code FROM admin_notifications WHERE customer_id = 1`,
	).Scan(&row).Error; err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if row.Code != "ORPHANED_RECONCILIATION_CREDITS" || row.Severity != "warning" {
		t.Fatalf("unexpected notification %+v", row)
	}

	// once a service is subscribed again the balance is no longer stranded
	testutil.SeedInstance(t, db, node, 1, "seal", "starter", "enabled", true, clk.Now())
	if err := db.Exec(`DELETE FROM admin_notifications`).Error; err != nil {
		t.Fatalf("clear notifications: %v", err)
	}
	if err := validate(t, svc, db, 1); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM admin_notifications WHERE customer_id = 1`).Scan(&count).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no notification with a live service, got %d", count)
	}
}
