package grace

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
	return New(Params{DB: db, Log: zap.NewNop(), Clock: clk}), db
}

func loadCustomer(t *testing.T, db *gorm.DB, id int64) domain.Customer {
	t.Helper()
	var c domain.Customer
	if err := db.Raw(
		`SELECT id, paid_once, grace_period_started_at, suspended_at FROM customers WHERE id = ?`, id,
	).Scan(&c).Error; err != nil {
		t.Fatalf("load customer: %v", err)
	}
	return c
}

func TestStartRequiresAPayingCustomer(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	testutil.SeedCustomer(t, db, 1, clk.Now())

	// a customer who has never paid gets no grace window
	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.StartTx(ctx, tx, 1)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if loadCustomer(t, db, 1).GracePeriodStartedAt != nil {
		t.Fatal("grace period must not start for a never-paid customer")
	}
}

func TestStartDoesNotResetAnOpenGracePeriod(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	testutil.SeedCustomer(t, db, 1, clk.Now())
	if err := db.Exec(`UPDATE customers SET paid_once = 1 WHERE id = 1`).Error; err != nil {
		t.Fatalf("seed paid_once: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.StartTx(ctx, tx, 1)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	started := loadCustomer(t, db, 1).GracePeriodStartedAt
	if started == nil {
		t.Fatal("expected grace period to start")
	}

	clk.Advance(5 * 24 * time.Hour)
	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.StartTx(ctx, tx, 1)
	})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	after := loadCustomer(t, db, 1).GracePeriodStartedAt
	if !after.Equal(*started) {
		t.Fatalf("second failure must not reset the window: %v became %v", started, after)
	}
}

func TestExpireSuspendsAfterFourteenDays(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, db, 1, clk.Now())
	if err := db.Exec(`UPDATE customers SET paid_once = 1 WHERE id = 1`).Error; err != nil {
		t.Fatalf("seed paid_once: %v", err)
	}
	testutil.SeedInstance(t, db, node, 1, "seal", "starter", "enabled", true, clk.Now())

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.StartTx(ctx, tx, 1)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// one day short of the deadline: nothing happens
	clk.Advance(13 * 24 * time.Hour)
	customer := loadCustomer(t, db, 1)
	err = db.Transaction(func(tx *gorm.DB) error {
		suspended, txErr := svc.ExpireTx(ctx, tx, &customer)
		if txErr != nil {
			return txErr
		}
		if suspended {
			t.Fatal("suspended before the grace period ran out")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}

	clk.Advance(24 * time.Hour)
	customer = loadCustomer(t, db, 1)
	err = db.Transaction(func(tx *gorm.DB) error {
		suspended, txErr := svc.ExpireTx(ctx, tx, &customer)
		if txErr != nil {
			return txErr
		}
		if !suspended {
			t.Fatal("expected suspension at the deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}

	if loadCustomer(t, db, 1).SuspendedAt == nil {
		t.Fatal("expected suspended_at to be set")
	}
	// suspension switches the service off through the user toggle and
	// leaves the lifecycle status alone
	var row struct {
		Status        string
		IsUserEnabled bool
	}
	if err := db.Raw(
		`SELECT status, is_user_enabled FROM service_instances WHERE customer_id = 1`,
	).Scan(&row).Error; err != nil {
		t.Fatalf("read instance: %v", err)
	}
	if row.Status != "enabled" {
		t.Fatalf("expected lifecycle status untouched, got %s", row.Status)
	}
	if row.IsUserEnabled {
		t.Fatal("expected service switched off")
	}
}

func TestExpireIsIdempotentOnSuspendedCustomers(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	testutil.SeedCustomer(t, db, 1, clk.Now())

	started := clk.Now().AddDate(0, 0, -20)
	suspendedAt := clk.Now().AddDate(0, 0, -6)
	if err := db.Exec(
		`UPDATE customers SET grace_period_started_at = ?, suspended_at = ? WHERE id = 1`,
		started, suspendedAt,
	).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	customer := loadCustomer(t, db, 1)
	err := db.Transaction(func(tx *gorm.DB) error {
		suspended, txErr := svc.ExpireTx(ctx, tx, &customer)
		if txErr != nil {
			return txErr
		}
		if suspended {
			t.Fatal("already-suspended customer must not be suspended again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
}

func TestClearAndResume(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, db, 1, clk.Now())
	id := testutil.SeedInstance(t, db, node, 1, "seal", "starter", "enabled", true, clk.Now())
	if err := db.Exec(
		`UPDATE service_instances SET is_user_enabled = 0 WHERE id = ?`, id,
	).Error; err != nil {
		t.Fatalf("seed instance state: %v", err)
	}
	if err := db.Exec(
		`UPDATE customers SET paid_once = 1, grace_period_started_at = ?, suspended_at = ? WHERE id = 1`,
		clk.Now().AddDate(0, 0, -20), clk.Now().AddDate(0, 0, -6),
	).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.ResumeTx(ctx, tx, 1)
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	customer := loadCustomer(t, db, 1)
	if customer.SuspendedAt != nil || customer.GracePeriodStartedAt != nil {
		t.Fatalf("expected suspension lifted, got suspended_at=%v grace=%v",
			customer.SuspendedAt, customer.GracePeriodStartedAt)
	}

	// services stay switched off until explicitly re-enabled
	var enabled bool
	if err := db.Raw(`SELECT is_user_enabled FROM service_instances WHERE customer_id = 1`).Scan(&enabled).Error; err != nil {
		t.Fatalf("read toggle: %v", err)
	}
	if enabled {
		t.Fatal("expected service still switched off after resume")
	}
}
