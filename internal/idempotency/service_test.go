package idempotency

import (
	"context"
	"errors"
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

func TestDoTxReplaysSuccess(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)

	calls := 0
	op := func(tx *gorm.DB) (any, error) {
		calls++
		return map[string]any{"invoice": "INV-2025-01-0001"}, nil
	}

	var first, second struct {
		Invoice string `json:"invoice"`
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		raw, replayed, err := svc.DoTx(tx, "monthly-1-2025-01", 1, op)
		if err != nil {
			return err
		}
		if replayed {
			t.Fatal("first call must not be a replay")
		}
		return Unmarshal(raw, &first)
	})
	if err != nil {
		t.Fatalf("first DoTx: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		raw, replayed, err := svc.DoTx(tx, "monthly-1-2025-01", 1, op)
		if err != nil {
			return err
		}
		if !replayed {
			t.Fatal("second call must be a replay")
		}
		return Unmarshal(raw, &second)
	})
	if err != nil {
		t.Fatalf("second DoTx: %v", err)
	}

	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1", calls)
	}
	if first.Invoice != second.Invoice {
		t.Fatalf("replayed value %q differs from original %q", second.Invoice, first.Invoice)
	}
}

func TestDoTxCachesValidationErrors(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)

	calls := 0
	op := func(tx *gorm.DB) (any, error) {
		calls++
		return nil, &domain.ValidationError{
			Code:    "DRAFT_AMOUNT_MISMATCH",
			Message: "draft total does not match its line items",
			Details: map[string]any{"amount": 100},
		}
	}

	// the caller treats a ValidationError as terminal and commits the
	// surrounding transaction, which is what persists the cached outcome
	for i := 0; i < 2; i++ {
		var opErr error
		err := db.Transaction(func(tx *gorm.DB) error {
			_, _, opErr = svc.DoTx(tx, "monthly-2-2025-01", 2, op)
			if domain.IsValidation(opErr) {
				return nil
			}
			return opErr
		})
		if err != nil {
			t.Fatalf("run %d: transaction: %v", i, err)
		}
		var ve *domain.ValidationError
		if !errors.As(opErr, &ve) {
			t.Fatalf("run %d: expected validation error, got %v", i, opErr)
		}
		if ve.Code != "DRAFT_AMOUNT_MISMATCH" {
			t.Fatalf("run %d: wrong code %q", i, ve.Code)
		}
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1: validation errors are terminal", calls)
	}
}

func TestDoTxDoesNotCacheTransientErrors(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)

	calls := 0
	transient := errors.New("connection reset")
	op := func(tx *gorm.DB) (any, error) {
		calls++
		if calls == 1 {
			return nil, transient
		}
		return "ok", nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		_, _, err := svc.DoTx(tx, "monthly-3-2025-01", 3, op)
		return err
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error to bubble, got %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		raw, replayed, err := svc.DoTx(tx, "monthly-3-2025-01", 3, op)
		if err != nil {
			return err
		}
		if replayed {
			t.Fatal("failed attempt must not have been cached")
		}
		var got string
		if err := Unmarshal(raw, &got); err != nil {
			return err
		}
		if got != "ok" {
			t.Fatalf("unexpected value %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry DoTx: %v", err)
	}
	if calls != 2 {
		t.Fatalf("operation ran %d times, want 2", calls)
	}
}

func TestKeyReleasesWithRolledBackTransaction(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)

	boom := errors.New("later step failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, _, err := svc.DoTx(tx, "monthly-4-2025-01", 4, func(tx *gorm.DB) (any, error) {
			return "done", nil
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		_, replayed, err := svc.DoTx(tx, "monthly-4-2025-01", 4, func(tx *gorm.DB) (any, error) {
			return "done", nil
		})
		if err != nil {
			return err
		}
		if replayed {
			t.Fatal("key written in a rolled-back transaction must not persist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second DoTx: %v", err)
	}
}

func TestSweepOlderThan(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()

	old := clk.Now().AddDate(0, 0, -120)
	fresh := clk.Now().AddDate(0, 0, -5)
	for key, at := range map[string]time.Time{
		"monthly-1-2024-12": old,
		"monthly-1-2025-03": fresh,
	} {
		if err := db.Exec(
			`INSERT INTO idempotency_records (key, customer_id, outcome, created_at) VALUES (?, 1, '{"ok":true}', ?)`,
			key, at,
		).Error; err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	deleted, err := svc.SweepOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 record swept, got %d", deleted)
	}

	var left int64
	if err := db.Raw(`SELECT COUNT(*) FROM idempotency_records`).Scan(&left).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 1 {
		t.Fatalf("expected 1 record left, got %d", left)
	}
}
