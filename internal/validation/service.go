package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/credit"
)

var Module = fx.Module("validation",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Credits *credit.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	credits *credit.Service
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("validation.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		credits: p.Credits,
	}
}

// ValidateCustomerTx runs the pre-billing sanity checks. Hard violations
// come back as ValidationErrors and stop the customer's billing run; soft
// findings are recorded as admin notifications and billing continues.
func (s *Service) ValidateCustomerTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	if err := s.checkNegativeAmounts(ctx, tx, customerID); err != nil {
		return err
	}
	if err := s.checkSingleDraft(ctx, tx, customerID); err != nil {
		return err
	}
	if err := s.checkDraftTotal(ctx, tx, customerID); err != nil {
		return err
	}

	orphaned, err := s.credits.CountOrphanedReconciliationTx(ctx, tx, customerID)
	if err != nil {
		return domain.NewSystemError("orphaned credit check failed", err)
	}
	if orphaned > 0 {
		if err := s.NotifyTx(ctx, tx, customerID, domain.NotificationSeverityWarning,
			"ORPHANED_RECONCILIATION_CREDITS",
			fmt.Sprintf("%d reconciliation credits have a remaining balance but no subscribed service", orphaned),
			map[string]any{"count": orphaned},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkNegativeAmounts(ctx context.Context, tx *gorm.DB, customerID int64) error {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM billing_records
		 WHERE customer_id = ? AND (amount_cents < 0 OR amount_paid_cents < 0)`,
		customerID,
	).Scan(&count).Error
	if err != nil {
		return domain.NewSystemError("negative amount check failed", err)
	}
	if count > 0 {
		return &domain.ValidationError{
			Code:    "NEGATIVE_AMOUNT",
			Message: "billing records with negative amounts found",
			Details: map[string]any{"count": count},
		}
	}
	return nil
}

func (s *Service) checkSingleDraft(ctx context.Context, tx *gorm.DB, customerID int64) error {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM billing_records WHERE customer_id = ? AND status = ?`,
		customerID, domain.BillingRecordStatusDraft,
	).Scan(&count).Error
	if err != nil {
		return domain.NewSystemError("draft count check failed", err)
	}
	if count > 1 {
		return &domain.ValidationError{
			Code:    "MULTIPLE_DRAFT_INVOICES",
			Message: "customer has more than one draft invoice",
			Details: map[string]any{"count": count},
		}
	}
	return nil
}

func (s *Service) checkDraftTotal(ctx context.Context, tx *gorm.DB, customerID int64) error {
	type mismatchRow struct {
		ID          snowflake.ID
		AmountCents int64
		ItemTotal   int64
	}
	var row mismatchRow
	err := tx.WithContext(ctx).Raw(
		`SELECT br.id, br.amount_cents,
		        COALESCE((SELECT SUM(li.amount_cents) FROM billing_line_items li WHERE li.billing_record_id = br.id), 0) AS item_total
		 FROM billing_records br
		 WHERE br.customer_id = ? AND br.status = ?`,
		customerID, domain.BillingRecordStatusDraft,
	).Scan(&row).Error
	if err != nil {
		return domain.NewSystemError("draft total check failed", err)
	}
	if row.ID != 0 && row.AmountCents != row.ItemTotal {
		return &domain.ValidationError{
			Code:    "DRAFT_AMOUNT_MISMATCH",
			Message: "draft total does not match its line items",
			Details: map[string]any{
				"record_id":   row.ID.String(),
				"amount":      row.AmountCents,
				"items_total": row.ItemTotal,
			},
		}
	}
	return nil
}

// NotifyTx persists an operator-facing notification.
func (s *Service) NotifyTx(ctx context.Context, tx *gorm.DB, customerID int64, severity domain.NotificationSeverity, code, message string, details map[string]any) error {
	var raw []byte
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO admin_notifications (
			id, customer_id, severity, code, message, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), customerID, severity, code, message, raw, s.clock.Now(),
	).Error
}
