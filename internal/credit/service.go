package credit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
)

var Module = fx.Module("credit",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("credit.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// IssueTx grants a credit. expiresAt nil means the credit never expires.
func (s *Service) IssueTx(ctx context.Context, tx *gorm.DB, customerID int64, amountCents int64, reason string, expiresAt *time.Time) (*domain.CustomerCredit, error) {
	if amountCents <= 0 {
		return nil, domain.NewValidationError("NEGATIVE_AMOUNT", "credit amount must be positive")
	}
	now := s.clock.Now()
	cr := domain.CustomerCredit{
		ID:             s.genID.Generate(),
		CustomerID:     customerID,
		AmountCents:    amountCents,
		RemainingCents: amountCents,
		Reason:         reason,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO customer_credits (
			id, customer_id, amount_cents, remaining_cents, reason, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.CustomerID, cr.AmountCents, cr.RemainingCents, cr.Reason, cr.ExpiresAt, cr.CreatedAt, cr.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	s.log.Info("credit issued",
		zap.Int64("customer_id", customerID),
		zap.Int64("amount_cents", amountCents),
		zap.String("reason", reason),
	)
	return &cr, nil
}

// Issue grants a credit in its own transaction.
func (s *Service) Issue(ctx context.Context, customerID int64, amountCents int64, reason string, expiresAt *time.Time) (*domain.CustomerCredit, error) {
	var cr *domain.CustomerCredit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		cr, txErr = s.IssueTx(ctx, tx, customerID, amountCents, reason, expiresAt)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// AvailableTx sums unexpired remaining credit.
func (s *Service) AvailableTx(ctx context.Context, tx *gorm.DB, customerID int64) (int64, error) {
	now := s.clock.Now()
	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(remaining_cents), 0)
		 FROM customer_credits
		 WHERE customer_id = ? AND remaining_cents > 0
		   AND (expires_at IS NULL OR expires_at > ?)`,
		customerID, now,
	).Scan(&total).Error
	return total, err
}

// Application is one credit drawn down during a payment. The payment
// service records one invoice_payments row per application.
type Application struct {
	CreditID    snowflake.ID
	AmountCents int64
}

// ApplyTx consumes up to amountCents of credit, soonest-expiring first with
// never-expiring credits last, and returns what was taken from each credit.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, customerID int64, amountCents int64) ([]Application, error) {
	if amountCents <= 0 {
		return nil, nil
	}
	now := s.clock.Now()

	var credits []domain.CustomerCredit
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, amount_cents, remaining_cents, reason, expires_at, created_at, updated_at
		 FROM customer_credits
		 WHERE customer_id = ? AND remaining_cents > 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC
		 FOR UPDATE`,
		customerID, now,
	).Scan(&credits).Error
	if err != nil {
		return nil, err
	}

	var applications []Application
	var applied int64
	for _, cr := range credits {
		if applied >= amountCents {
			break
		}
		take := amountCents - applied
		if take > cr.RemainingCents {
			take = cr.RemainingCents
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE customer_credits
			 SET remaining_cents = remaining_cents - ?, updated_at = ?
			 WHERE id = ?`,
			take, now, cr.ID,
		).Error; err != nil {
			return applications, err
		}
		applications = append(applications, Application{CreditID: cr.ID, AmountCents: take})
		applied += take
	}
	if applied > 0 {
		s.log.Debug("credit applied",
			zap.Int64("customer_id", customerID),
			zap.Int64("applied_cents", applied),
			zap.Int("credits_touched", len(applications)),
		)
	}
	return applications, nil
}

// CountOrphanedReconciliationTx reports reconciliation credits with a
// remaining balance for a customer who no longer has any provisioned
// service. Validation surfaces them so an operator can refund or expire
// them.
func (s *Service) CountOrphanedReconciliationTx(ctx context.Context, tx *gorm.DB, customerID int64) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM customer_credits
		 WHERE customer_id = ? AND reason = ? AND remaining_cents > 0
		   AND NOT EXISTS (
		       SELECT 1 FROM service_instances
		       WHERE customer_id = ? AND status <> ?
		   )`,
		customerID, domain.CreditReasonReconciliation, customerID,
		domain.ServiceInstanceStatusNotProvisioned,
	).Scan(&count).Error
	return count, err
}
