package grace

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
)

// GracePeriodDays is how long a customer may stay delinquent before
// suspension.
const GracePeriodDays = 14

var Module = fx.Module("grace",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) *Service {
	return &Service{db: p.DB, log: p.Log.Named("grace.service"), clock: p.Clock}
}

// StartTx opens the grace period on the first failed payment. A second
// failure while already in grace does not reset the window, and a customer
// who has never paid gets no grace: their unpaid first invoice is handled
// by the subscription flow, not suspension.
func (s *Service) StartTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers
		 SET grace_period_started_at = ?, updated_at = ?
		 WHERE id = ? AND grace_period_started_at IS NULL AND paid_once = ?`,
		now, now, customerID, true,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Warn("grace period started", zap.Int64("customer_id", customerID))
	}
	return nil
}

// ClearTx ends the grace period, called when the customer pays.
func (s *Service) ClearTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`UPDATE customers
		 SET grace_period_started_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now, customerID,
	).Error
}

// ExpireTx suspends the customer when the grace period has run out: the
// account is marked suspended and every provisioned service is switched
// off through the user-enabled flag, leaving the lifecycle status intact.
// Returns true when a suspension happened.
func (s *Service) ExpireTx(ctx context.Context, tx *gorm.DB, customer *domain.Customer) (bool, error) {
	if customer.GracePeriodStartedAt == nil || customer.SuspendedAt != nil {
		return false, nil
	}
	now := s.clock.Now()
	deadline := customer.GracePeriodStartedAt.AddDate(0, 0, GracePeriodDays)
	if now.Before(deadline) {
		return false, nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE customers SET suspended_at = ?, updated_at = ? WHERE id = ?`,
		now, now, customer.ID,
	).Error; err != nil {
		return false, err
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET is_user_enabled = ?, disabled_at = ?, updated_at = ?
		 WHERE customer_id = ? AND status <> ?`,
		false, now, now, customer.ID, domain.ServiceInstanceStatusNotProvisioned,
	).Error; err != nil {
		return false, err
	}
	s.log.Warn("customer suspended after grace period",
		zap.Int64("customer_id", customer.ID),
	)
	return true, nil
}

// ResumeTx lifts a suspension after a successful payment. Service instances
// stay switched off; the customer re-enables them explicitly.
func (s *Service) ResumeTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers
		 SET suspended_at = NULL, grace_period_started_at = NULL, updated_at = ?
		 WHERE id = ? AND suspended_at IS NOT NULL`,
		now, customerID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("customer account resumed", zap.Int64("customer_id", customerID))
	}
	return nil
}
