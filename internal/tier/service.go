package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing"
	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/locking"
	"github.com/keyplane/billing/internal/payment"
	"github.com/keyplane/billing/internal/servicebilling"
)

// CancellationCooldownDays is both the grace window between a cancellation
// becoming pending and the service being torn down, and the wait before the
// same service type can be provisioned again afterwards.
const CancellationCooldownDays = 7

var tierRank = map[string]int{
	"starter":    1,
	"pro":        2,
	"enterprise": 3,
}

var Module = fx.Module("tier",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Locker  *locking.Locker
	Pricing *billing.PricingHolder
	Invoice *invoice.Service
	Payment *payment.Service
	Billing *servicebilling.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	locker  *locking.Locker
	pricing *billing.PricingHolder
	invoice *invoice.Service
	payment *payment.Service
	billing *servicebilling.Service
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("tier.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		locker:  p.Locker,
		pricing: p.Pricing,
		invoice: p.Invoice,
		payment: p.Payment,
		billing: p.Billing,
	}
}

// ProvisionDecision is the answer to "may this customer provision this
// service type". AvailableAt is set when the refusal lifts on its own.
type ProvisionDecision struct {
	Allowed     bool
	Reason      string
	AvailableAt *time.Time
}

// Subscribe provisions a service instance on a tier and charges the first
// month immediately. A cancelled-and-reset instance row is revived instead
// of re-inserted so its payment history survives.
func (s *Service) Subscribe(ctx context.Context, customerID int64, serviceType, tier string) (*domain.ServiceInstance, error) {
	if _, ok := tierRank[tier]; !ok {
		return nil, domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("tier %q does not exist", tier))
	}
	if _, ok := s.pricing.Get().TierPrice(tier); !ok {
		return nil, domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("no price for tier %q", tier))
	}

	var instance *domain.ServiceInstance
	err := s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		decision, err := s.canProvisionTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return domain.NewValidationError("PROVISION_NOT_ALLOWED", decision.Reason)
		}

		existing, err := s.loadInstanceTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if existing != nil {
			// canProvisionTx only lets a not_provisioned row through
			if err := tx.WithContext(ctx).Exec(
				`UPDATE service_instances
				 SET tier = ?, status = ?, is_user_enabled = ?, config = NULL,
				     enabled_at = ?, disabled_at = NULL, updated_at = ?
				 WHERE id = ?`,
				tier, domain.ServiceInstanceStatusEnabled, true, now, now, existing.ID,
			).Error; err != nil {
				return err
			}
			existing.Tier = tier
			existing.Status = domain.ServiceInstanceStatusEnabled
			existing.IsUserEnabled = true
			instance = existing
		} else {
			created := domain.ServiceInstance{
				ID:            s.genID.Generate(),
				CustomerID:    customerID,
				ServiceType:   serviceType,
				Tier:          tier,
				Status:        domain.ServiceInstanceStatusEnabled,
				IsUserEnabled: true,
				EnabledAt:     &now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO service_instances (
					id, customer_id, service_type, tier, status, is_user_enabled, paid_once,
					enabled_at, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				created.ID, created.CustomerID, created.ServiceType, created.Tier, created.Status,
				true, false, now, created.CreatedAt, created.UpdatedAt,
			).Error; err != nil {
				return err
			}
			instance = &created
		}

		_, err = s.billing.BillNewSubscriptionTx(ctx, tx, instance)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("service subscribed",
		zap.Int64("customer_id", customerID),
		zap.String("service_type", serviceType),
		zap.String("tier", tier),
	)
	return instance, nil
}

// Downgrade moves a service to a lower tier. A customer who has never paid
// gets the new tier immediately with their unpaid first invoice rewritten;
// a paying customer keeps the current tier until the month ends and the
// lower one is booked for the 1st.
func (s *Service) Downgrade(ctx context.Context, customerID int64, serviceType, newTier string) error {
	return s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		instance, err := s.loadProvisionedTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if err := rejectIfCancelling(instance); err != nil {
			return err
		}
		newRank, ok := tierRank[newTier]
		if !ok {
			return domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("tier %q does not exist", newTier))
		}
		if newRank >= tierRank[instance.Tier] {
			return domain.NewValidationError("NOT_A_DOWNGRADE",
				fmt.Sprintf("tier %q is not below %q", newTier, instance.Tier))
		}

		now := s.clock.Now()
		if !instance.PaidOnce {
			return s.applyTierNowTx(ctx, tx, instance, newTier)
		}

		effective := clock.StartOfNextMonth(now)
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET scheduled_tier = ?, scheduled_tier_at = ?, updated_at = ?
			 WHERE id = ?`,
			newTier, effective, now, instance.ID,
		).Error; err != nil {
			return err
		}
		// next month's draft bills the tier that will be in force
		_, err = s.billing.RecalculateDraftInvoiceTx(ctx, tx, customerID)
		return err
	})
}

// Cancel ends a service. A never-paid service is removed on the spot with
// its unpaid first invoice deleted; a paid one runs until the end of the
// month, then the periodic job walks it through the pending window.
func (s *Service) Cancel(ctx context.Context, customerID int64, serviceType string) error {
	err := s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		instance, err := s.loadProvisionedTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if err := rejectIfCancelling(instance); err != nil {
			return err
		}

		if !instance.PaidOnce {
			return s.cancelUnpaidTx(ctx, tx, instance)
		}

		now := s.clock.Now()
		scheduledFor := clock.EndOfMonth(now)
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET cancellation_scheduled_for = ?,
			     scheduled_tier = NULL, scheduled_tier_at = NULL, updated_at = ?
			 WHERE id = ?`,
			scheduledFor, now, instance.ID,
		).Error; err != nil {
			return err
		}
		// the service drops off next month's draft right away
		_, err = s.billing.RecalculateDraftInvoiceTx(ctx, tx, customerID)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("service cancellation requested",
		zap.Int64("customer_id", customerID),
		zap.String("service_type", serviceType),
	)
	return nil
}

// UndoCancel withdraws a booked cancellation. Once the pending grace window
// has started the cancellation is committed and support has to intervene.
func (s *Service) UndoCancel(ctx context.Context, customerID int64, serviceType string) error {
	return s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		instance, err := s.loadProvisionedTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if instance.Status == domain.ServiceInstanceStatusCancellationPending {
			return domain.NewValidationError("CANCELLATION_PENDING",
				"grace period already started, contact support")
		}
		if instance.CancellationScheduledFor == nil {
			return domain.NewValidationError("NO_CANCELLATION_SCHEDULED",
				"no cancellation scheduled")
		}
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET cancellation_scheduled_for = NULL, updated_at = ?
			 WHERE id = ?`,
			now, instance.ID,
		).Error; err != nil {
			return err
		}
		_, err = s.billing.RecalculateDraftInvoiceTx(ctx, tx, customerID)
		return err
	})
}

// SetUserEnabled flips the customer's own on/off switch on a live service.
// The toggle never changes what is billed.
func (s *Service) SetUserEnabled(ctx context.Context, customerID int64, serviceType string, enabled bool) error {
	return s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		instance, err := s.loadProvisionedTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if instance.Status != domain.ServiceInstanceStatusEnabled &&
			instance.Status != domain.ServiceInstanceStatusDisabled {
			return domain.NewValidationError("SERVICE_NOT_TOGGLEABLE",
				fmt.Sprintf("service %s cannot be toggled in state %s", serviceType, instance.Status))
		}
		now := s.clock.Now()
		if enabled {
			return tx.WithContext(ctx).Exec(
				`UPDATE service_instances
				 SET is_user_enabled = ?, enabled_at = ?, updated_at = ?
				 WHERE id = ?`,
				true, now, now, instance.ID,
			).Error
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET is_user_enabled = ?, disabled_at = ?, updated_at = ?
			 WHERE id = ?`,
			false, now, now, instance.ID,
		).Error
	})
}

// CanProvision reports whether the customer may provision a new service of
// this type, with the blocking reason and, where it applies, when the
// block lifts.
func (s *Service) CanProvision(ctx context.Context, customerID int64, serviceType string) (*ProvisionDecision, error) {
	if err := domain.ValidateCustomerID(customerID); err != nil {
		return nil, err
	}
	var decision *ProvisionDecision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		decision, txErr = s.canProvisionTx(ctx, tx, customerID, serviceType)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// CanPerformKeyOperation gates day-to-day key usage: the instance must be
// live and its first month must have been collected.
func (s *Service) CanPerformKeyOperation(ctx context.Context, customerID int64, serviceType string) (bool, string, error) {
	if err := domain.ValidateCustomerID(customerID); err != nil {
		return false, "", err
	}
	var allowed bool
	var reason string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := s.loadInstanceTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if instance == nil || !instance.Provisioned() {
			reason = "service not provisioned"
			return nil
		}
		if instance.Status != domain.ServiceInstanceStatusEnabled &&
			instance.Status != domain.ServiceInstanceStatusDisabled {
			reason = fmt.Sprintf("service is %s", instance.Status)
			return nil
		}
		if !instance.PaidOnce {
			reason = "first payment has not been collected"
			return nil
		}
		allowed = true
		return nil
	})
	return allowed, reason, err
}

func (s *Service) canProvisionTx(ctx context.Context, tx *gorm.DB, customerID int64, serviceType string) (*ProvisionDecision, error) {
	var customer domain.Customer
	if err := tx.WithContext(ctx).Raw(
		`SELECT id, suspended_at FROM customers WHERE id = ?`, customerID,
	).Scan(&customer).Error; err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, domain.ErrCustomerNotFound
	}
	if customer.SuspendedAt != nil {
		return &ProvisionDecision{Reason: "account suspended"}, nil
	}

	instance, err := s.loadInstanceTx(ctx, tx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		if instance.Status == domain.ServiceInstanceStatusCancellationPending {
			return &ProvisionDecision{
				Reason:      "cancellation pending on existing service",
				AvailableAt: instance.CancellationEffective,
			}, nil
		}
		if instance.Provisioned() {
			return &ProvisionDecision{Reason: "already subscribed"}, nil
		}
	}

	now := s.clock.Now()
	var cooldown struct{ CooldownUntil *time.Time }
	if err := tx.WithContext(ctx).Raw(
		`SELECT cooldown_until
		 FROM service_cancellation_history
		 WHERE customer_id = ? AND service_type = ? AND cooldown_until > ?
		 ORDER BY cooldown_until DESC LIMIT 1`,
		customerID, serviceType, now,
	).Scan(&cooldown).Error; err != nil {
		return nil, err
	}
	if cooldown.CooldownUntil != nil {
		return &ProvisionDecision{
			Reason:      "cancellation cooldown active",
			AvailableAt: cooldown.CooldownUntil,
		}, nil
	}
	return &ProvisionDecision{Allowed: true}, nil
}

// cancelUnpaidTx removes a never-paid service on the spot. Only the first
// month invoice pinned to this instance is deleted; nothing else the
// customer owes is touched, and no cooldown is recorded.
func (s *Service) cancelUnpaidTx(ctx context.Context, tx *gorm.DB, instance *domain.ServiceInstance) error {
	pendingInvoice := instance.SubPendingInvoiceID

	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM service_instances WHERE id = ?`, instance.ID,
	).Error; err != nil {
		return err
	}
	if pendingInvoice != nil {
		if err := s.invoice.DeleteUnpaidTx(ctx, tx, *pendingInvoice); err != nil {
			return err
		}
	}
	_, err := s.billing.RecalculateDraftInvoiceTx(ctx, tx, instance.CustomerID)
	return err
}

// applyTierNowTx is the immediate tier change used for customers who have
// not paid yet: the instance flips, the pinned first month invoice is
// rewritten to the new price, and the draft follows.
func (s *Service) applyTierNowTx(ctx context.Context, tx *gorm.DB, instance *domain.ServiceInstance, newTier string) error {
	price, ok := s.pricing.Get().TierPrice(newTier)
	if !ok {
		return domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("no price for tier %q", newTier))
	}
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET tier = ?, scheduled_tier = NULL, scheduled_tier_at = NULL, updated_at = ?
		 WHERE id = ?`,
		newTier, now, instance.ID,
	).Error; err != nil {
		return err
	}
	if instance.SubPendingInvoiceID != nil {
		if err := s.rewritePinnedInvoiceTx(ctx, tx, *instance.SubPendingInvoiceID,
			instance.ServiceType, newTier, price); err != nil {
			return err
		}
	}
	_, err := s.billing.RecalculateDraftInvoiceTx(ctx, tx, instance.CustomerID)
	return err
}

// ApplyScheduledTierChangesTx applies due downgrades. The caller
// recalculates the draft when anything changed.
func (s *Service) ApplyScheduledTierChangesTx(ctx context.Context, tx *gorm.DB, customerID int64) (int, error) {
	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET tier = scheduled_tier, scheduled_tier = NULL, scheduled_tier_at = NULL, updated_at = ?
		 WHERE customer_id = ? AND scheduled_tier IS NOT NULL AND scheduled_tier_at <= ?`,
		now, customerID, now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ProcessScheduledCancellationsTx moves services whose end-of-month
// cancellation date has arrived into the pending grace window: the service
// switches off and the teardown is booked a week out so the customer can
// still come back through support.
func (s *Service) ProcessScheduledCancellationsTx(ctx context.Context, tx *gorm.DB, customerID int64) (int, error) {
	now := s.clock.Now()
	effective := clock.AddDays(now, CancellationCooldownDays)
	res := tx.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET status = ?, is_user_enabled = ?, cancellation_effective_at = ?,
		     cancellation_scheduled_for = NULL, disabled_at = ?, updated_at = ?
		 WHERE customer_id = ? AND cancellation_scheduled_for IS NOT NULL
		   AND cancellation_scheduled_for <= ?`,
		domain.ServiceInstanceStatusCancellationPending, false, effective, now, now,
		customerID, now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ProcessDueCancellationsTx tears down services whose pending grace window
// has elapsed: provisioned artifacts are removed, the cooldown is recorded
// and the instance is reset to not_provisioned with its payment history
// kept. Returns the affected service types.
func (s *Service) ProcessDueCancellationsTx(ctx context.Context, tx *gorm.DB, customerID int64) ([]string, error) {
	now := s.clock.Now()
	var due []domain.ServiceInstance
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, service_type, tier, status, is_user_enabled, paid_once,
		        cancellation_scheduled_for, cancellation_effective_at, sub_pending_invoice_id,
		        config, created_at, updated_at
		 FROM service_instances
		 WHERE customer_id = ? AND status = ? AND cancellation_effective_at <= ?
		 FOR UPDATE`,
		customerID, domain.ServiceInstanceStatusCancellationPending, now,
	).Scan(&due).Error
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	var serviceTypes []string
	for _, inst := range due {
		if err := s.recordCancellationTx(ctx, tx, customerID, inst.ServiceType, now); err != nil {
			return serviceTypes, err
		}
		if err := s.deleteProvisionedArtifactsTx(ctx, tx, customerID, inst.ServiceType); err != nil {
			return serviceTypes, err
		}
		// paid_once survives the reset so a re-subscription is not
		// treated as a first-time customer
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET status = ?, tier = ?, is_user_enabled = ?, config = NULL,
			     scheduled_tier = NULL, scheduled_tier_at = NULL,
			     cancellation_scheduled_for = NULL, cancellation_effective_at = NULL,
			     sub_pending_invoice_id = NULL, enabled_at = NULL, disabled_at = NULL,
			     updated_at = ?
			 WHERE id = ?`,
			domain.ServiceInstanceStatusNotProvisioned, "starter", true, now, inst.ID,
		).Error; err != nil {
			return serviceTypes, err
		}
		serviceTypes = append(serviceTypes, inst.ServiceType)
		s.log.Info("service cancelled and reset",
			zap.Int64("customer_id", customerID),
			zap.String("service_type", inst.ServiceType),
		)
	}

	if _, err := s.billing.RecalculateDraftInvoiceTx(ctx, tx, customerID); err != nil {
		return serviceTypes, err
	}
	return serviceTypes, nil
}

func (s *Service) deleteProvisionedArtifactsTx(ctx context.Context, tx *gorm.DB, customerID int64, serviceType string) error {
	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM service_keys WHERE customer_id = ? AND service_type = ?`,
		customerID, serviceType,
	).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM service_packages WHERE customer_id = ? AND service_type = ?`,
		customerID, serviceType,
	).Error; err != nil {
		return err
	}

	// api keys are account wide; they go only when no live services remain
	var remaining int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM service_instances
		 WHERE customer_id = ? AND service_type <> ? AND status NOT IN ?`,
		customerID, serviceType,
		[]domain.ServiceInstanceStatus{
			domain.ServiceInstanceStatusNotProvisioned,
			domain.ServiceInstanceStatusCancellationPending,
		},
	).Scan(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		if err := tx.WithContext(ctx).Exec(
			`DELETE FROM api_keys WHERE customer_id = ?`, customerID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordCancellationTx(ctx context.Context, tx *gorm.DB, customerID int64, serviceType string, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO service_cancellation_history (
			id, customer_id, service_type, cancelled_at, cooldown_until, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), customerID, serviceType,
		at, clock.AddDays(at, CancellationCooldownDays), at,
	).Error
}

// loadProvisionedTx loads the instance under a row lock and fails when it
// does not exist or has been reset.
func (s *Service) loadProvisionedTx(ctx context.Context, tx *gorm.DB, customerID int64, serviceType string) (*domain.ServiceInstance, error) {
	instance, err := s.loadInstanceTx(ctx, tx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	if instance == nil || !instance.Provisioned() {
		return nil, domain.ErrServiceInstanceNotFound
	}
	return instance, nil
}

func rejectIfCancelling(instance *domain.ServiceInstance) error {
	if instance.Status == domain.ServiceInstanceStatusCancellationPending {
		return domain.NewValidationError("CANCELLATION_PENDING",
			"cancellation is already in its grace period")
	}
	if instance.CancellationScheduledFor != nil {
		return domain.NewValidationError("CANCELLATION_SCHEDULED",
			"a cancellation is scheduled for this service")
	}
	return nil
}

func (s *Service) loadInstanceTx(ctx context.Context, tx *gorm.DB, customerID int64, serviceType string) (*domain.ServiceInstance, error) {
	var instance domain.ServiceInstance
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, service_type, tier, status, is_user_enabled, paid_once,
		        scheduled_tier, scheduled_tier_at, cancellation_scheduled_for, cancellation_effective_at,
		        sub_pending_invoice_id, config, enabled_at, disabled_at, created_at, updated_at
		 FROM service_instances
		 WHERE customer_id = ? AND service_type = ?
		 FOR UPDATE`,
		customerID, serviceType,
	).Scan(&instance).Error
	if err != nil {
		return nil, err
	}
	if instance.ID == 0 {
		return nil, nil
	}
	return &instance, nil
}
