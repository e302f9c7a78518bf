package servicebilling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing"
	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/credit"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/payment"
)

var Module = fx.Module("servicebilling",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Pricing *billing.PricingHolder
	Invoice *invoice.Service
	Payment *payment.Service
	Credits *credit.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	pricing *billing.PricingHolder
	invoice *invoice.Service
	payment *payment.Service
	credits *credit.Service
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("servicebilling.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		pricing: p.Pricing,
		invoice: p.Invoice,
		payment: p.Payment,
		credits: p.Credits,
	}
}

type instanceConfig struct {
	Addons map[string]int64 `json:"addons,omitempty"`
}

// SubscriptionBillingResult reports what the first-month charge did.
type SubscriptionBillingResult struct {
	InvoiceID   snowflake.ID
	ChargeCents int64
	Paid        bool
	CreditCents int64
}

// BillNewSubscriptionTx collects the first month of a freshly provisioned
// service: a full-month immediate invoice is created and charged in the
// caller's transaction. A paid charge latches paid_once on the customer and
// the instance and issues a non-expiring reconciliation credit for the days
// of the calendar month already gone, so the customer effectively pays from
// today to the end of the month. An unpaid charge leaves the invoice FAILED
// and pins it to the instance for the retry pass to collect. Either way the
// draft for next month is rebuilt afterwards.
func (s *Service) BillNewSubscriptionTx(ctx context.Context, tx *gorm.DB, instance *domain.ServiceInstance) (*SubscriptionBillingResult, error) {
	pricing := s.pricing.Get()
	price, ok := pricing.TierPrice(instance.Tier)
	if !ok {
		return nil, domain.NewValidationError("UNKNOWN_TIER",
			fmt.Sprintf("no price for tier %q", instance.Tier))
	}

	result := &SubscriptionBillingResult{ChargeCents: price}
	now := s.clock.Now()

	if price > 0 {
		record, err := s.invoice.CreateImmediatePendingTx(ctx, tx, instance.CustomerID, []domain.BillingLineItem{{
			ItemType:       domain.LineItemTypeSubscription,
			Description:    LineItemDescription(domain.LineItemTypeSubscription, instance.ServiceType, instance.Tier, ""),
			ServiceType:    instance.ServiceType,
			Tier:           instance.Tier,
			Quantity:       1,
			UnitPriceCents: price,
			AmountCents:    price,
		}})
		if err != nil {
			return nil, err
		}
		result.InvoiceID = record.ID

		payResult, err := s.payment.ProcessInvoicePaymentTx(ctx, tx, record)
		if err != nil {
			return nil, err
		}
		if payResult.Paid {
			result.Paid = true
			if err := tx.WithContext(ctx).Exec(
				`UPDATE customers SET paid_once = ?, updated_at = ? WHERE id = ?`,
				true, now, instance.CustomerID,
			).Error; err != nil {
				return nil, err
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE service_instances SET paid_once = ?, updated_at = ? WHERE id = ?`,
				true, now, instance.ID,
			).Error; err != nil {
				return nil, err
			}
			if amount := s.CalculateReconciliationCredit(price, now); amount > 0 {
				if _, err := s.credits.IssueTx(ctx, tx, instance.CustomerID, amount,
					domain.CreditReasonReconciliation, nil,
				); err != nil {
					return nil, err
				}
				result.CreditCents = amount
			}
		} else {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE service_instances SET sub_pending_invoice_id = ?, updated_at = ? WHERE id = ?`,
				record.ID, now, instance.ID,
			).Error; err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.RecalculateDraftInvoiceTx(ctx, tx, instance.CustomerID); err != nil {
		return nil, err
	}
	return result, nil
}

// RecalculateDraftInvoiceTx rebuilds the subscription and addon line items
// of the customer's DRAFT from the billable service instances and re-sums
// the total. Services with a cancellation booked are left off the draft,
// a scheduled downgrade bills the tier that will be in force, and the
// user-enabled switch has no effect on the amount. Usage line items are
// left untouched; the usage folder owns them. Safe to run any number of
// times.
func (s *Service) RecalculateDraftInvoiceTx(ctx context.Context, tx *gorm.DB, customerID int64) (*domain.BillingRecord, error) {
	draft, err := s.invoice.GetOrCreateDraftTx(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}

	instances, err := s.listBillableInstancesTx(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}

	if err := s.invoice.DeleteLineItemsTx(ctx, tx, draft.ID, []domain.LineItemType{
		domain.LineItemTypeSubscription,
		domain.LineItemTypeAddon,
	}); err != nil {
		return nil, err
	}

	pricing := s.pricing.Get()
	for _, inst := range instances {
		tier := inst.EffectiveTier()
		price, ok := pricing.TierPrice(tier)
		if !ok {
			return nil, domain.NewValidationError("UNKNOWN_TIER",
				fmt.Sprintf("no price for tier %q", tier))
		}
		if err := s.invoice.InsertLineItemTx(ctx, tx, domain.BillingLineItem{
			ID:              s.genID.Generate(),
			BillingRecordID: draft.ID,
			ItemType:        domain.LineItemTypeSubscription,
			Description:     LineItemDescription(domain.LineItemTypeSubscription, inst.ServiceType, tier, ""),
			ServiceType:     inst.ServiceType,
			Tier:            tier,
			Quantity:        1,
			UnitPriceCents:  price,
			AmountCents:     price,
		}); err != nil {
			return nil, err
		}

		var cfg instanceConfig
		if len(inst.Config) > 0 {
			if err := json.Unmarshal(inst.Config, &cfg); err != nil {
				return nil, domain.NewValidationError("INVALID_SERVICE_CONFIG",
					fmt.Sprintf("service %s config is not valid JSON", inst.ServiceType))
			}
		}
		for _, addon := range sortedAddonNames(cfg.Addons) {
			qty := cfg.Addons[addon]
			if qty <= 0 {
				continue
			}
			unit, ok := pricing.AddonPrice(addon)
			if !ok {
				return nil, domain.NewValidationError("UNKNOWN_ADDON",
					fmt.Sprintf("no price for addon %q", addon))
			}
			if err := s.invoice.InsertLineItemTx(ctx, tx, domain.BillingLineItem{
				ID:              s.genID.Generate(),
				BillingRecordID: draft.ID,
				ItemType:        domain.LineItemTypeAddon,
				Description:     LineItemDescription(domain.LineItemTypeAddon, inst.ServiceType, tier, addon),
				ServiceType:     inst.ServiceType,
				Tier:            tier,
				Quantity:        qty,
				UnitPriceCents:  unit,
				AmountCents:     unit * qty,
			}); err != nil {
				return nil, err
			}
		}
	}

	total, err := s.invoice.RecomputeTotalTx(ctx, tx, draft.ID)
	if err != nil {
		return nil, err
	}
	draft.AmountCents = total
	return draft, nil
}

// CalculateProRatedUpgradeCharge prices the remainder of the month at the
// tier price difference. Two or fewer days left means the charge is waived;
// the new price simply starts next month.
func (s *Service) CalculateProRatedUpgradeCharge(oldPriceCents, newPriceCents int64, at time.Time) int64 {
	diff := newPriceCents - oldPriceCents
	if diff <= 0 {
		return 0
	}
	daysInMonth := int64(clock.DaysInMonth(at))
	daysRemaining := daysInMonth - int64(at.Day()) + 1
	if daysRemaining <= 2 {
		return 0
	}
	return diff * daysRemaining / daysInMonth
}

// CalculateReconciliationCredit refunds the share of the calendar month
// that had already passed when the full month was charged. Subscribing on
// the 1st earns nothing; subscribing on the last day earns back all but
// one day.
func (s *Service) CalculateReconciliationCredit(monthlyPriceCents int64, at time.Time) int64 {
	if monthlyPriceCents <= 0 {
		return 0
	}
	daysInMonth := int64(clock.DaysInMonth(at))
	daysNotUsed := int64(at.Day()) - 1
	if daysNotUsed <= 0 {
		return 0
	}
	return monthlyPriceCents * daysNotUsed / daysInMonth
}

// RecordDeposit books a prepaid deposit: a PAID deposit record for the
// statement plus a bump of the cached escrow balance.
func (s *Service) RecordDeposit(ctx context.Context, customerID int64, amountCents int64, reference string) (*domain.BillingRecord, error) {
	if amountCents <= 0 {
		return nil, domain.NewValidationError("NEGATIVE_AMOUNT", "deposit amount must be positive")
	}

	var record *domain.BillingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		items := []domain.BillingLineItem{{
			ID:          s.genID.Generate(),
			ItemType:    domain.LineItemTypeDeposit,
			Description: LineItemDescription(domain.LineItemTypeDeposit, "", "", ""),
			Quantity:    1,
			UnitPriceCents: amountCents,
			AmountCents:    amountCents,
		}}
		created, err := s.invoice.CreateImmediatePendingTx(ctx, tx, customerID, items)
		if err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE billing_records
			 SET record_type = ?, status = ?, amount_paid_cents = amount_cents,
			     paid_at = ?, last_updated_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.BillingRecordTypeDeposit, domain.BillingRecordStatusPaid,
			now, now, now, created.ID,
		).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_payments (
				id, billing_record_id, customer_id, source, amount_cents, external_ref, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(), created.ID, customerID, domain.PaymentSourceEscrow, amountCents, reference, now,
		).Error; err != nil {
			return err
		}
		res := tx.WithContext(ctx).Exec(
			`UPDATE customers
			 SET escrow_balance_cents = escrow_balance_cents + ?, updated_at = ?
			 WHERE id = ?`,
			amountCents, now, customerID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrCustomerNotFound
		}
		created.RecordType = domain.BillingRecordTypeDeposit
		created.Status = domain.BillingRecordStatusPaid
		record = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("deposit recorded",
		zap.Int64("customer_id", customerID),
		zap.Int64("amount_cents", amountCents),
		zap.String("reference", reference),
	)
	return record, nil
}

// LineItemDescription is the single place billing history wording comes
// from, so subscribe, upgrade and downgrade describe charges identically.
func LineItemDescription(itemType domain.LineItemType, serviceType, tier, addon string) string {
	switch itemType {
	case domain.LineItemTypeSubscription:
		return fmt.Sprintf("%s service, %s tier (monthly)", serviceType, tier)
	case domain.LineItemTypeAddon:
		return fmt.Sprintf("%s addon: %s", serviceType, addon)
	case domain.LineItemTypeRequests:
		return fmt.Sprintf("%s metered requests", serviceType)
	case domain.LineItemTypeUpgrade:
		return fmt.Sprintf("%s service upgrade to %s tier (pro-rated)", serviceType, tier)
	case domain.LineItemTypeReconciliationCredit:
		return fmt.Sprintf("%s service unused time credit", serviceType)
	case domain.LineItemTypeDeposit:
		return "account deposit"
	default:
		return string(itemType)
	}
}

// listBillableInstancesTx returns the instances the next monthly invoice
// charges for: provisioned, not on their way out.
func (s *Service) listBillableInstancesTx(ctx context.Context, tx *gorm.DB, customerID int64) ([]domain.ServiceInstance, error) {
	var instances []domain.ServiceInstance
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, service_type, tier, status, is_user_enabled, paid_once,
		        scheduled_tier, scheduled_tier_at, cancellation_scheduled_for, cancellation_effective_at,
		        sub_pending_invoice_id, config, enabled_at, disabled_at, created_at, updated_at
		 FROM service_instances
		 WHERE customer_id = ? AND status IN ?
		   AND cancellation_scheduled_for IS NULL
		 ORDER BY service_type ASC`,
		customerID,
		[]domain.ServiceInstanceStatus{
			domain.ServiceInstanceStatusEnabled,
			domain.ServiceInstanceStatusDisabled,
		},
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func sortedAddonNames(addons map[string]int64) []string {
	// deterministic line item order keeps recalculation reproducible
	names := lo.Keys(addons)
	sort.Strings(names)
	return names
}
