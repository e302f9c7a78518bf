package tier

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/servicebilling"
)

// upgradeQuote is the locked first phase's outcome: what the charge would
// be and which tier it was computed against. Nothing has been written when
// the charge phase still has to run.
type upgradeQuote struct {
	Done        bool
	ChargeCents int64
	OldTier     string
	NewTier     string
}

// UpgradeResult reports the completed upgrade attempt.
type UpgradeResult struct {
	Applied           bool
	ChargeCents       int64
	HostedRedirectURL string
	Failure           *domain.PaymentFailedError
}

// UpgradeTier raises a service to a higher tier. The remainder of the month
// is charged immediately at the price difference. The flow runs as two
// locked phases with the immediate invoice committed between them, so a
// crash mid-charge leaves a durable record instead of money with no paper
// trail. The second phase re-reads the instance and aborts when the tier
// moved underneath it.
func (s *Service) UpgradeTier(ctx context.Context, customerID int64, serviceType, newTier string) (*UpgradeResult, error) {
	quote, err := s.upgradeQuoteLocked(ctx, customerID, serviceType, newTier)
	if err != nil {
		return nil, err
	}
	if quote.Done {
		return &UpgradeResult{Applied: true, ChargeCents: quote.ChargeCents}, nil
	}

	// committed outside the customer lock
	created, err := s.invoice.CreateImmediatePendingCommitted(ctx, customerID, []domain.BillingLineItem{{
		ItemType:       domain.LineItemTypeUpgrade,
		Description:    servicebilling.LineItemDescription(domain.LineItemTypeUpgrade, serviceType, newTier, ""),
		ServiceType:    serviceType,
		Tier:           newTier,
		Quantity:       1,
		UnitPriceCents: quote.ChargeCents,
		AmountCents:    quote.ChargeCents,
	}})
	if err != nil {
		return nil, err
	}

	return s.upgradeChargeLocked(ctx, customerID, serviceType, quote, created.ID)
}

// upgradeQuoteLocked validates the upgrade and prices it. When no money is
// due now, or the customer has never paid, the tier change is applied on
// the spot and Done is set.
func (s *Service) upgradeQuoteLocked(ctx context.Context, customerID int64, serviceType, newTier string) (*upgradeQuote, error) {
	quote := &upgradeQuote{NewTier: newTier}
	err := s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
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
		if newRank <= tierRank[instance.Tier] {
			return domain.NewValidationError("NOT_AN_UPGRADE",
				fmt.Sprintf("tier %q is not above %q", newTier, instance.Tier))
		}

		pricing := s.pricing.Get()
		oldPrice, ok := pricing.TierPrice(instance.Tier)
		if !ok {
			return domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("no price for tier %q", instance.Tier))
		}
		newPrice, ok := pricing.TierPrice(newTier)
		if !ok {
			return domain.NewValidationError("UNKNOWN_TIER", fmt.Sprintf("no price for tier %q", newTier))
		}

		now := s.clock.Now()
		charge := s.billing.CalculateProRatedUpgradeCharge(oldPrice, newPrice, now)
		quote.OldTier = instance.Tier
		quote.ChargeCents = charge

		// No money to collect now, or the customer has never paid: the
		// tier just changes and the pinned unpaid invoice follows.
		if charge == 0 || !instance.PaidOnce {
			quote.Done = true
			return s.applyTierNowTx(ctx, tx, instance, newTier)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// upgradeChargeLocked is the second phase. The instance is re-read under
// the lock; if its tier no longer matches the quote the committed invoice
// is removed and the caller retries with fresh state.
func (s *Service) upgradeChargeLocked(ctx context.Context, customerID int64, serviceType string, quote *upgradeQuote, invoiceID snowflake.ID) (*UpgradeResult, error) {
	result := &UpgradeResult{ChargeCents: quote.ChargeCents}
	err := s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		instance, err := s.loadInstanceTx(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if instance == nil || !instance.Provisioned() ||
			instance.Tier != quote.OldTier || rejectIfCancelling(instance) != nil {
			if err := s.invoice.DeleteUnpaidTx(ctx, tx, invoiceID); err != nil {
				return err
			}
			return domain.NewValidationError("TIER_CHANGED", "tier changed, please retry")
		}

		record, err := s.invoice.LoadForUpdateTx(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if record == nil {
			return domain.ErrBillingRecordNotFound
		}

		payResult, err := s.payment.ProcessInvoicePaymentTx(ctx, tx, record)
		if err != nil {
			return err
		}
		result.HostedRedirectURL = payResult.HostedRedirectURL

		if !payResult.Paid {
			// unwind: the upgrade never happened
			if err := s.invoice.DeleteUnpaidTx(ctx, tx, invoiceID); err != nil {
				return err
			}
			result.Failure = payResult.Failure
			return nil
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET tier = ?, scheduled_tier = NULL, scheduled_tier_at = NULL, updated_at = ?
			 WHERE id = ?`,
			quote.NewTier, now, instance.ID,
		).Error; err != nil {
			return err
		}
		if _, err := s.billing.RecalculateDraftInvoiceTx(ctx, tx, customerID); err != nil {
			return err
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.log.Info("tier upgraded",
			zap.Int64("customer_id", customerID),
			zap.String("service_type", serviceType),
			zap.String("from", quote.OldTier),
			zap.String("to", quote.NewTier),
			zap.Int64("charge_cents", quote.ChargeCents),
		)
	}
	return result, nil
}

// rewritePinnedInvoiceTx repoints the unpaid first month invoice at the new
// tier price so a never-paid customer is not billed for the tier they left.
func (s *Service) rewritePinnedInvoiceTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, serviceType, newTier string, newPrice int64) error {
	record, err := s.invoice.LoadForUpdateTx(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if record == nil || record.Status == domain.BillingRecordStatusPaid {
		return nil
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE billing_line_items
		 SET tier = ?, unit_price_cents = ?, amount_cents = ? * quantity, description = ?, updated_at = ?
		 WHERE billing_record_id = ? AND item_type = ? AND service_type = ?`,
		newTier, newPrice, newPrice,
		servicebilling.LineItemDescription(domain.LineItemTypeSubscription, serviceType, newTier, ""),
		now, invoiceID, domain.LineItemTypeSubscription, serviceType,
	).Error; err != nil {
		return err
	}
	_, err = s.invoice.RecomputeTotalTx(ctx, tx, invoiceID)
	return err
}
