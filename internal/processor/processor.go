package processor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/grace"
	"github.com/keyplane/billing/internal/idempotency"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/locking"
	"github.com/keyplane/billing/internal/payment"
	"github.com/keyplane/billing/internal/servicebilling"
	"github.com/keyplane/billing/internal/tier"
	"github.com/keyplane/billing/internal/usage"
	"github.com/keyplane/billing/internal/validation"
)

const (
	maxPaymentRetries = 3
	retryBackoff      = 24 * time.Hour
)

var Module = fx.Module("processor",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Locker     *locking.Locker
	Idem       *idempotency.Service
	Invoice    *invoice.Service
	Payment    *payment.Service
	Usage      *usage.Service
	Tier       *tier.Service
	Grace      *grace.Service
	Validation *validation.Service
	Billing    *servicebilling.Service
}

// Processor drives the full billing pass for one customer: the monthly
// block, payment retries, grace expiry and the hourly usage sync, all
// behind the customer's lock.
type Processor struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	locker     *locking.Locker
	idem       *idempotency.Service
	invoice    *invoice.Service
	payment    *payment.Service
	usage      *usage.Service
	tier       *tier.Service
	grace      *grace.Service
	validation *validation.Service
	billing    *servicebilling.Service
}

func New(p Params) *Processor {
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("processor"),
		clock:      p.Clock,
		locker:     p.Locker,
		idem:       p.Idem,
		invoice:    p.Invoice,
		payment:    p.Payment,
		usage:      p.Usage,
		tier:       p.Tier,
		grace:      p.Grace,
		validation: p.Validation,
		billing:    p.Billing,
	}
}

type monthlySummary struct {
	Skipped       bool   `json:"skipped,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Paid          bool   `json:"paid,omitempty"`
}

// ProcessCustomer runs every due billing step for one customer. A
// ValidationError from the monthly block is terminal for the month and is
// logged, not returned; transient errors abort the whole pass so the next
// job run retries it.
func (p *Processor) ProcessCustomer(ctx context.Context, customerID int64) error {
	return p.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
		customer, err := p.loadCustomerTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrCustomerNotFound
		}

		if err := p.runMonthlyTx(ctx, tx, customer); err != nil {
			if domain.IsValidation(err) {
				p.log.Warn("monthly billing skipped",
					zap.Int64("customer_id", customerID),
					zap.Error(err),
				)
			} else {
				return err
			}
		}

		if err := p.retryFailedPaymentsTx(ctx, tx, customer); err != nil {
			return err
		}

		// reload: the passes above may have changed grace state
		customer, err = p.loadCustomerTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if _, err := p.grace.ExpireTx(ctx, tx, customer); err != nil {
			return err
		}

		return p.syncUsageTx(ctx, tx, customer)
	})
}

// runMonthlyTx executes the once-a-month block behind its idempotency key:
// scheduled tier changes, due cancellations moving into their grace window,
// draft recalculation, the authoritative usage fold, validation, the DRAFT
// to PENDING transition and collection. The block only runs on the 1st of
// the month; the key keeps a restarted job from billing twice.
func (p *Processor) runMonthlyTx(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error {
	now := p.clock.Now()
	if now.Day() != 1 {
		return nil
	}
	key := fmt.Sprintf("monthly-%d-%04d-%02d", customer.ID, now.Year(), int(now.Month()))

	_, _, err := p.idem.DoTx(tx, key, customer.ID, func(tx *gorm.DB) (any, error) {
		hasWork, err := p.hasBillableStateTx(ctx, tx, customer.ID)
		if err != nil {
			return nil, err
		}
		if !hasWork {
			return monthlySummary{Skipped: true}, nil
		}

		if _, err := p.tier.ApplyScheduledTierChangesTx(ctx, tx, customer.ID); err != nil {
			return nil, err
		}
		if _, err := p.tier.ProcessScheduledCancellationsTx(ctx, tx, customer.ID); err != nil {
			return nil, err
		}
		draft, err := p.billing.RecalculateDraftInvoiceTx(ctx, tx, customer.ID)
		if err != nil {
			return nil, err
		}
		if err := p.usage.AddUsageToDraftTx(ctx, tx, customer.ID); err != nil {
			return nil, err
		}
		if err := p.validation.ValidateCustomerTx(ctx, tx, customer.ID); err != nil {
			return nil, err
		}

		record, err := p.invoice.TransitionDraftToPendingTx(ctx, tx, draft.ID)
		if err != nil {
			return nil, err
		}
		summary := monthlySummary{
			InvoiceNumber: record.InvoiceNumber,
			AmountCents:   record.AmountCents,
		}
		if record.Status == domain.BillingRecordStatusPaid {
			summary.Paid = true
			return summary, nil
		}

		result, err := p.payment.ProcessInvoicePaymentTx(ctx, tx, record)
		if err != nil {
			return nil, err
		}
		if result.Paid {
			summary.Paid = true
			if err := p.onPaymentSuccessTx(ctx, tx, customer, record); err != nil {
				return nil, err
			}
		} else {
			if err := p.grace.StartTx(ctx, tx, customer.ID); err != nil {
				return nil, err
			}
		}
		// the collected draft is gone; open the next month's right away
		if _, err := p.billing.RecalculateDraftInvoiceTx(ctx, tx, customer.ID); err != nil {
			return nil, err
		}
		return summary, nil
	})
	return err
}

// retryFailedPaymentsTx re-attempts FAILED invoices below the retry cap
// with at least a day between attempts.
func (p *Processor) retryFailedPaymentsTx(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error {
	cutoff := p.clock.Now().Add(-retryBackoff)

	var failed []domain.BillingRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, invoice_number, record_type, status, period_start, period_end,
		        due_date, amount_cents, amount_paid_cents, tx_digest, failure_reason,
		        retry_count, last_retry_at, pending_at,
		        paid_at, voided_at, last_updated_at, created_at, updated_at
		 FROM billing_records
		 WHERE customer_id = ? AND status = ? AND retry_count < ?
		   AND (last_retry_at IS NULL OR last_retry_at < ?)
		 ORDER BY created_at ASC
		 FOR UPDATE`,
		customer.ID, domain.BillingRecordStatusFailed, maxPaymentRetries, cutoff,
	).Scan(&failed).Error
	if err != nil {
		return err
	}

	for i := range failed {
		record := failed[i]
		result, err := p.payment.ProcessInvoicePaymentTx(ctx, tx, &record)
		if err != nil {
			return err
		}
		if result.Paid {
			if err := p.onPaymentSuccessTx(ctx, tx, customer, &record); err != nil {
				return err
			}
		}
	}
	return nil
}

// syncUsageTx is the hourly usage fold, keyed per hour so every job run in
// the same hour replays the cached outcome. On the 1st the monthly block
// already folded usage authoritatively, so the sync stands down.
func (p *Processor) syncUsageTx(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error {
	now := p.clock.Now()
	if now.Day() == 1 {
		return nil
	}
	key := fmt.Sprintf("usage-%d-%04d%02d%02d%02d", customer.ID, now.Year(), int(now.Month()), now.Day(), now.Hour())
	_, _, err := p.idem.DoTx(tx, key, customer.ID, func(tx *gorm.DB) (any, error) {
		synced, err := p.usage.SyncUsageToDraftTx(ctx, tx, customer.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"synced": synced}, nil
	})
	return err
}

// onPaymentSuccessTx applies the customer-level effects of money arriving:
// grace ends, the paid flags latch, any upgrade marker pointing at this
// invoice clears, and a suspended account comes back (services stay
// disabled until the customer re-enables them).
func (p *Processor) onPaymentSuccessTx(ctx context.Context, tx *gorm.DB, customer *domain.Customer, record *domain.BillingRecord) error {
	now := p.clock.Now()

	if err := p.grace.ClearTx(ctx, tx, customer.ID); err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE customers SET paid_once = ?, updated_at = ? WHERE id = ?`,
		true, now, customer.ID,
	).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE service_instances SET paid_once = ?, updated_at = ? WHERE customer_id = ?`,
		true, now, customer.ID,
	).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET sub_pending_invoice_id = NULL, updated_at = ?
		 WHERE customer_id = ? AND sub_pending_invoice_id = ?`,
		now, customer.ID, record.ID,
	).Error; err != nil {
		return err
	}
	if customer.SuspendedAt != nil {
		if err := p.grace.ResumeTx(ctx, tx, customer.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) hasBillableStateTx(ctx context.Context, tx *gorm.DB, customerID int64) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT (SELECT COUNT(*) FROM service_instances WHERE customer_id = ? AND status <> ?)
		      + (SELECT COUNT(*) FROM billing_records WHERE customer_id = ? AND status = ?)`,
		customerID, domain.ServiceInstanceStatusNotProvisioned,
		customerID, domain.BillingRecordStatusDraft,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *Processor) loadCustomerTx(ctx context.Context, tx *gorm.DB, customerID int64) (*domain.Customer, error) {
	var customer domain.Customer
	err := tx.WithContext(ctx).Raw(
		`SELECT id, email, paid_once, grace_period_started_at, suspended_at,
		        escrow_balance_cents, spending_limit_cents, spending_period_start,
		        spending_period_used_cents, created_at, updated_at
		 FROM customers
		 WHERE id = ?
		 FOR UPDATE`,
		customerID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}
