package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/idempotency"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/locking"
	"github.com/keyplane/billing/internal/metrics"
	"github.com/keyplane/billing/internal/processor"
	"github.com/keyplane/billing/internal/tier"
	"github.com/keyplane/billing/internal/validation"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     *locking.Locker
	Processor  *processor.Processor
	Invoice    *invoice.Service
	Tier       *tier.Service
	Idem       *idempotency.Service
	Validation *validation.Service
	Config     Config `optional:"true"`
}

// Scheduler drives the periodic billing pass: every interval it walks all
// customers through the processor, unwinds stale upgrade invoices, applies
// due cancellations and sweeps old bookkeeping rows.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	locker     *locking.Locker
	processor  *processor.Processor
	invoice    *invoice.Service
	tier       *tier.Service
	idem       *idempotency.Service
	validation *validation.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Locker == nil ||
		p.Processor == nil || p.Invoice == nil || p.Tier == nil || p.Idem == nil || p.Validation == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		processor:  p.Processor,
		invoice:    p.Invoice,
		tier:       p.Tier,
		idem:       p.Idem,
		validation: p.Validation,
	}, nil
}

// Report summarizes a single RunOnce pass.
type Report struct {
	CustomersProcessed int `json:"customers_processed"`
	CustomersDeferred  int `json:"customers_deferred"`
	InvoicesSettled    int `json:"invoices_settled"`
	InvoicesVoided     int `json:"invoices_voided"`
	ServicesCancelled  int `json:"services_cancelled"`
	Errors             int `json:"errors"`
}

// RunOnce executes one full pass. Per-customer failures are counted and
// logged, not returned; the error covers faults that stop a whole phase.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	var runErr error

	phases := []struct {
		Name string
		Run  func(context.Context, *phaseRun, *Report) error
	}{
		{metrics.PhaseBilling, s.billingPhase},
		{metrics.PhaseReconciliation, s.reconciliationPhase},
		{metrics.PhaseCleanup, s.cleanupPhase},
		{metrics.PhaseHousekeeping, s.housekeepingPhase},
	}

	for _, phase := range phases {
		if ctx.Err() != nil {
			runErr = errors.Join(runErr, ctx.Err())
			break
		}
		run := s.startPhase(phase.Name)
		err := phase.Run(ctx, run, report)
		metrics.Billing().ObserveJobRun(phase.Name, s.clock.Now().Sub(run.startedAt))
		if err != nil {
			run.IncError()
			metrics.Billing().IncPhaseError(phase.Name)
			runErr = errors.Join(runErr, fmt.Errorf("%s: %w", phase.Name, err))
		}
		report.Errors += run.errorCount
		s.finishPhase(run)
	}

	return report, runErr
}

// RunForCustomer runs the billing pass for a single customer, for the admin
// surface and tests.
func (s *Scheduler) RunForCustomer(ctx context.Context, customerID int64) error {
	return s.processor.ProcessCustomer(ctx, customerID)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) billingPhase(ctx context.Context, run *phaseRun, report *Report) error {
	var customerIDs []int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM customers ORDER BY id ASC`,
	).Scan(&customerIDs).Error
	if err != nil {
		return err
	}

	for _, customerID := range customerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.processor.ProcessCustomer(ctx, customerID)
		switch {
		case err == nil:
			run.AddProcessed(1)
			report.CustomersProcessed++
		case errors.Is(err, domain.ErrLockTimeout):
			// another worker holds the customer; the next run catches up
			report.CustomersDeferred++
			s.log.Debug("customer deferred", zap.Int64("customer_id", customerID))
		default:
			s.logPhaseError(run, customerID, err)
			metrics.Billing().IncPhaseError(metrics.PhaseBilling)
		}
	}

	metrics.Billing().AddCustomersProcessed(run.processedCount)
	return nil
}

type staleInvoiceRow struct {
	ID         snowflake.ID
	CustomerID int64
}

// reconciliationPhase settles immediate invoices that have sat in PENDING
// past the threshold. One with payment rows on file was collected but never
// marked, so it is marked paid with the provider reference copied over; one
// with no payment at all is voided and any instance marker pointing at it
// cleared, with the operator notified either way.
func (s *Scheduler) reconciliationPhase(ctx context.Context, run *phaseRun, report *Report) error {
	cutoff := s.clock.Now().Add(-s.cfg.ReconcileAfter)

	var stale []staleInvoiceRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, customer_id
		 FROM billing_records
		 WHERE record_type = ? AND status = ? AND pending_at IS NOT NULL AND pending_at < ?
		 ORDER BY pending_at ASC`,
		domain.BillingRecordTypeImmediate, domain.BillingRecordStatusPending, cutoff,
	).Scan(&stale).Error
	if err != nil {
		return err
	}

	for _, row := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome, err := s.reconcileStaleInvoice(ctx, row, cutoff)
		if err != nil {
			s.logPhaseError(run, row.CustomerID, err,
				zap.String("record_id", row.ID.String()))
			metrics.Billing().IncPhaseError(metrics.PhaseReconciliation)
			continue
		}
		switch outcome {
		case reconcileSettled:
			run.AddProcessed(1)
			report.InvoicesSettled++
		case reconcileVoided:
			run.AddProcessed(1)
			report.InvoicesVoided++
		}
	}

	// markers pointing at records no longer collectible are dead weight
	return s.db.WithContext(ctx).Exec(
		`UPDATE service_instances
		 SET sub_pending_invoice_id = NULL, updated_at = ?
		 WHERE sub_pending_invoice_id IS NOT NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM billing_records br
		       WHERE br.id = service_instances.sub_pending_invoice_id
		         AND br.status IN ?
		   )`,
		s.clock.Now(),
		[]domain.BillingRecordStatus{
			domain.BillingRecordStatusPending,
			domain.BillingRecordStatusFailed,
		},
	).Error
}

type reconcileOutcome int

const (
	reconcileNothing reconcileOutcome = iota
	reconcileSettled
	reconcileVoided
)

func (s *Scheduler) reconcileStaleInvoice(ctx context.Context, row staleInvoiceRow, cutoff time.Time) (reconcileOutcome, error) {
	outcome := reconcileNothing
	err := s.locker.WithCustomerLock(ctx, row.CustomerID, func(tx *gorm.DB) error {
		record, err := s.invoice.LoadForUpdateTx(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		// re-check under the lock: the charge flow may have settled it
		if record == nil || record.Status != domain.BillingRecordStatusPending ||
			record.PendingAt == nil || !record.PendingAt.Before(cutoff) {
			return nil
		}

		type paymentRow struct {
			AmountCents int64
			ExternalRef string
		}
		var payments []paymentRow
		if err := tx.WithContext(ctx).Raw(
			`SELECT amount_cents, external_ref
			 FROM invoice_payments
			 WHERE billing_record_id = ?
			 ORDER BY created_at ASC`,
			record.ID,
		).Scan(&payments).Error; err != nil {
			return err
		}

		if len(payments) > 0 {
			// the money arrived but the flow died before marking the
			// invoice; finish the bookkeeping
			var collected int64
			var digest string
			for _, p := range payments {
				collected += p.AmountCents
				if digest == "" && p.ExternalRef != "" {
					digest = p.ExternalRef
				}
			}
			if err := s.invoice.MarkPaidTx(ctx, tx, record.ID, collected, digest); err != nil {
				return err
			}
			outcome = reconcileSettled
			return s.validation.NotifyTx(ctx, tx, row.CustomerID,
				domain.NotificationSeverityWarning,
				"STALE_INVOICE_SETTLED",
				fmt.Sprintf("immediate invoice %s had payments on file and was marked paid during reconciliation", record.InvoiceNumber),
				map[string]any{"record_id": record.ID.String(), "amount_cents": collected},
			)
		}

		if err := s.invoice.VoidTx(ctx, tx, record.ID,
			"reconciliation: no payment found after timeout, operation incomplete"); err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE service_instances
			 SET sub_pending_invoice_id = NULL, updated_at = ?
			 WHERE customer_id = ? AND sub_pending_invoice_id = ?`,
			s.clock.Now(), row.CustomerID, record.ID,
		).Error; err != nil {
			return err
		}
		outcome = reconcileVoided
		return s.validation.NotifyTx(ctx, tx, row.CustomerID,
			domain.NotificationSeverityWarning,
			"STALE_INVOICE_VOIDED",
			fmt.Sprintf("immediate invoice %s voided after pending for more than %s with no payment", record.InvoiceNumber, s.cfg.ReconcileAfter),
			map[string]any{"record_id": record.ID.String()},
		)
	})
	return outcome, err
}

// cleanupPhase applies cancellations whose cooldown window has elapsed.
func (s *Scheduler) cleanupPhase(ctx context.Context, run *phaseRun, report *Report) error {
	now := s.clock.Now()

	var customerIDs []int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT customer_id
		 FROM service_instances
		 WHERE status = ? AND cancellation_effective_at <= ?
		 ORDER BY customer_id ASC`,
		domain.ServiceInstanceStatusCancellationPending, now,
	).Scan(&customerIDs).Error
	if err != nil {
		return err
	}

	for _, customerID := range customerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.locker.WithCustomerLock(ctx, customerID, func(tx *gorm.DB) error {
			cancelled, err := s.tier.ProcessDueCancellationsTx(ctx, tx, customerID)
			if err != nil {
				return err
			}
			for _, serviceType := range cancelled {
				run.AddProcessed(1)
				report.ServicesCancelled++
				if err := s.validation.NotifyTx(ctx, tx, customerID,
					domain.NotificationSeverityInfo,
					"SERVICE_CANCELLED",
					fmt.Sprintf("service %s cancelled and reset", serviceType),
					map[string]any{"service_type": serviceType},
				); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logPhaseError(run, customerID, err)
			metrics.Billing().IncPhaseError(metrics.PhaseCleanup)
		}
	}
	return nil
}

// housekeepingPhase drops bookkeeping rows past their retention windows.
func (s *Scheduler) housekeepingPhase(ctx context.Context, run *phaseRun, _ *Report) error {
	swept, err := s.idem.SweepOlderThan(ctx, s.cfg.IdempotencyRetentionDays)
	if err != nil {
		return err
	}
	run.AddProcessed(int(swept))

	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.HistoryRetentionDays)
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM service_cancellation_history WHERE cancelled_at < ?`,
		cutoff,
	)
	if result.Error != nil {
		return result.Error
	}
	run.AddProcessed(int(result.RowsAffected))
	return nil
}
