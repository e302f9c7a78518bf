package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
)

var Module = fx.Module("invoice",
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
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// GetOrCreateDraftTx returns the customer's single DRAFT record, creating it
// when absent. The draft always covers the next calendar month; it is the
// invoice the customer will be charged for on the 1st, due the day its
// period begins.
func (s *Service) GetOrCreateDraftTx(ctx context.Context, tx *gorm.DB, customerID int64) (*domain.BillingRecord, error) {
	existing, err := s.findDraftForUpdate(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	number, err := s.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	periodStart := clock.StartOfNextMonth(now)
	record := domain.BillingRecord{
		ID:            s.genID.Generate(),
		CustomerID:    customerID,
		InvoiceNumber: number,
		RecordType:    domain.BillingRecordTypeMonthly,
		Status:        domain.BillingRecordStatusDraft,
		PeriodStart:   periodStart,
		PeriodEnd:     clock.EndOfMonth(periodStart),
		DueDate:       &periodStart,
		LastUpdatedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := s.insertDraft(ctx, tx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// another writer created the draft between our lookup and insert
		return s.findDraftForUpdate(ctx, tx, customerID)
	}
	s.log.Debug("draft created",
		zap.Int64("customer_id", customerID),
		zap.String("invoice_number", record.InvoiceNumber),
	)
	return &record, nil
}

// CreateImmediatePendingTx creates a PENDING invoice for an immediate charge
// (first subscription month, tier upgrades) with the given line items. The
// period is the 30 days starting now; PendingAt marks when the record
// entered PENDING so reconciliation can find abandoned ones.
func (s *Service) CreateImmediatePendingTx(ctx context.Context, tx *gorm.DB, customerID int64, items []domain.BillingLineItem) (*domain.BillingRecord, error) {
	now := s.clock.Now()
	number, err := s.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, item := range items {
		total += item.AmountCents
	}

	record := domain.BillingRecord{
		ID:            s.genID.Generate(),
		CustomerID:    customerID,
		InvoiceNumber: number,
		RecordType:    domain.BillingRecordTypeImmediate,
		Status:        domain.BillingRecordStatusPending,
		PeriodStart:   now,
		PeriodEnd:     clock.AddDays(now, 30),
		DueDate:       &now,
		AmountCents:   total,
		PendingAt:     &now,
		LastUpdatedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].BillingRecordID = record.ID
		if items[i].ID == 0 {
			items[i].ID = s.genID.Generate()
		}
		if err := s.InsertLineItemTx(ctx, tx, items[i]); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// CreateImmediatePendingCommitted creates the immediate invoice in its own
// committed transaction. The upgrade flow needs the record durable before
// the provider charge goes out, so a crash leaves a row reconciliation can
// sweep instead of a charge with no invoice.
func (s *Service) CreateImmediatePendingCommitted(ctx context.Context, customerID int64, items []domain.BillingLineItem) (*domain.BillingRecord, error) {
	var record *domain.BillingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		record, txErr = s.CreateImmediatePendingTx(ctx, tx, customerID, items)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// TransitionDraftToPendingTx moves a DRAFT to PENDING. Zero-amount drafts
// move straight to PAID since there is nothing to collect.
func (s *Service) TransitionDraftToPendingTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.BillingRecord, error) {
	record, err := s.LoadForUpdateTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrBillingRecordNotFound
	}
	if record.Status != domain.BillingRecordStatusDraft {
		return nil, domain.ErrInvalidStatusTransition
	}

	now := s.clock.Now()
	if record.AmountCents <= 0 {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE billing_records
			 SET status = ?, amount_paid_cents = 0, paid_at = ?, last_updated_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.BillingRecordStatusPaid, now, now, now, id,
		).Error; err != nil {
			return nil, err
		}
		record.Status = domain.BillingRecordStatusPaid
		record.PaidAt = &now
		return record, nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, pending_at = ?, last_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.BillingRecordStatusPending, now, now, now, id,
	).Error; err != nil {
		return nil, err
	}
	record.Status = domain.BillingRecordStatusPending
	record.PendingAt = &now
	return record, nil
}

// MarkPaidTx records full payment on a PENDING or FAILED invoice. txDigest
// is the provider transaction reference when one exists.
func (s *Service) MarkPaidTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amountPaid int64, txDigest string) error {
	record, err := s.LoadForUpdateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrBillingRecordNotFound
	}
	if record.Status != domain.BillingRecordStatusPending && record.Status != domain.BillingRecordStatusFailed {
		return domain.ErrInvalidStatusTransition
	}

	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, amount_paid_cents = ?, tx_digest = ?, failure_reason = '',
		     paid_at = ?, last_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.BillingRecordStatusPaid, amountPaid, txDigest, now, now, now, id,
	).Error
}

// MarkFailedTx records a failed collection attempt, keeps the reason and
// bumps the retry counter.
func (s *Service) MarkFailedTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, failureReason string) error {
	record, err := s.LoadForUpdateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrBillingRecordNotFound
	}
	if record.Status != domain.BillingRecordStatusPending && record.Status != domain.BillingRecordStatusFailed {
		return domain.ErrInvalidStatusTransition
	}

	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, failure_reason = ?, retry_count = retry_count + 1,
		     last_retry_at = ?, last_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.BillingRecordStatusFailed, failureReason, now, now, now, id,
	).Error
}

// VoidTx voids an unpaid invoice with the given reason. PAID invoices
// cannot be voided.
func (s *Service) VoidTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) error {
	record, err := s.LoadForUpdateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrBillingRecordNotFound
	}
	if record.Status == domain.BillingRecordStatusPaid || record.Status == domain.BillingRecordStatusVoided {
		return domain.ErrInvalidStatusTransition
	}

	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, failure_reason = ?, voided_at = ?, last_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.BillingRecordStatusVoided, reason, now, now, now, id,
	).Error
}

// DeleteUnpaidTx physically removes an unpaid invoice and its line items.
// Cancellation of never-paid services uses this; everything else voids.
func (s *Service) DeleteUnpaidTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	record, err := s.LoadForUpdateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if record.Status == domain.BillingRecordStatusPaid {
		return domain.ErrInvalidStatusTransition
	}

	// line items first, FK order
	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM billing_line_items WHERE billing_record_id = ?`, id,
	).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`DELETE FROM billing_records WHERE id = ?`, id,
	).Error
}

// InsertLineItemTx appends one line item. Totals are recomputed separately.
func (s *Service) InsertLineItemTx(ctx context.Context, tx *gorm.DB, item domain.BillingLineItem) error {
	now := s.clock.Now()
	if item.ID == 0 {
		item.ID = s.genID.Generate()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	return tx.WithContext(ctx).Exec(
		`INSERT INTO billing_line_items (
			id, billing_record_id, item_type, description, service_type, tier,
			quantity, unit_price_cents, amount_cents, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.BillingRecordID,
		item.ItemType,
		item.Description,
		item.ServiceType,
		item.Tier,
		item.Quantity,
		item.UnitPriceCents,
		item.AmountCents,
		item.Metadata,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

// DeleteLineItemsTx removes line items of the given types from a record.
// The draft recalculator uses it to rebuild subscription and addon lines
// while leaving usage lines alone.
func (s *Service) DeleteLineItemsTx(ctx context.Context, tx *gorm.DB, recordID snowflake.ID, types []domain.LineItemType) error {
	if len(types) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`DELETE FROM billing_line_items WHERE billing_record_id = ? AND item_type IN ?`,
		recordID, types,
	).Error
}

// RecomputeTotalTx re-sums line items into amount_cents and returns the new
// total.
func (s *Service) RecomputeTotalTx(ctx context.Context, tx *gorm.DB, recordID snowflake.ID) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_cents), 0) FROM billing_line_items WHERE billing_record_id = ?`,
		recordID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	err = tx.WithContext(ctx).Exec(
		`UPDATE billing_records SET amount_cents = ?, last_updated_at = ?, updated_at = ? WHERE id = ?`,
		total, now, now, recordID,
	).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListLineItemsTx returns a record's line items oldest first.
func (s *Service) ListLineItemsTx(ctx context.Context, tx *gorm.DB, recordID snowflake.ID) ([]domain.BillingLineItem, error) {
	var items []domain.BillingLineItem
	err := tx.WithContext(ctx).Raw(
		`SELECT id, billing_record_id, item_type, description, service_type, tier,
		        quantity, unit_price_cents, amount_cents, metadata, created_at, updated_at
		 FROM billing_line_items
		 WHERE billing_record_id = ?
		 ORDER BY created_at ASC, id ASC`,
		recordID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// LoadForUpdateTx loads a billing record under a row lock. Returns nil when
// absent.
func (s *Service) LoadForUpdateTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.BillingRecord, error) {
	var record domain.BillingRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, invoice_number, record_type, status, period_start, period_end,
		        due_date, amount_cents, amount_paid_cents, tx_digest, failure_reason,
		        retry_count, last_retry_at, pending_at, paid_at, voided_at,
		        last_updated_at, created_at, updated_at
		 FROM billing_records
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (s *Service) findDraftForUpdate(ctx context.Context, tx *gorm.DB, customerID int64) (*domain.BillingRecord, error) {
	var record domain.BillingRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, invoice_number, record_type, status, period_start, period_end,
		        due_date, amount_cents, amount_paid_cents, tx_digest, failure_reason,
		        retry_count, last_retry_at, pending_at, paid_at, voided_at,
		        last_updated_at, created_at, updated_at
		 FROM billing_records
		 WHERE customer_id = ? AND status = ?
		 FOR UPDATE`,
		customerID, domain.BillingRecordStatusDraft,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (s *Service) insertDraft(ctx context.Context, tx *gorm.DB, record domain.BillingRecord) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO billing_records (
			id, customer_id, invoice_number, record_type, status, period_start, period_end,
			due_date, amount_cents, amount_paid_cents, retry_count, last_updated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		record.ID,
		record.CustomerID,
		record.InvoiceNumber,
		record.RecordType,
		record.Status,
		record.PeriodStart,
		record.PeriodEnd,
		record.DueDate,
		record.LastUpdatedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) insertRecord(ctx context.Context, tx *gorm.DB, record domain.BillingRecord) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO billing_records (
			id, customer_id, invoice_number, record_type, status, period_start, period_end,
			due_date, amount_cents, amount_paid_cents, retry_count, pending_at, paid_at,
			last_updated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.CustomerID,
		record.InvoiceNumber,
		record.RecordType,
		record.Status,
		record.PeriodStart,
		record.PeriodEnd,
		record.DueDate,
		record.AmountCents,
		record.AmountPaidCents,
		record.RetryCount,
		record.PendingAt,
		record.PaidAt,
		record.LastUpdatedAt,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

// nextInvoiceNumber issues INV-YYYY-MM-NNNN, sequence scoped to the calendar
// month of the clock.
func (s *Service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, at time.Time) (string, error) {
	prefix := fmt.Sprintf("INV-%04d-%02d-", at.Year(), int(at.Month()))
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM billing_records WHERE invoice_number LIKE ?`,
		prefix+"%",
	).Scan(&count).Error
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d", prefix, count+1), nil
}
