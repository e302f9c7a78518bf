package usage

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing"
	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/servicebilling"
)

// syncDebounce is how fresh a draft has to be for the hourly sync to skip
// it.
const syncDebounce = time.Hour

var Module = fx.Module("usage",
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
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	pricing *billing.PricingHolder
	invoice *invoice.Service
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		pricing: p.Pricing,
		invoice: p.Invoice,
	}
}

// AddUsageToDraftTx folds stats_per_hour into the draft's requests line
// items. The counters are windowed by the draft's own billing period, so
// the charge always matches the period printed on the invoice. The fold is
// authoritative: existing requests items are rebuilt from the counters.
func (s *Service) AddUsageToDraftTx(ctx context.Context, tx *gorm.DB, customerID int64) error {
	draft, err := s.invoice.GetOrCreateDraftTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	return s.foldTx(ctx, tx, draft)
}

// SyncUsageToDraftTx is the hourly variant. It only touches drafts that
// have not been updated within the debounce window, so a monthly run or a
// recent sync is not repeated. Returns true when a fold happened.
func (s *Service) SyncUsageToDraftTx(ctx context.Context, tx *gorm.DB, customerID int64) (bool, error) {
	draft, err := s.findDraftTx(ctx, tx, customerID)
	if err != nil {
		return false, err
	}
	if draft == nil {
		return false, nil
	}
	now := s.clock.Now()
	if now.Sub(draft.LastUpdatedAt) < syncDebounce {
		return false, nil
	}
	if err := s.foldTx(ctx, tx, draft); err != nil {
		return false, err
	}
	return true, nil
}

type usageRow struct {
	ServiceType string
	Requests    int64
}

func (s *Service) foldTx(ctx context.Context, tx *gorm.DB, draft *domain.BillingRecord) error {
	// period_end is the last calendar day of the period, so the window
	// closes at the start of the following day
	windowStart := draft.PeriodStart
	windowEnd := clock.AddDays(draft.PeriodEnd, 1)

	var rows []usageRow
	err := tx.WithContext(ctx).Raw(
		`SELECT service_type, COALESCE(SUM(request_count), 0) AS requests
		 FROM stats_per_hour
		 WHERE customer_id = ? AND hour_start >= ? AND hour_start < ?
		 GROUP BY service_type
		 ORDER BY service_type ASC`,
		draft.CustomerID, windowStart, windowEnd,
	).Scan(&rows).Error
	if err != nil {
		return err
	}

	if err := s.invoice.DeleteLineItemsTx(ctx, tx, draft.ID, []domain.LineItemType{
		domain.LineItemTypeRequests,
	}); err != nil {
		return err
	}

	pricing := s.pricing.Get()
	for _, row := range rows {
		amount := pricing.UsageCharge(row.Requests)
		if row.Requests <= 0 {
			continue
		}
		if err := s.invoice.InsertLineItemTx(ctx, tx, domain.BillingLineItem{
			ID:              s.genID.Generate(),
			BillingRecordID: draft.ID,
			ItemType:        domain.LineItemTypeRequests,
			Description:     servicebilling.LineItemDescription(domain.LineItemTypeRequests, row.ServiceType, "", ""),
			ServiceType:     row.ServiceType,
			Quantity:        row.Requests,
			UnitPriceCents:  pricing.RequestUnitCents,
			AmountCents:     amount,
		}); err != nil {
			return err
		}
	}

	if _, err := s.invoice.RecomputeTotalTx(ctx, tx, draft.ID); err != nil {
		return err
	}
	s.log.Debug("usage folded",
		zap.Int64("customer_id", draft.CustomerID),
		zap.Int("service_types", len(rows)),
	)
	return nil
}

func (s *Service) findDraftTx(ctx context.Context, tx *gorm.DB, customerID int64) (*domain.BillingRecord, error) {
	var record domain.BillingRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, invoice_number, record_type, status, period_start, period_end,
		        amount_cents, amount_paid_cents, last_updated_at, created_at, updated_at
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
