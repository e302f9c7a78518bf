package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/credit"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/metrics"
)

const spendingWindowDays = 28

var Module = fx.Module("payment",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Chain   *Chain
	Credits *credit.Service
	Invoice *invoice.Service
}

// Result reports a multi-source payment attempt. Failure is set instead of
// an error so partial payments and the FAILED status commit with the
// surrounding transaction.
type Result struct {
	Paid               bool
	TotalCents         int64
	CreditAppliedCents int64
	ChargedCents       int64
	HostedRedirectURL  string
	Failure            *domain.PaymentFailedError
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	chain   *Chain
	credits *credit.Service
	invoice *invoice.Service
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("payment.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		chain:   p.Chain,
		credits: p.Credits,
		invoice: p.Invoice,
	}
}

// ProcessInvoicePaymentTx collects an invoice from credits first, then from
// the provider chain in priority order. Credits are exempt from the spending
// limit; provider charges are not. The invoice moves to PAID when fully
// covered, otherwise FAILED with the retry counter bumped.
func (s *Service) ProcessInvoicePaymentTx(ctx context.Context, tx *gorm.DB, record *domain.BillingRecord) (*Result, error) {
	if record == nil {
		return nil, domain.ErrBillingRecordNotFound
	}
	if record.Status != domain.BillingRecordStatusPending && record.Status != domain.BillingRecordStatusFailed {
		return nil, domain.ErrInvalidStatusTransition
	}

	result := &Result{TotalCents: record.AmountCents}
	remaining := record.AmountCents - record.AmountPaidCents
	var attempts []string
	var txDigest string

	if remaining > 0 {
		applications, err := s.credits.ApplyTx(ctx, tx, record.CustomerID, remaining)
		if err != nil {
			return nil, err
		}
		for _, app := range applications {
			creditID := app.CreditID
			if err := s.insertPayment(ctx, tx, record, domain.PaymentSourceCredit, &creditID, app.AmountCents, ""); err != nil {
				return nil, err
			}
			result.CreditAppliedCents += app.AmountCents
			remaining -= app.AmountCents
		}
		if len(applications) > 0 {
			attempts = append(attempts, "credit")
		}
	}

	if remaining > 0 {
		headroom, err := s.spendingHeadroomTx(ctx, tx, record.CustomerID)
		if err != nil {
			return nil, err
		}
		if headroom < remaining {
			attempts = append(attempts, "spending_limit")
			s.log.Warn("spending limit blocks charge",
				zap.Int64("customer_id", record.CustomerID),
				zap.Int64("remaining_cents", remaining),
				zap.Int64("headroom_cents", headroom),
			)
		} else {
			charged, redirect, tried, digest, err := s.chargeProvidersTx(ctx, tx, record, remaining)
			if err != nil {
				return nil, err
			}
			attempts = append(attempts, tried...)
			result.ChargedCents = charged
			result.HostedRedirectURL = redirect
			txDigest = digest
			remaining -= charged
		}
	}

	paid := record.AmountPaidCents + result.CreditAppliedCents + result.ChargedCents
	if remaining <= 0 {
		if err := s.invoice.MarkPaidTx(ctx, tx, record.ID, paid, txDigest); err != nil {
			return nil, err
		}
		if result.ChargedCents > 0 {
			if err := s.addSpendingUsedTx(ctx, tx, record.CustomerID, result.ChargedCents); err != nil {
				return nil, err
			}
		}
		result.Paid = true
		metrics.Billing().IncPaymentOutcome(metrics.PaymentOutcomePaid)
		s.log.Info("invoice paid",
			zap.Int64("customer_id", record.CustomerID),
			zap.String("invoice_number", record.InvoiceNumber),
			zap.Int64("amount_cents", record.AmountCents),
		)
		return result, nil
	}

	if err := s.invoice.MarkFailedTx(ctx, tx, record.ID,
		fmt.Sprintf("%d cents uncovered after trying: %s", remaining, strings.Join(attempts, ", ")),
	); err != nil {
		return nil, err
	}
	if paid > record.AmountPaidCents {
		// keep the partial coverage on the record
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE billing_records SET amount_paid_cents = ?, updated_at = ? WHERE id = ?`,
			paid, now, record.ID,
		).Error; err != nil {
			return nil, err
		}
	}
	if result.ChargedCents > 0 {
		if err := s.addSpendingUsedTx(ctx, tx, record.CustomerID, result.ChargedCents); err != nil {
			return nil, err
		}
	}
	result.Failure = &domain.PaymentFailedError{
		InvoiceID:      int64(record.ID),
		RemainingCents: remaining,
		Attempts:       attempts,
	}
	metrics.Billing().IncPaymentOutcome(metrics.PaymentOutcomeFailed)
	s.log.Warn("invoice payment failed",
		zap.Int64("customer_id", record.CustomerID),
		zap.String("invoice_number", record.InvoiceNumber),
		zap.Int64("remaining_cents", remaining),
		zap.Strings("attempts", attempts),
	)
	return result, nil
}

func (s *Service) chargeProvidersTx(ctx context.Context, tx *gorm.DB, record *domain.BillingRecord, remaining int64) (int64, string, []string, string, error) {
	methods, err := s.chain.LoadTx(ctx, tx, record.CustomerID)
	if err != nil {
		return 0, "", nil, "", err
	}

	var charged int64
	var redirect string
	var digest string
	var attempts []string
	for _, method := range methods {
		if remaining-charged <= 0 {
			break
		}
		provider, ok := s.chain.Provider(method.ProviderType)
		if !ok || !provider.IsConfigured(method) {
			continue
		}
		attempts = append(attempts, string(method.ProviderType))

		key := fmt.Sprintf("inv_%d_%s", record.ID, method.ProviderType)
		res, chargeErr := provider.ChargeTx(ctx, tx, method, remaining-charged, key)
		if chargeErr != nil {
			if errors.Is(chargeErr, ErrDeclined) ||
				errors.Is(chargeErr, ErrInsufficientFunds) ||
				errors.Is(chargeErr, ErrNotConfigured) {
				continue
			}
			if domain.IsSystem(chargeErr) {
				return 0, "", attempts, "", chargeErr
			}
			return 0, "", attempts, "", domain.NewSystemError(
				fmt.Sprintf("provider %s charge failed", method.ProviderType), chargeErr)
		}
		if res.RequiresAction {
			if redirect == "" {
				redirect = res.HostedRedirectURL
			}
			continue
		}
		if res.AmountCents > 0 {
			source := domain.PaymentSource(method.ProviderType)
			if err := s.insertPayment(ctx, tx, record, source, nil, res.AmountCents, res.ExternalRef); err != nil {
				return charged, redirect, attempts, digest, err
			}
			if digest == "" {
				digest = res.ExternalRef
			}
			charged += res.AmountCents
		}
	}
	return charged, redirect, attempts, digest, nil
}

func (s *Service) insertPayment(ctx context.Context, tx *gorm.DB, record *domain.BillingRecord, source domain.PaymentSource, creditID *snowflake.ID, amount int64, externalRef string) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO invoice_payments (
			id, billing_record_id, customer_id, source, credit_id, amount_cents, external_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), record.ID, record.CustomerID, source, creditID, amount, externalRef, s.clock.Now(),
	).Error
}

// spendingHeadroomTx rolls the 28-day window forward when it has lapsed and
// returns how much the customer may still be charged in the current window.
// No limit configured means unlimited headroom.
func (s *Service) spendingHeadroomTx(ctx context.Context, tx *gorm.DB, customerID int64) (int64, error) {
	var customer domain.Customer
	err := tx.WithContext(ctx).Raw(
		`SELECT id, spending_limit_cents, spending_period_start, spending_period_used_cents
		 FROM customers
		 WHERE id = ?
		 FOR UPDATE`,
		customerID,
	).Scan(&customer).Error
	if err != nil {
		return 0, err
	}
	if customer.ID == 0 {
		return 0, domain.ErrCustomerNotFound
	}
	if customer.SpendingLimitCents == nil {
		return 1<<62 - 1, nil
	}

	now := s.clock.Now()
	if customer.SpendingPeriodStart == nil || !now.Before(customer.SpendingPeriodStart.AddDate(0, 0, spendingWindowDays)) {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE customers
			 SET spending_period_start = ?, spending_period_used_cents = 0, updated_at = ?
			 WHERE id = ?`,
			now, now, customerID,
		).Error; err != nil {
			return 0, err
		}
		return *customer.SpendingLimitCents, nil
	}

	headroom := *customer.SpendingLimitCents - customer.SpendingPeriodUsedCents
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

func (s *Service) addSpendingUsedTx(ctx context.Context, tx *gorm.DB, customerID int64, amount int64) error {
	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`UPDATE customers
		 SET spending_period_used_cents = spending_period_used_cents + ?, updated_at = ?
		 WHERE id = ?`,
		amount, now, customerID,
	).Error
}
