package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/credit"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/testutil"
)

type paymentFixture struct {
	db      *gorm.DB
	clk     *clock.FakeClock
	svc     *Service
	credits *credit.Service
	invoice *invoice.Service
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	credits := credit.New(credit.Params{DB: db, Log: log, GenID: node, Clock: clk})
	inv := invoice.New(invoice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	chain := NewChain(NewEscrowProvider(), NewWalletProvider(), NewCardProvider("", ""))
	svc := New(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Chain:   chain,
		Credits: credits,
		Invoice: inv,
	})
	return &paymentFixture{db: db, clk: clk, svc: svc, credits: credits, invoice: inv}
}

func (f *paymentFixture) createPendingInvoice(t *testing.T, customerID, amountCents int64) *domain.BillingRecord {
	t.Helper()
	var record *domain.BillingRecord
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		record, txErr = f.invoice.CreateImmediatePendingTx(context.Background(), tx, customerID, []domain.BillingLineItem{{
			ItemType:    domain.LineItemTypeSubscription,
			Quantity:    1,
			AmountCents: amountCents,
		}})
		return txErr
	})
	require.NoError(t, err)
	return record
}

func (f *paymentFixture) setEscrowBalance(t *testing.T, customerID, balance int64) {
	t.Helper()
	require.NoError(t, f.db.Exec(
		`UPDATE customers SET escrow_balance_cents = ? WHERE id = ?`, balance, customerID,
	).Error)
}

func (f *paymentFixture) pay(t *testing.T, record *domain.BillingRecord) *Result {
	t.Helper()
	var result *Result
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = f.svc.ProcessInvoicePaymentTx(context.Background(), tx, record)
		return txErr
	})
	require.NoError(t, err)
	return result
}

func TestCreditsCoverInvoiceWithoutProviders(t *testing.T) {
	f := newPaymentFixture(t)
	testutil.SeedCustomer(t, f.db, 1, f.clk.Now())
	_, err := f.credits.Issue(context.Background(), 1, 1500, "goodwill", nil)
	require.NoError(t, err)

	record := f.createPendingInvoice(t, 1, 900)
	result := f.pay(t, record)

	assert.True(t, result.Paid)
	assert.Equal(t, int64(900), result.CreditAppliedCents)
	assert.Equal(t, int64(0), result.ChargedCents)

	var status string
	require.NoError(t, f.db.Raw(`SELECT status FROM billing_records WHERE id = ?`, record.ID).Scan(&status).Error)
	assert.Equal(t, "PAID", status)

	var sources []string
	require.NoError(t, f.db.Raw(
		`SELECT source FROM invoice_payments WHERE billing_record_id = ? ORDER BY id`, record.ID,
	).Scan(&sources).Error)
	assert.Equal(t, []string{"credit"}, sources)
}

func TestEachCreditGetsItsOwnPaymentRow(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	testutil.SeedCustomer(t, f.db, 9, f.clk.Now())

	soon := f.clk.Now().AddDate(0, 0, 5)
	first, err := f.credits.Issue(ctx, 9, 300, domain.CreditReasonReconciliation, &soon)
	require.NoError(t, err)
	second, err := f.credits.Issue(ctx, 9, 1000, "goodwill", nil)
	require.NoError(t, err)

	record := f.createPendingInvoice(t, 9, 900)
	result := f.pay(t, record)

	assert.True(t, result.Paid)
	assert.Equal(t, int64(900), result.CreditAppliedCents)

	// the audit trail shows which credit covered how much
	var rows []struct {
		Source      string
		CreditID    *int64
		AmountCents int64
	}
	require.NoError(t, f.db.Raw(
		`SELECT source, credit_id, amount_cents FROM invoice_payments WHERE billing_record_id = ? ORDER BY id`,
		record.ID,
	).Scan(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "credit", rows[0].Source)
	require.NotNil(t, rows[0].CreditID)
	assert.Equal(t, int64(first.ID), *rows[0].CreditID)
	assert.Equal(t, int64(300), rows[0].AmountCents)
	require.NotNil(t, rows[1].CreditID)
	assert.Equal(t, int64(second.ID), *rows[1].CreditID)
	assert.Equal(t, int64(600), rows[1].AmountCents)
}

func TestEscrowPaysRemainderAfterCredits(t *testing.T) {
	f := newPaymentFixture(t)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, f.db, 2, f.clk.Now())
	testutil.SeedPaymentMethod(t, f.db, node, 2, "escrow", 0, "", f.clk.Now())
	f.setEscrowBalance(t, 2, 1000)
	_, err := f.credits.Issue(context.Background(), 2, 300, "goodwill", nil)
	require.NoError(t, err)

	record := f.createPendingInvoice(t, 2, 900)
	result := f.pay(t, record)

	assert.True(t, result.Paid)
	assert.Equal(t, int64(300), result.CreditAppliedCents)
	assert.Equal(t, int64(600), result.ChargedCents)

	var balance int64
	require.NoError(t, f.db.Raw(`SELECT escrow_balance_cents FROM customers WHERE id = 2`).Scan(&balance).Error)
	assert.Equal(t, int64(400), balance)
}

func TestShortEscrowLeavesInvoiceFailedWithPartialCoverage(t *testing.T) {
	f := newPaymentFixture(t)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, f.db, 3, f.clk.Now())
	testutil.SeedPaymentMethod(t, f.db, node, 3, "escrow", 0, "", f.clk.Now())
	f.setEscrowBalance(t, 3, 250)

	record := f.createPendingInvoice(t, 3, 900)
	result := f.pay(t, record)

	assert.False(t, result.Paid)
	require.NotNil(t, result.Failure)
	assert.Equal(t, int64(650), result.Failure.RemainingCents)
	assert.Contains(t, result.Failure.Attempts, "escrow")

	var row struct {
		Status          string
		AmountPaidCents int64
		RetryCount      int
	}
	require.NoError(t, f.db.Raw(
		`SELECT status, amount_paid_cents, retry_count FROM billing_records WHERE id = ?`, record.ID,
	).Scan(&row).Error)
	assert.Equal(t, "FAILED", row.Status)
	assert.Equal(t, int64(250), row.AmountPaidCents)
	assert.Equal(t, 1, row.RetryCount)

	// top up and retry: only the uncovered remainder is collected
	f.setEscrowBalance(t, 3, 5000)
	var reloaded *domain.BillingRecord
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		reloaded, txErr = f.invoice.LoadForUpdateTx(context.Background(), tx, record.ID)
		return txErr
	})
	require.NoError(t, err)
	retry := f.pay(t, reloaded)

	assert.True(t, retry.Paid)
	assert.Equal(t, int64(650), retry.ChargedCents)

	var balance int64
	require.NoError(t, f.db.Raw(`SELECT escrow_balance_cents FROM customers WHERE id = 3`).Scan(&balance).Error)
	assert.Equal(t, int64(4350), balance)
}

func TestSpendingLimitBlocksProviderCharges(t *testing.T) {
	f := newPaymentFixture(t)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, f.db, 4, f.clk.Now())
	testutil.SeedPaymentMethod(t, f.db, node, 4, "escrow", 0, "", f.clk.Now())
	f.setEscrowBalance(t, 4, 10000)
	require.NoError(t, f.db.Exec(`UPDATE customers SET spending_limit_cents = 500 WHERE id = 4`).Error)

	record := f.createPendingInvoice(t, 4, 900)
	result := f.pay(t, record)

	assert.False(t, result.Paid)
	require.NotNil(t, result.Failure)
	assert.Contains(t, result.Failure.Attempts, "spending_limit")
	assert.Equal(t, int64(0), result.ChargedCents)

	// the balance was never touched
	var balance int64
	require.NoError(t, f.db.Raw(`SELECT escrow_balance_cents FROM customers WHERE id = 4`).Scan(&balance).Error)
	assert.Equal(t, int64(10000), balance)
}

func TestSpendingWindowRollsOver(t *testing.T) {
	f := newPaymentFixture(t)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, f.db, 5, f.clk.Now())
	testutil.SeedPaymentMethod(t, f.db, node, 5, "escrow", 0, "", f.clk.Now())
	f.setEscrowBalance(t, 5, 10000)
	periodStart := f.clk.Now().AddDate(0, 0, -30)
	require.NoError(t, f.db.Exec(
		`UPDATE customers SET spending_limit_cents = 1000, spending_period_start = ?, spending_period_used_cents = 1000 WHERE id = 5`,
		periodStart,
	).Error)

	// the exhausted window is older than 28 days, so it resets and the
	// charge goes through
	record := f.createPendingInvoice(t, 5, 900)
	result := f.pay(t, record)

	assert.True(t, result.Paid)
	assert.Equal(t, int64(900), result.ChargedCents)

	var used int64
	require.NoError(t, f.db.Raw(`SELECT spending_period_used_cents FROM customers WHERE id = 5`).Scan(&used).Error)
	assert.Equal(t, int64(900), used)
}

func TestWalletPaysFromMethodConfig(t *testing.T) {
	f := newPaymentFixture(t)
	node := testutil.NewNode(t)
	testutil.SeedCustomer(t, f.db, 6, f.clk.Now())
	testutil.SeedPaymentMethod(t, f.db, node, 6, "wallet", 0, `{"balance_cents":2000}`, f.clk.Now())

	record := f.createPendingInvoice(t, 6, 900)
	result := f.pay(t, record)

	assert.True(t, result.Paid)
	assert.Equal(t, int64(900), result.ChargedCents)

	var config string
	require.NoError(t, f.db.Raw(
		`SELECT config FROM customer_payment_methods WHERE customer_id = 6`,
	).Scan(&config).Error)
	assert.JSONEq(t, `{"balance_cents":1100}`, config)
}

func TestPaymentRejectsNonCollectibleStatuses(t *testing.T) {
	f := newPaymentFixture(t)
	testutil.SeedCustomer(t, f.db, 7, f.clk.Now())
	record := f.createPendingInvoice(t, 7, 100)
	require.NoError(t, f.db.Exec(
		`UPDATE billing_records SET status = 'VOIDED' WHERE id = ?`, record.ID,
	).Error)
	record.Status = domain.BillingRecordStatusVoided

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, txErr := f.svc.ProcessInvoicePaymentTx(context.Background(), tx, record)
		return txErr
	})
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
}
