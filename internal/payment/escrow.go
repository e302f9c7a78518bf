package payment

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

// EscrowProvider draws from the customer's prepaid escrow balance. It pays
// partially when the balance cannot cover the full amount.
type EscrowProvider struct{}

func NewEscrowProvider() *EscrowProvider { return &EscrowProvider{} }

func (p *EscrowProvider) Type() domain.ProviderType { return domain.ProviderTypeEscrow }

func (p *EscrowProvider) IsConfigured(domain.CustomerPaymentMethod) bool { return true }

func (p *EscrowProvider) ChargeTx(ctx context.Context, tx *gorm.DB, method domain.CustomerPaymentMethod, amountCents int64, idempotencyKey string) (ChargeResult, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT escrow_balance_cents FROM customers WHERE id = ? FOR UPDATE`,
		method.CustomerID,
	).Scan(&balance).Error
	if err != nil {
		return ChargeResult{}, err
	}
	if balance <= 0 {
		return ChargeResult{}, ErrInsufficientFunds
	}

	take := amountCents
	if take > balance {
		take = balance
	}
	res := tx.WithContext(ctx).Exec(
		`UPDATE customers
		 SET escrow_balance_cents = escrow_balance_cents - ?
		 WHERE id = ? AND escrow_balance_cents >= ?`,
		take, method.CustomerID, take,
	)
	if res.Error != nil {
		return ChargeResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return ChargeResult{}, ErrInsufficientFunds
	}
	return ChargeResult{
		AmountCents: take,
		ExternalRef: fmt.Sprintf("escrow:%s", idempotencyKey),
	}, nil
}
