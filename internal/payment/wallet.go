package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

type walletMethodConfig struct {
	BalanceCents int64 `json:"balance_cents"`
}

// WalletProvider draws from a per-method wallet balance kept in the payment
// method config. Like escrow it pays partially when short.
type WalletProvider struct{}

func NewWalletProvider() *WalletProvider { return &WalletProvider{} }

func (p *WalletProvider) Type() domain.ProviderType { return domain.ProviderTypeWallet }

func (p *WalletProvider) IsConfigured(method domain.CustomerPaymentMethod) bool {
	var cfg walletMethodConfig
	return json.Unmarshal(method.Config, &cfg) == nil
}

func (p *WalletProvider) ChargeTx(ctx context.Context, tx *gorm.DB, method domain.CustomerPaymentMethod, amountCents int64, idempotencyKey string) (ChargeResult, error) {
	var row struct{ Config []byte }
	err := tx.WithContext(ctx).Raw(
		`SELECT config FROM customer_payment_methods WHERE id = ? FOR UPDATE`,
		method.ID,
	).Scan(&row).Error
	if err != nil {
		return ChargeResult{}, err
	}

	var cfg walletMethodConfig
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &cfg); err != nil {
			return ChargeResult{}, ErrNotConfigured
		}
	}
	if cfg.BalanceCents <= 0 {
		return ChargeResult{}, ErrInsufficientFunds
	}

	take := amountCents
	if take > cfg.BalanceCents {
		take = cfg.BalanceCents
	}
	cfg.BalanceCents -= take

	updated, err := json.Marshal(cfg)
	if err != nil {
		return ChargeResult{}, err
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE customer_payment_methods SET config = ? WHERE id = ?`,
		updated, method.ID,
	).Error; err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{
		AmountCents: take,
		ExternalRef: fmt.Sprintf("wallet:%s", idempotencyKey),
	}, nil
}
