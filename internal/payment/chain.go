package payment

import (
	"context"

	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

// Chain resolves a customer's enabled payment methods in priority order and
// maps each to its provider implementation.
type Chain struct {
	providers map[domain.ProviderType]Provider
}

func NewChain(providers ...Provider) *Chain {
	byType := make(map[domain.ProviderType]Provider, len(providers))
	for _, p := range providers {
		byType[p.Type()] = p
	}
	return &Chain{providers: byType}
}

// LoadTx reads the ordered method rows inside the caller's transaction so
// the chain seen is the chain charged.
func (c *Chain) LoadTx(ctx context.Context, tx *gorm.DB, customerID int64) ([]domain.CustomerPaymentMethod, error) {
	var methods []domain.CustomerPaymentMethod
	err := tx.WithContext(ctx).Raw(
		`SELECT id, customer_id, provider_type, priority, enabled, config, created_at, updated_at
		 FROM customer_payment_methods
		 WHERE customer_id = ? AND enabled = ?
		 ORDER BY priority ASC, id ASC`,
		customerID, true,
	).Scan(&methods).Error
	if err != nil {
		return nil, err
	}
	return methods, nil
}

// Provider returns the implementation for a method's provider type.
func (c *Chain) Provider(t domain.ProviderType) (Provider, bool) {
	p, ok := c.providers[t]
	return p, ok
}
