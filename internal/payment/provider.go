package payment

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

var (
	ErrDeclined          = errors.New("payment_declined")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrNotConfigured     = errors.New("provider_not_configured")
)

// ChargeResult reports what one provider collected. AmountCents may be less
// than requested for balance-backed providers; RequiresAction means the
// provider needs the customer to complete the charge out of band.
type ChargeResult struct {
	AmountCents       int64
	ExternalRef       string
	RequiresAction    bool
	HostedRedirectURL string
}

// Provider collects money from one payment source. ChargeTx runs inside the
// caller's transaction so balance decrements commit or roll back with the
// invoice state.
type Provider interface {
	Type() domain.ProviderType
	IsConfigured(method domain.CustomerPaymentMethod) bool
	ChargeTx(ctx context.Context, tx *gorm.DB, method domain.CustomerPaymentMethod, amountCents int64, idempotencyKey string) (ChargeResult, error)
}
