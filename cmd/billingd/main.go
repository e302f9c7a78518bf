package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/config"
	"github.com/keyplane/billing/internal/credit"
	"github.com/keyplane/billing/internal/grace"
	"github.com/keyplane/billing/internal/idempotency"
	"github.com/keyplane/billing/internal/invoice"
	"github.com/keyplane/billing/internal/locking"
	"github.com/keyplane/billing/internal/logger"
	"github.com/keyplane/billing/internal/metrics"
	"github.com/keyplane/billing/internal/migration"
	"github.com/keyplane/billing/internal/payment"
	"github.com/keyplane/billing/internal/processor"
	"github.com/keyplane/billing/internal/scheduler"
	"github.com/keyplane/billing/internal/server"
	"github.com/keyplane/billing/internal/servicebilling"
	"github.com/keyplane/billing/internal/tier"
	"github.com/keyplane/billing/internal/usage"
	"github.com/keyplane/billing/internal/validation"
	"github.com/keyplane/billing/pkg/db"
)

func main() {
	app := fx.New(
		fx.Provide(config.Load),
		logger.Module,
		db.Module,
		migration.Module,

		fx.Provide(registerSnowflake),
		fx.Provide(provideClock),
		fx.Provide(billing.NewPricingHolder),
		fx.Provide(providePaymentChain),
		fx.Invoke(initMetrics),

		locking.Module,
		idempotency.Module,
		invoice.Module,
		credit.Module,
		payment.Module,
		grace.Module,
		servicebilling.Module,
		validation.Module,
		usage.Module,
		tier.Module,
		processor.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

// provideClock picks the shared database clock in test mode so every process
// pointed at the same database agrees on the current time.
func provideClock(cfg config.Config, gdb *gorm.DB) clock.Clock {
	if cfg.TestMode {
		return clock.NewSharedClock(gdb)
	}
	return clock.NewSystemClock()
}

func providePaymentChain(cfg config.Config) *payment.Chain {
	return payment.NewChain(
		payment.NewEscrowProvider(),
		payment.NewWalletProvider(),
		payment.NewCardProvider(cfg.CardAPIBaseURL, cfg.CardAPIKey),
	)
}

func initMetrics(cfg config.Config) {
	metrics.BillingWithConfig(metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}
