package locking

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

// lockNamespace keeps billing advisory locks from colliding with other
// subsystems sharing the database.
const lockNamespace = 0x6b70 // "kp"

const lockTimeoutSQLState = "55P03"

var Module = fx.Module("locking",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Locker serializes all billing work for one customer behind a transaction
// scoped advisory lock. The lock releases with the transaction, so there is
// no unlock path to forget.
type Locker struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) *Locker {
	return &Locker{db: p.DB, log: p.Log.Named("locking")}
}

// WithCustomerLock runs fn inside a transaction holding the customer's
// advisory lock. Waits up to 10 seconds, then returns ErrLockTimeout.
// The id is range-checked first: the advisory lock key is an int32, so ids
// beyond that range would alias another customer's lock.
func (l *Locker) WithCustomerLock(ctx context.Context, customerID int64, fn func(tx *gorm.DB) error) error {
	if err := domain.ValidateCustomerID(customerID); err != nil {
		return err
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.acquire(tx, customerID); err != nil {
			return err
		}
		return fn(tx)
	})
	if isLockTimeout(err) {
		l.log.Warn("customer lock timeout", zap.Int64("customer_id", customerID))
		return domain.ErrLockTimeout
	}
	return err
}

// TryCustomerLock is the non-blocking form. When the lock is held elsewhere
// it returns (false, nil) without running fn.
func (l *Locker) TryCustomerLock(ctx context.Context, customerID int64, fn func(tx *gorm.DB) error) (bool, error) {
	if err := domain.ValidateCustomerID(customerID); err != nil {
		return false, err
	}
	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() != "postgres" {
			// tests run on sqlite with a single connection; the
			// transaction itself is the mutual exclusion
			acquired = true
			return fn(tx)
		}
		var got bool
		if err := tx.Raw(
			`SELECT pg_try_advisory_xact_lock(?, ?)`,
			lockNamespace, int32(customerID),
		).Scan(&got).Error; err != nil {
			return err
		}
		if !got {
			return nil
		}
		acquired = true
		return fn(tx)
	})
	return acquired, err
}

func (l *Locker) acquire(tx *gorm.DB, customerID int64) error {
	if tx.Dialector.Name() != "postgres" {
		return tx.Exec(`UPDATE customers SET id = id WHERE id = ?`, customerID).Error
	}
	if err := tx.Exec(`SET LOCAL lock_timeout = '10s'`).Error; err != nil {
		return err
	}
	return tx.Exec(
		`SELECT pg_advisory_xact_lock(?, ?)`,
		lockNamespace, int32(customerID),
	).Error
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockTimeoutSQLState
}
