package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/pkg/db"
)

var Module = fx.Module("idempotency",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

// outcome is the persisted envelope. Both successful results and
// ValidationErrors are cached; SystemErrors never reach the table.
type outcome struct {
	OK           bool            `json:"ok"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Details      map[string]any  `json:"details,omitempty"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) *Service {
	return &Service{db: p.DB, log: p.Log.Named("idempotency.service"), clock: p.Clock}
}

// DoTx runs fn at most once for the given key. A cached success replays its
// value; a cached ValidationError replays the error. Transient failures
// bubble without writing a record so the operation retries cleanly.
//
// The record is written inside tx: if the surrounding transaction rolls
// back, the key is released with it.
func (s *Service) DoTx(tx *gorm.DB, key string, customerID int64, fn func(tx *gorm.DB) (any, error)) (json.RawMessage, bool, error) {
	var rec domain.IdempotencyRecord
	err := tx.Raw(`SELECT key, customer_id, outcome, created_at FROM idempotency_records WHERE key = ?`, key).
		Scan(&rec).Error
	if err != nil {
		return nil, false, domain.NewSystemError("idempotency lookup failed", err)
	}
	if rec.Key != "" {
		return s.replay(key, rec)
	}

	value, opErr := fn(tx)
	if opErr != nil {
		var ve *domain.ValidationError
		if errors.As(opErr, &ve) {
			if storeErr := s.store(tx, key, customerID, outcome{
				OK:           false,
				ErrorCode:    ve.Code,
				ErrorMessage: ve.Message,
				Details:      ve.Details,
			}); storeErr != nil {
				return nil, false, storeErr
			}
			return nil, false, opErr
		}
		// transient or unknown: do not cache
		return nil, false, opErr
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false, domain.NewSystemError("idempotency value marshal failed", err)
	}
	if storeErr := s.store(tx, key, customerID, outcome{OK: true, Value: raw}); storeErr != nil {
		return nil, false, storeErr
	}
	return raw, false, nil
}

func (s *Service) replay(key string, rec domain.IdempotencyRecord) (json.RawMessage, bool, error) {
	var out outcome
	if err := json.Unmarshal(rec.Outcome, &out); err != nil {
		return nil, true, domain.NewSystemError(fmt.Sprintf("corrupt idempotency record %s", key), err)
	}
	if out.OK {
		s.log.Debug("idempotency replay", zap.String("key", key))
		return out.Value, true, nil
	}
	return nil, true, &domain.ValidationError{
		Code:    out.ErrorCode,
		Message: out.ErrorMessage,
		Details: out.Details,
	}
}

func (s *Service) store(tx *gorm.DB, key string, customerID int64, out outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return domain.NewSystemError("idempotency outcome marshal failed", err)
	}
	now := s.clock.Now()
	err = tx.Exec(
		`INSERT INTO idempotency_records (key, customer_id, outcome, created_at) VALUES (?, ?, ?, ?)`,
		key, customerID, raw, now,
	).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return domain.NewSystemError("idempotency record insert failed", err)
	}
	return nil
}

// SweepOlderThan removes records past the retention window. Housekeeping
// calls it with a 90-day cutoff.
func (s *Service) SweepOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -days)
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE created_at < ?`, cutoff,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("idempotency sweep", zap.Int64("deleted", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Unmarshal decodes a replayed or fresh value into dst.
func Unmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
