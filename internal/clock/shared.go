package clock

import (
	"time"

	"gorm.io/gorm"
)

const sharedClockKey = "mock_time"

// SharedClock reads the mock time from a persisted test_kv row, falling back
// to the wall clock when the row is absent. Every process pointed at the same
// database sees the same time, which is what multi-process test environments
// need.
type SharedClock struct {
	db *gorm.DB
}

func NewSharedClock(db *gorm.DB) *SharedClock {
	return &SharedClock{db: db}
}

func (c *SharedClock) Now() time.Time {
	var value string
	err := c.db.Raw(`SELECT value FROM test_kv WHERE key = ?`, sharedClockKey).Scan(&value).Error
	if err != nil || value == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Set persists the mock time. Admin-only, test environments only.
func (c *SharedClock) Set(t time.Time) error {
	now := time.Now().UTC()
	res := c.db.Exec(
		`UPDATE test_kv SET value = ?, updated_at = ? WHERE key = ?`,
		t.UTC().Format(time.RFC3339), now, sharedClockKey,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return c.db.Exec(
			`INSERT INTO test_kv (key, value, updated_at) VALUES (?, ?, ?)`,
			sharedClockKey, t.UTC().Format(time.RFC3339), now,
		).Error
	}
	return nil
}

// Clear removes the mock time so Now falls back to the wall clock.
func (c *SharedClock) Clear() error {
	return c.db.Exec(`DELETE FROM test_kv WHERE key = ?`, sharedClockKey).Error
}
