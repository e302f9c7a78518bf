package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// schema mirrors the embedded postgres migration, translated for sqlite.
var schema = []string{
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		paid_once BOOLEAN NOT NULL DEFAULT FALSE,
		grace_period_started_at DATETIME,
		suspended_at DATETIME,
		escrow_balance_cents INTEGER NOT NULL DEFAULT 0,
		spending_limit_cents INTEGER,
		spending_period_start DATETIME,
		spending_period_used_cents INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE service_instances (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_provisioned',
		is_user_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		paid_once BOOLEAN NOT NULL DEFAULT FALSE,
		scheduled_tier TEXT,
		scheduled_tier_at DATETIME,
		cancellation_scheduled_for DATETIME,
		cancellation_effective_at DATETIME,
		sub_pending_invoice_id INTEGER,
		config TEXT,
		enabled_at DATETIME,
		disabled_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX uq_service_instances_customer_type ON service_instances (customer_id, service_type)`,
	`CREATE TABLE billing_records (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		invoice_number TEXT NOT NULL DEFAULT '',
		record_type TEXT NOT NULL DEFAULT 'monthly',
		status TEXT NOT NULL DEFAULT 'DRAFT',
		period_start DATETIME,
		period_end DATETIME,
		due_date DATETIME,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		amount_paid_cents INTEGER NOT NULL DEFAULT 0,
		tx_digest TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		pending_at DATETIME,
		paid_at DATETIME,
		voided_at DATETIME,
		last_updated_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX uq_billing_records_one_draft ON billing_records (customer_id) WHERE status = 'DRAFT'`,
	`CREATE TABLE billing_line_items (
		id INTEGER PRIMARY KEY,
		billing_record_id INTEGER NOT NULL,
		item_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		service_type TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 1,
		unit_price_cents INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE invoice_payments (
		id INTEGER PRIMARY KEY,
		billing_record_id INTEGER NOT NULL,
		customer_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		credit_id INTEGER,
		amount_cents INTEGER NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	`CREATE TABLE customer_credits (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		remaining_cents INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE customer_payment_methods (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		provider_type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		config TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE idempotency_records (
		key TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL DEFAULT 0,
		outcome TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE service_cancellation_history (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		cancelled_at DATETIME,
		cooldown_until DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE admin_notifications (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'info',
		code TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		details TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE stats_per_hour (
		customer_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		hour_start DATETIME NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		last_updated_at DATETIME,
		PRIMARY KEY (customer_id, service_type, hour_start)
	)`,
	`CREATE TABLE api_keys (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	`CREATE TABLE service_keys (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	`CREATE TABLE service_packages (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		service_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	`CREATE TABLE test_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at DATETIME
	)`,
}

// OpenDB opens a per-test in-memory sqlite database with the billing schema
// applied and FOR UPDATE clauses stripped, since sqlite has no row locks.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", sanitizeName(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v\n%s", err, stmt)
		}
	}
	return db
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// NewNode returns a snowflake node for tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedCustomer inserts a bare customer row.
func SeedCustomer(t *testing.T, db *gorm.DB, id int64, at time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO customers (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, fmt.Sprintf("customer%d@example.com", id), at, at,
	).Error
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

// SeedInstance inserts a service instance in the given lifecycle status and
// returns its id.
func SeedInstance(t *testing.T, db *gorm.DB, node *snowflake.Node, customerID int64, serviceType, tier, status string, paidOnce bool, at time.Time) int64 {
	t.Helper()
	id := node.Generate()
	err := db.Exec(
		`INSERT INTO service_instances (id, customer_id, service_type, tier, status, is_user_enabled, paid_once, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, customerID, serviceType, tier, status, true, paidOnce, at, at,
	).Error
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	return int64(id)
}

// SeedUsage inserts an hourly usage counter row.
func SeedUsage(t *testing.T, db *gorm.DB, customerID int64, serviceType string, hourStart time.Time, requests int64) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO stats_per_hour (customer_id, service_type, hour_start, request_count, last_updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		customerID, serviceType, hourStart, requests, hourStart,
	).Error
	if err != nil {
		t.Fatalf("seed usage: %v", err)
	}
}

// SeedPaymentMethod inserts an enabled payment method.
func SeedPaymentMethod(t *testing.T, db *gorm.DB, node *snowflake.Node, customerID int64, providerType string, priority int, config string, at time.Time) {
	t.Helper()
	var cfg any
	if config != "" {
		cfg = config
	}
	err := db.Exec(
		`INSERT INTO customer_payment_methods (id, customer_id, provider_type, priority, enabled, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		node.Generate(), customerID, providerType, priority, true, cfg, at, at,
	).Error
	if err != nil {
		t.Fatalf("seed payment method: %v", err)
	}
}
