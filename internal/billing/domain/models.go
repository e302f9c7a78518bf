package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingRecordStatus is the lifecycle state of a billing record.
type BillingRecordStatus string

const (
	BillingRecordStatusDraft   BillingRecordStatus = "DRAFT"
	BillingRecordStatusPending BillingRecordStatus = "PENDING"
	BillingRecordStatusPaid    BillingRecordStatus = "PAID"
	BillingRecordStatusFailed  BillingRecordStatus = "FAILED"
	BillingRecordStatusVoided  BillingRecordStatus = "VOIDED"
)

// BillingRecordType distinguishes periodic invoices from immediate charges
// and deposits.
type BillingRecordType string

const (
	BillingRecordTypeMonthly   BillingRecordType = "monthly"
	BillingRecordTypeImmediate BillingRecordType = "immediate"
	BillingRecordTypeDeposit   BillingRecordType = "deposit"
)

// LineItemType identifies what a billing line item charges for.
type LineItemType string

const (
	LineItemTypeSubscription         LineItemType = "subscription"
	LineItemTypeAddon                LineItemType = "addon"
	LineItemTypeRequests             LineItemType = "requests"
	LineItemTypeUpgrade              LineItemType = "upgrade"
	LineItemTypeReconciliationCredit LineItemType = "reconciliation_credit"
	LineItemTypeDeposit              LineItemType = "deposit"
)

// ServiceInstanceStatus is the provisioning state of a customer's service.
// A cancelled service is reset to not_provisioned rather than deleted, so
// paid_once survives re-subscription.
type ServiceInstanceStatus string

const (
	ServiceInstanceStatusNotProvisioned      ServiceInstanceStatus = "not_provisioned"
	ServiceInstanceStatusEnabled             ServiceInstanceStatus = "enabled"
	ServiceInstanceStatusDisabled            ServiceInstanceStatus = "disabled"
	ServiceInstanceStatusCancellationPending ServiceInstanceStatus = "cancellation_pending"
)

// PaymentSource names where invoice money came from.
type PaymentSource string

const (
	PaymentSourceCredit PaymentSource = "credit"
	PaymentSourceEscrow PaymentSource = "escrow"
	PaymentSourceCard   PaymentSource = "card"
	PaymentSourceWallet PaymentSource = "wallet"
)

// ProviderType names a configured payment provider.
type ProviderType string

const (
	ProviderTypeEscrow ProviderType = "escrow"
	ProviderTypeCard   ProviderType = "card"
	ProviderTypeWallet ProviderType = "wallet"
)

// NotificationSeverity grades admin notifications.
type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "info"
	NotificationSeverityWarning NotificationSeverity = "warning"
	NotificationSeverityError   NotificationSeverity = "error"
)

// CreditReasonReconciliation marks credits issued to reconcile the gap
// between a full-month subscription charge and the partial month actually
// served. Validation looks for stranded credits under this reason.
const CreditReasonReconciliation = "reconciliation"

// Customer is the billing-side view of a platform account. Identity and
// authentication live elsewhere; customer ids are assigned by that system.
type Customer struct {
	ID                      int64                  `gorm:"column:id;primaryKey"`
	Email                   string                 `gorm:"column:email"`
	PaidOnce                bool                   `gorm:"column:paid_once"`
	GracePeriodStartedAt    *time.Time             `gorm:"column:grace_period_started_at"`
	SuspendedAt             *time.Time             `gorm:"column:suspended_at"`
	EscrowBalanceCents      int64                  `gorm:"column:escrow_balance_cents"`
	SpendingLimitCents      *int64                 `gorm:"column:spending_limit_cents"`
	SpendingPeriodStart     *time.Time             `gorm:"column:spending_period_start"`
	SpendingPeriodUsedCents int64                  `gorm:"column:spending_period_used_cents"`
	CreatedAt               time.Time              `gorm:"column:created_at"`
	UpdatedAt               time.Time              `gorm:"column:updated_at"`
}

func (Customer) TableName() string { return "customers" }

// ServiceInstance is one provisioned service for a customer, e.g. a "seal"
// service on the pro tier.
type ServiceInstance struct {
	ID          snowflake.ID          `gorm:"column:id;primaryKey"`
	CustomerID  int64                 `gorm:"column:customer_id;index"`
	ServiceType string                `gorm:"column:service_type"`
	Tier        string                `gorm:"column:tier"`
	Status      ServiceInstanceStatus `gorm:"column:status"`
	// IsUserEnabled is the customer's own on/off switch, independent of the
	// lifecycle status. Toggling it never changes what is billed.
	IsUserEnabled   bool       `gorm:"column:is_user_enabled"`
	PaidOnce        bool       `gorm:"column:paid_once"`
	ScheduledTier   *string    `gorm:"column:scheduled_tier"`
	ScheduledTierAt *time.Time `gorm:"column:scheduled_tier_at"`
	// CancellationScheduledFor is set when a paid customer asks to cancel:
	// the service runs until the end of the month, then enters the
	// cancellation_pending grace window tracked by CancellationEffective.
	CancellationScheduledFor *time.Time     `gorm:"column:cancellation_scheduled_for"`
	CancellationEffective    *time.Time     `gorm:"column:cancellation_effective_at"`
	SubPendingInvoiceID      *snowflake.ID  `gorm:"column:sub_pending_invoice_id"`
	Config                   datatypes.JSON `gorm:"column:config"`
	EnabledAt                *time.Time     `gorm:"column:enabled_at"`
	DisabledAt               *time.Time     `gorm:"column:disabled_at"`
	CreatedAt                time.Time      `gorm:"column:created_at"`
	UpdatedAt                time.Time      `gorm:"column:updated_at"`
}

// Provisioned reports whether the instance currently represents a live
// subscription in any lifecycle state past not_provisioned.
func (i ServiceInstance) Provisioned() bool {
	return i.Status != ServiceInstanceStatusNotProvisioned
}

// EffectiveTier is the tier the next monthly invoice should bill: the
// scheduled tier once a downgrade is booked, the current tier otherwise.
func (i ServiceInstance) EffectiveTier() string {
	if i.ScheduledTier != nil && *i.ScheduledTier != "" {
		return *i.ScheduledTier
	}
	return i.Tier
}

func (ServiceInstance) TableName() string { return "service_instances" }

// BillingRecord is an invoice or deposit record. Amounts are USD cents.
type BillingRecord struct {
	ID              snowflake.ID        `gorm:"column:id;primaryKey"`
	CustomerID      int64               `gorm:"column:customer_id;index"`
	InvoiceNumber   string              `gorm:"column:invoice_number"`
	RecordType      BillingRecordType   `gorm:"column:record_type"`
	Status          BillingRecordStatus `gorm:"column:status"`
	PeriodStart     time.Time           `gorm:"column:period_start"`
	PeriodEnd       time.Time           `gorm:"column:period_end"`
	DueDate         *time.Time          `gorm:"column:due_date"`
	AmountCents     int64               `gorm:"column:amount_cents"`
	AmountPaidCents int64               `gorm:"column:amount_paid_cents"`
	TxDigest        string              `gorm:"column:tx_digest"`
	FailureReason   string              `gorm:"column:failure_reason"`
	RetryCount      int                 `gorm:"column:retry_count"`
	LastRetryAt     *time.Time          `gorm:"column:last_retry_at"`
	PendingAt       *time.Time          `gorm:"column:pending_at"`
	PaidAt          *time.Time          `gorm:"column:paid_at"`
	VoidedAt        *time.Time          `gorm:"column:voided_at"`
	LastUpdatedAt   time.Time           `gorm:"column:last_updated_at"`
	CreatedAt       time.Time           `gorm:"column:created_at"`
	UpdatedAt       time.Time           `gorm:"column:updated_at"`
}

func (BillingRecord) TableName() string { return "billing_records" }

// BillingLineItem is one charge or credit line on a billing record.
type BillingLineItem struct {
	ID              snowflake.ID   `gorm:"column:id;primaryKey"`
	BillingRecordID snowflake.ID   `gorm:"column:billing_record_id;index"`
	ItemType        LineItemType   `gorm:"column:item_type"`
	Description     string         `gorm:"column:description"`
	ServiceType     string         `gorm:"column:service_type"`
	Tier            string         `gorm:"column:tier"`
	Quantity        int64          `gorm:"column:quantity"`
	UnitPriceCents  int64          `gorm:"column:unit_price_cents"`
	AmountCents     int64          `gorm:"column:amount_cents"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (BillingLineItem) TableName() string { return "billing_line_items" }

// InvoicePayment records one applied payment source against an invoice.
// A multi-source payment produces several rows; each consumed credit gets
// its own row carrying the credit id.
type InvoicePayment struct {
	ID              snowflake.ID  `gorm:"column:id;primaryKey"`
	BillingRecordID snowflake.ID  `gorm:"column:billing_record_id;index"`
	CustomerID      int64         `gorm:"column:customer_id"`
	Source          PaymentSource `gorm:"column:source"`
	CreditID        *snowflake.ID `gorm:"column:credit_id"`
	AmountCents     int64         `gorm:"column:amount_cents"`
	ExternalRef     string        `gorm:"column:external_ref"`
	CreatedAt       time.Time     `gorm:"column:created_at"`
}

func (InvoicePayment) TableName() string { return "invoice_payments" }

// CustomerCredit is a spendable credit balance. RemainingCents decrements as
// the credit is applied; ExpiresAt nil means the credit never expires.
type CustomerCredit struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey"`
	CustomerID     int64        `gorm:"column:customer_id;index"`
	AmountCents    int64        `gorm:"column:amount_cents"`
	RemainingCents int64        `gorm:"column:remaining_cents"`
	Reason         string       `gorm:"column:reason"`
	ExpiresAt      *time.Time   `gorm:"column:expires_at"`
	CreatedAt      time.Time    `gorm:"column:created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at"`
}

func (CustomerCredit) TableName() string { return "customer_credits" }

// CustomerPaymentMethod is one configured provider for a customer. Priority
// ascending decides charge order; Config carries provider-specific settings
// (card token, wallet balance).
type CustomerPaymentMethod struct {
	ID           snowflake.ID   `gorm:"column:id;primaryKey"`
	CustomerID   int64          `gorm:"column:customer_id;index"`
	ProviderType ProviderType   `gorm:"column:provider_type"`
	Priority     int            `gorm:"column:priority"`
	Enabled      bool           `gorm:"column:enabled"`
	Config       datatypes.JSON `gorm:"column:config"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (CustomerPaymentMethod) TableName() string { return "customer_payment_methods" }

// IdempotencyRecord caches one completed operation outcome under its key.
type IdempotencyRecord struct {
	Key        string         `gorm:"column:key;primaryKey"`
	CustomerID int64          `gorm:"column:customer_id;index"`
	Outcome    datatypes.JSON `gorm:"column:outcome"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// ServiceCancellationHistory records a completed cancellation and the
// re-provision cooldown it imposes.
type ServiceCancellationHistory struct {
	ID            snowflake.ID `gorm:"column:id;primaryKey"`
	CustomerID    int64        `gorm:"column:customer_id;index"`
	ServiceType   string       `gorm:"column:service_type"`
	CancelledAt   time.Time    `gorm:"column:cancelled_at"`
	CooldownUntil time.Time    `gorm:"column:cooldown_until"`
	CreatedAt     time.Time    `gorm:"column:created_at"`
}

func (ServiceCancellationHistory) TableName() string { return "service_cancellation_history" }

// AdminNotification is an operator-facing alert persisted by validation,
// reconciliation and cleanup.
type AdminNotification struct {
	ID         snowflake.ID         `gorm:"column:id;primaryKey"`
	CustomerID int64                `gorm:"column:customer_id"`
	Severity   NotificationSeverity `gorm:"column:severity"`
	Code       string               `gorm:"column:code"`
	Message    string               `gorm:"column:message"`
	Details    datatypes.JSON       `gorm:"column:details"`
	CreatedAt  time.Time            `gorm:"column:created_at"`
}

func (AdminNotification) TableName() string { return "admin_notifications" }

// StatsPerHour is the metered request counter the usage folder reads.
// Rows are written by the ingestion pipeline outside this engine.
type StatsPerHour struct {
	CustomerID    int64     `gorm:"column:customer_id;primaryKey"`
	ServiceType   string    `gorm:"column:service_type;primaryKey"`
	HourStart     time.Time `gorm:"column:hour_start;primaryKey"`
	RequestCount  int64     `gorm:"column:request_count"`
	LastUpdatedAt time.Time `gorm:"column:last_updated_at"`
}

func (StatsPerHour) TableName() string { return "stats_per_hour" }

// APIKey, ServiceKey and ServicePackage are the provisioned artifacts the
// cancellation cleanup removes. Their full lifecycle belongs to the key
// management service.
type APIKey struct {
	ID         snowflake.ID `gorm:"column:id;primaryKey"`
	CustomerID int64        `gorm:"column:customer_id;index"`
	Name       string       `gorm:"column:name"`
	CreatedAt  time.Time    `gorm:"column:created_at"`
}

func (APIKey) TableName() string { return "api_keys" }

type ServiceKey struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey"`
	CustomerID  int64        `gorm:"column:customer_id;index"`
	ServiceType string       `gorm:"column:service_type"`
	Name        string       `gorm:"column:name"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (ServiceKey) TableName() string { return "service_keys" }

type ServicePackage struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey"`
	CustomerID  int64        `gorm:"column:customer_id;index"`
	ServiceType string       `gorm:"column:service_type"`
	Name        string       `gorm:"column:name"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (ServicePackage) TableName() string { return "service_packages" }

// TestKV is a small shared key/value table. The mock clock persists its
// current time here so every process in a test environment agrees.
type TestKV struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (TestKV) TableName() string { return "test_kv" }
