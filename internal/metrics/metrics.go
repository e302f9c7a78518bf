package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PhaseBilling        = "billing"
	PhaseReconciliation = "reconciliation"
	PhaseCleanup        = "cleanup"
	PhaseHousekeeping   = "housekeeping"
)

const (
	PaymentOutcomePaid   = "paid"
	PaymentOutcomeFailed = "failed"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// BillingMetrics captures periodic job health signals.
type BillingMetrics struct {
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	phaseErrors        *prometheus.CounterVec
	customersProcessed prometheus.Counter
	paymentOutcomes    *prometheus.CounterVec
	invoicesTransition *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billingd"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keyplane_billing_job_runs_total",
		Help:        "Periodic billing job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "keyplane_billing_job_duration_seconds",
		Help:        "Periodic billing job latency to protect batch freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	phaseErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keyplane_billing_phase_errors_total",
		Help:        "Periodic job phase errors by phase.",
		ConstLabels: constLabels,
	}, []string{"phase"})
	customersProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "keyplane_billing_customers_processed_total",
		Help:        "Customers processed by the billing phase.",
		ConstLabels: constLabels,
	})
	paymentOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keyplane_billing_payment_outcomes_total",
		Help:        "Invoice payment outcomes by result.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	invoicesTransition := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keyplane_billing_invoice_transitions_total",
		Help:        "Invoice lifecycle transitions to validate pipeline health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		phaseErrors,
		customersProcessed,
		paymentOutcomes,
		invoicesTransition,
	)

	return &BillingMetrics{
		jobRuns:            jobRuns,
		jobDuration:        jobDuration,
		phaseErrors:        phaseErrors,
		customersProcessed: customersProcessed,
		paymentOutcomes:    paymentOutcomes,
		invoicesTransition: invoicesTransition,
	}
}

func (m *BillingMetrics) ObserveJobRun(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) IncPhaseError(phase string) {
	if m == nil {
		return
	}
	m.phaseErrors.WithLabelValues(phase).Inc()
}

func (m *BillingMetrics) AddCustomersProcessed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.customersProcessed.Add(float64(n))
}

func (m *BillingMetrics) IncPaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncInvoiceTransition(from, to string) {
	if m == nil {
		return
	}
	m.invoicesTransition.WithLabelValues(from, to).Inc()
}
