package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the accounting-core Prometheus collectors.
type Metrics struct {
	AuthorizeTotal    *prometheus.CounterVec // result: allowed/rate_limited/precondition/error
	AuthorizeDuration prometheus.Histogram

	RateLimitedTotal *prometheus.CounterVec // tier
	GateRejectTotal  *prometheus.CounterVec // reason

	DeductTotal    *prometheus.CounterVec // result: ok/error
	DeductAmount   prometheus.Counter     // EUR
	DeductDuration prometheus.Histogram

	AdjustTotal  *prometheus.CounterVec // type
	RefundAmount prometheus.Counter     // EUR returned to org pools

	CreditTotal  *prometheus.CounterVec // result: applied/duplicate/error
	CreditAmount prometheus.Counter     // EUR

	JobRunsTotal *prometheus.CounterVec // job, result
}

var (
	once sync.Once
	inst *Metrics
)

// Get returns the process-wide metrics, registering collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		inst = &Metrics{
			AuthorizeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_authorize_total",
				Help: "Usage authorization decisions",
			}, []string{"result"}),
			AuthorizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "credits_authorize_duration_seconds",
				Help:    "Duration of the rate-limit + precondition checks",
				Buckets: prometheus.DefBuckets,
			}),
			RateLimitedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			}, []string{"tier"}),
			GateRejectTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_gate_reject_total",
				Help: "Requests rejected by the family precondition gate",
			}, []string{"reason"}),
			DeductTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_deduct_total",
				Help: "Usage deductions",
			}, []string{"result"}),
			DeductAmount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "credits_deduct_amount_eur",
				Help: "Total EUR deducted for usage",
			}),
			DeductDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "credits_deduct_duration_seconds",
				Help:    "Duration of ledger deductions",
				Buckets: prometheus.DefBuckets,
			}),
			AdjustTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_adjust_total",
				Help: "Balance adjustments by transaction type",
			}, []string{"type"}),
			RefundAmount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "credits_refund_amount_eur",
				Help: "Total EUR refunded to organization pools",
			}),
			CreditTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_purchase_total",
				Help: "Purchase credits by outcome",
			}, []string{"result"}),
			CreditAmount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "credits_purchase_amount_eur",
				Help: "Total EUR credited from purchases",
			}),
			JobRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "credits_job_runs_total",
				Help: "Scheduled job executions",
			}, []string{"job", "result"}),
		}
	})
	return inst
}
