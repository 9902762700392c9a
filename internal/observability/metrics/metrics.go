package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the application-level prometheus instruments.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	ledgerOps              *prometheus.CounterVec
	reconciliationWarnings prometheus.Counter
	promoRedemptions       *prometheus.CounterVec
	quotaRejections        prometheus.Counter

	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	sweptHolds   prometheus.Counter
	sweptRefunds prometheus.Counter
}

// New registers the instruments on the provided registerer. Pass
// prometheus.DefaultRegisterer in production so promhttp serves them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metering_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		ledgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_ledger_operations_total",
			Help: "Ledger operations by kind and result.",
		}, []string{"op", "result"}),
		reconciliationWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_reconciliation_warnings_total",
			Help: "Finalize overages that had to be capped at a zero balance.",
		}),
		promoRedemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_promo_redemptions_total",
			Help: "Promo redemption attempts by result.",
		}, []string{"result"}),
		quotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_quota_rejections_total",
			Help: "Metered calls rejected by the quota gate.",
		}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_scheduler_job_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_scheduler_job_errors_total",
			Help: "Scheduler job failures by job name.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metering_scheduler_job_duration_seconds",
			Help:    "Scheduler job latency by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		sweptHolds: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_reservations_swept_total",
			Help: "Stale reservations auto-finalized by the sweep.",
		}),
		sweptRefunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_reservation_sweep_refunded_tokens_total",
			Help: "Tokens refunded by the stale-reservation sweep.",
		}),
	}
}

// NewDefault registers on the default prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) RecordLedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordReconciliationWarning() {
	if m == nil {
		return
	}
	m.reconciliationWarnings.Inc()
}

func (m *Metrics) RecordPromoRedemption(result string) {
	if m == nil {
		return
	}
	m.promoRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) RecordSweptReservation(refundedTokens int64) {
	if m == nil {
		return
	}
	m.sweptHolds.Inc()
	if refundedTokens > 0 {
		m.sweptRefunds.Add(float64(refundedTokens))
	}
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
