package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/queue"
)

const namespace = "scoring_engine"

// RuleCounter supplies the enabled rule set for the rules_active gauge
type RuleCounter interface {
	ListEnabled(ctx context.Context) ([]*database.Rule, error)
}

// Collector holds all Prometheus metrics for the scoring engine. Metrics
// register against the default registry at construction, so exactly one
// Collector may exist per process.
type Collector struct {
	config   config.MetricsConfig
	logger   *slog.Logger
	queue    *queue.Queue
	ruleRepo RuleCounter

	// Ingest counters
	transactionsIngested prometheus.Counter
	transactionsRejected *prometheus.CounterVec

	// Pipeline counters
	transactionsProcessed *prometheus.CounterVec
	ruleEvaluations       *prometheus.CounterVec
	ruleErrors            prometheus.Counter
	alertsFired           *prometheus.CounterVec

	// Notification counters
	notificationsSent   *prometheus.CounterVec
	notificationRetries *prometheus.CounterVec
	notificationErrors  *prometheus.CounterVec

	// Duration histograms
	evaluationDuration  prometheus.Histogram
	dbQueryDuration     *prometheus.HistogramVec
	httpRequestDuration *prometheus.HistogramVec

	// HTTP counters
	httpRequests *prometheus.CounterVec

	// Gauges refreshed on the collection interval
	queueDepth  prometheus.Gauge
	rulesActive prometheus.Gauge
}

// NewCollector creates the collector and registers every metric
func NewCollector(cfg config.MetricsConfig, logger *slog.Logger, q *queue.Queue, ruleRepo RuleCounter) *Collector {
	return &Collector{
		config:   cfg,
		logger:   logger,
		queue:    q,
		ruleRepo: ruleRepo,

		transactionsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Total number of transactions accepted by the ingest gate",
		}),
		transactionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Total number of submissions rejected at the ingest gate",
		}, []string{"reason"}),
		transactionsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "Total number of transactions scored by the worker",
		}, []string{"status"}),
		ruleEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Total number of rule evaluations",
		}, []string{"rule_type"}),
		ruleErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Total number of rule evaluations that faulted",
		}),
		alertsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Total number of fired rules",
		}, []string{"rule"}),
		notificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications delivered",
		}, []string{"channel"}),
		notificationRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_retries_total",
			Help:      "Total number of notification delivery retries",
		}, []string{"channel"}),
		notificationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_errors_total",
			Help:      "Total number of notification delivery failures",
		}, []string{"channel"}),
		evaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating the full rule set against one transaction",
			Buckets:   prometheus.DefBuckets,
		}),
		dbQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query latency by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of transactions waiting in the scoring queue",
		}),
		rulesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_active",
			Help:      "Number of enabled rules",
		}),
	}
}

// Start refreshes the gauges on the collection interval until the context
// is cancelled
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", "interval", c.config.CollectionInterval)

	ticker := time.NewTicker(c.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return ctx.Err()
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh samples the queue depth and enabled rule count
func (c *Collector) Refresh(ctx context.Context) {
	if c.queue != nil {
		c.queueDepth.Set(float64(c.queue.Len()))
	}

	if c.ruleRepo != nil {
		rules, err := c.ruleRepo.ListEnabled(ctx)
		if err != nil {
			c.logger.Warn("Failed to refresh rules gauge", "error", err)
			return
		}
		c.rulesActive.Set(float64(len(rules)))
	}
}

// RecordIngested records a transaction accepted by the ingest gate
func (c *Collector) RecordIngested() {
	c.transactionsIngested.Inc()
}

// RecordRejected records a submission rejected at the ingest gate
func (c *Collector) RecordRejected(reason string) {
	c.transactionsRejected.WithLabelValues(reason).Inc()
}

// RecordProcessed records a transaction reaching its terminal status
func (c *Collector) RecordProcessed(status string) {
	c.transactionsProcessed.WithLabelValues(status).Inc()
}

// RecordRuleEvaluation records one rule evaluated without fault
func (c *Collector) RecordRuleEvaluation(ruleType string) {
	c.ruleEvaluations.WithLabelValues(ruleType).Inc()
}

// RecordRuleError records a rule evaluation fault
func (c *Collector) RecordRuleError() {
	c.ruleErrors.Inc()
}

// RecordAlertFired records a rule firing on a transaction
func (c *Collector) RecordAlertFired(rule string) {
	c.alertsFired.WithLabelValues(rule).Inc()
}

// RecordNotificationSent records a delivered notification
func (c *Collector) RecordNotificationSent(channel string) {
	c.notificationsSent.WithLabelValues(channel).Inc()
}

// RecordNotificationRetry records a failed delivery attempt that will be retried
func (c *Collector) RecordNotificationRetry(channel string) {
	c.notificationRetries.WithLabelValues(channel).Inc()
}

// RecordNotificationError records a delivery attempt that failed
func (c *Collector) RecordNotificationError(channel string) {
	c.notificationErrors.WithLabelValues(channel).Inc()
}

// ObserveEvaluation records the duration of one full rule-set evaluation
func (c *Collector) ObserveEvaluation(duration time.Duration) {
	c.evaluationDuration.Observe(duration.Seconds())
}

// ObserveDBQuery records the latency of a database operation
func (c *Collector) ObserveDBQuery(operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served HTTP request
func (c *Collector) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetQueueDepth sets the queue depth gauge directly
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetRulesActive sets the enabled rules gauge directly
func (c *Collector) SetRulesActive(count int) {
	c.rulesActive.Set(float64(count))
}
