package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeline_actions_routed_total",
			Help: "Total number of actions classified by routing decision",
		},
		[]string{"decision"},
	)

	RuleEvaluationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routeline_rule_evaluation_errors_total",
			Help: "Total number of rule conditions that failed closed",
		},
	)

	NotificationsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeline_notifications_dispatched_total",
			Help: "Notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"}, // delivered, exhausted, dropped
	)

	NotificationAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routeline_notification_attempts_total",
			Help: "Total number of notification send attempts including retries",
		},
	)

	DispatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routeline_dispatch_latency_seconds",
			Help:    "Time from enqueue to confirmed delivery",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	IncidentsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeline_incidents_opened_total",
			Help: "Incidents opened by severity and origin",
		},
		[]string{"severity", "origin"}, // origin: auto, explicit
	)

	TTISeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routeline_tti_seconds",
			Help:    "Time to intervention per incident",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	MTTRSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routeline_mttr_seconds",
			Help:    "Time to recovery per incident",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400}, // 1m to 1d
		},
	)

	OwnershipSnapshotServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routeline_ownership_snapshot_services",
			Help: "Number of services in the active ownership snapshot",
		},
	)
)

// RecordActionRouted records a classification outcome.
func RecordActionRouted(decision string) {
	ActionsRoutedTotal.WithLabelValues(decision).Inc()
}

// RecordRuleEvaluationErrors records conditions that failed closed.
func RecordRuleEvaluationErrors(n int) {
	if n > 0 {
		RuleEvaluationErrorsTotal.Add(float64(n))
	}
}

// RecordNotification records the final outcome of a notification on one channel.
func RecordNotification(channel, outcome string) {
	NotificationsDispatchedTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordNotificationAttempt records a single send attempt.
func RecordNotificationAttempt() {
	NotificationAttemptsTotal.Inc()
}

// RecordDispatchLatency records the enqueue-to-delivery latency.
func RecordDispatchLatency(d time.Duration) {
	DispatchLatencySeconds.Observe(d.Seconds())
}

// RecordIncidentOpened records a new incident.
func RecordIncidentOpened(severity, origin string) {
	IncidentsOpenedTotal.WithLabelValues(severity, origin).Inc()
}

// RecordTTI records a frozen time to intervention.
func RecordTTI(seconds int64) {
	TTISeconds.Observe(float64(seconds))
}

// RecordMTTR records a frozen time to recovery.
func RecordMTTR(seconds int64) {
	MTTRSeconds.Observe(float64(seconds))
}

// SetOwnershipSnapshotSize records the size of the active ownership snapshot.
func SetOwnershipSnapshotSize(n int) {
	OwnershipSnapshotServices.Set(float64(n))
}
