// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters, histograms, and gauges the dispatcher, action
// executor, and fan-out subsystems report to.
type Metrics struct {
	StimuliProcessed   *prometheus.CounterVec
	RulesExecuted      *prometheus.CounterVec
	RulesSkipped       *prometheus.CounterVec
	RulesFailed        *prometheus.CounterVec
	ActionsExecuted    *prometheus.CounterVec
	ActionsFailed      *prometheus.CounterVec
	CascadeDepthHits   prometheus.Counter
	DispatchDuration   prometheus.Histogram
	WebhookDeliveries  *prometheus.CounterVec
	WebhookDuration    prometheus.Histogram
	ActiveTimers       prometheus.Gauge
	ActiveSSEConns     prometheus.Gauge
	ActiveRules        prometheus.Gauge
}

// New registers the engine's metrics against the default Prometheus
// registerer, namespaced "reactor".
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers against a caller-supplied Registerer, useful
// for tests that want an isolated prometheus.NewRegistry() per case.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StimuliProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "stimuli_processed_total",
			Help:      "Number of stimuli (event/fact/timer) processed by the dispatcher.",
		}, []string{"kind"}),

		RulesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "rules_executed_total",
			Help:      "Number of rules whose conditions passed and actions ran.",
		}, []string{"rule_id"}),

		RulesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "rules_skipped_total",
			Help:      "Number of rules skipped because a condition failed.",
		}, []string{"rule_id"}),

		RulesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "rules_failed_total",
			Help:      "Number of rules that failed with an unexpected engine-level error.",
		}, []string{"rule_id"}),

		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "actions_executed_total",
			Help:      "Number of actions executed, by kind.",
		}, []string{"kind"}),

		ActionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "actions_failed_total",
			Help:      "Number of actions that failed, by kind.",
		}, []string{"kind"}),

		CascadeDepthHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "cascade_depth_exceeded_total",
			Help:      "Number of times the cascade depth protective cutoff triggered.",
		}),

		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reactor",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to fully process one top-level stimulus, including its cascade.",
			Buckets:   prometheus.DefBuckets,
		}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries (each counted once after its retries), partitioned by outcome.",
		}, []string{"outcome"}),

		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reactor",
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Time spent delivering a webhook, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActiveTimers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "active_timers",
			Help:      "Number of timers currently scheduled.",
		}),

		ActiveSSEConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "active_sse_connections",
			Help:      "Number of open server-sent-event connections.",
		}),

		ActiveRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactor",
			Name:      "active_rules",
			Help:      "Number of currently enabled rules.",
		}),
	}
}
