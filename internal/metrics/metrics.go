package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeUnknown labels iterations whose outcome was not reported.
const OutcomeUnknown = "unknown"

var (
	iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_agent",
			Name:      "iterations_total",
			Help:      "Total number of loop iterations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	iterationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel_agent",
			Name:      "iteration_seconds",
			Help:      "Full iteration latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_agent",
			Name:      "decisions_total",
			Help:      "Decisions produced by the reasoning engine, partitioned by verdict.",
		},
		[]string{"verdict"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_agent",
			Name:      "remediations_total",
			Help:      "Remediation attempts, partitioned by result (applied, failed, refused, cooldown).",
		},
		[]string{"result"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_agent",
			Name:      "escalations_total",
			Help:      "Escalation deliveries, partitioned by channel and status.",
		},
		[]string{"channel", "status"},
	)

	memoryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_agent",
			Name:      "memory_lookups_total",
			Help:      "Similarity lookups against issue memory, partitioned by result (hit, miss, error).",
		},
		[]string{"result"},
	)
)

// Register attaches sentinel-agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		iterationsTotal,
		iterationDurationSeconds,
		decisionsTotal,
		remediationsTotal,
		escalationsTotal,
		memoryLookupsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIteration records an iteration duration and outcome label.
func ObserveIteration(duration time.Duration, outcome string) {
	if outcome == "" {
		outcome = OutcomeUnknown
	}
	iterationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	iterationDurationSeconds.Observe(duration.Seconds())
}

// ObserveDecision counts one decision by verdict.
func ObserveDecision(verdict string) {
	decisionsTotal.WithLabelValues(verdict).Inc()
}

// ObserveRemediation counts one remediation attempt by result.
func ObserveRemediation(result string) {
	remediationsTotal.WithLabelValues(result).Inc()
}

// ObserveEscalation counts one delivery attempt per channel.
func ObserveEscalation(channel string, delivered bool) {
	status := "delivered"
	if !delivered {
		status = "failed"
	}
	escalationsTotal.WithLabelValues(channel, status).Inc()
}

// ObserveMemoryLookup counts one similarity lookup by result.
func ObserveMemoryLookup(result string) {
	memoryLookupsTotal.WithLabelValues(result).Inc()
}
