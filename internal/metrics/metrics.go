// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	eventsAppendedCounter   *prometheus.CounterVec
	appendDurationMetric    prometheus.Histogram
	deliveryAttemptsCounter *prometheus.CounterVec
	deliveryRetriesCounter  prometheus.Counter
	dlqDepthGauge           prometheus.Gauge
	dispatchQueueGauge      prometheus.Gauge
	dispatchInFlightGauge   prometheus.Gauge
	relayConnectionsGauge   prometheus.Gauge
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_appended_total",
				Help: "Total number of events appended to the log by type.",
			},
			[]string{"type"},
		)

		appendDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "event_append_duration_seconds",
				Help:    "Duration of event log appends in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		deliveryAttemptsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome.",
			},
			[]string{"outcome"},
		)

		deliveryRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "delivery_retries_total",
				Help: "Total number of retried delivery attempts.",
			},
		)

		dlqDepthGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dlq_open_entries",
				Help: "Number of open dead-letter queue entries.",
			},
		)

		dispatchQueueGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_depth",
				Help: "Number of events waiting in the dispatch queue.",
			},
		)

		dispatchInFlightGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_in_flight",
				Help: "Number of deliveries currently in flight.",
			},
		)

		relayConnectionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connections",
				Help: "Number of open stream relay connections.",
			},
		)

		prometheus.MustRegister(
			eventsAppendedCounter,
			appendDurationMetric,
			deliveryAttemptsCounter,
			deliveryRetriesCounter,
			dlqDepthGauge,
			dispatchQueueGauge,
			dispatchInFlightGauge,
			relayConnectionsGauge,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, t := range domain.KnownEventTypes() {
			eventsAppendedCounter.WithLabelValues(string(t))
		}
		for _, outcome := range []string{"delivered", "failed"} {
			deliveryAttemptsCounter.WithLabelValues(outcome)
		}
	})
}

func IncEventsAppended(eventType string) {
	Init()
	eventsAppendedCounter.WithLabelValues(eventType).Inc()
}

func ObserveAppendDuration(d time.Duration) {
	Init()
	appendDurationMetric.Observe(d.Seconds())
}

func IncDeliveryAttempt(success bool) {
	Init()
	if success {
		deliveryAttemptsCounter.WithLabelValues("delivered").Inc()
		return
	}
	deliveryAttemptsCounter.WithLabelValues("failed").Inc()
}

func IncDeliveryRetries() {
	Init()
	deliveryRetriesCounter.Inc()
}

func SetDLQDepth(n int) {
	Init()
	dlqDepthGauge.Set(float64(n))
}

func SetDispatchQueueDepth(n int) {
	Init()
	dispatchQueueGauge.Set(float64(n))
}

func SetDispatchInFlight(n int) {
	Init()
	dispatchInFlightGauge.Set(float64(n))
}

func AddRelayConnections(delta int) {
	Init()
	relayConnectionsGauge.Add(float64(delta))
}
