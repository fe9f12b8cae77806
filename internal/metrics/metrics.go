package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "possync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_submitted_total",
			Help:      "Submitted operations by type and outcome (executed, queued, rejected, failed).",
		},
		[]string{"type", "outcome"},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_executions_total",
			Help:      "Executor calls by type and result.",
		},
		[]string{"type", "result"},
	)

	queueOperations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_operations",
			Help:      "Queued operations by status.",
		},
		[]string{"status"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Drain passes by trigger.",
		},
		[]string{"trigger"},
	)

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_pass_duration_seconds",
		Help:      "Duration of drain passes.",
		Buckets:   prometheus.DefBuckets,
	})

	networkOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_online",
		Help:      "1 when the network monitor considers the backend reachable.",
	})

	networkLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_latency_milliseconds",
		Help:      "Smoothed backend latency.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			submissions,
			executions,
			queueOperations,
			syncPasses,
			syncDuration,
			networkOnline,
			networkLatency,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncSubmission(opType, outcome string) {
	submissions.WithLabelValues(opType, outcome).Inc()
}

func IncExecution(opType, result string) {
	executions.WithLabelValues(opType, result).Inc()
}

// SetQueueCounts publishes the per-status queue gauges.
func SetQueueCounts(pending, syncing, failed int) {
	queueOperations.WithLabelValues("pending").Set(float64(pending))
	queueOperations.WithLabelValues("syncing").Set(float64(syncing))
	queueOperations.WithLabelValues("failed").Set(float64(failed))
}

// ObserveSyncPass records one finished drain pass.
func ObserveSyncPass(trigger string, d time.Duration) {
	syncPasses.WithLabelValues(trigger).Inc()
	syncDuration.Observe(d.Seconds())
}

func SetNetwork(online bool, latencyMs float64) {
	if online {
		networkOnline.Set(1)
	} else {
		networkOnline.Set(0)
	}
	networkLatency.Set(latencyMs)
}
