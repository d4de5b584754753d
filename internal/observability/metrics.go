package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	startAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castctl",
			Subsystem: "session",
			Name:      "start_attempts_total",
			Help:      "Session start attempts (connect + launch).",
		},
		[]string{"outcome"},
	)
	loadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castctl",
			Subsystem: "session",
			Name:      "load_attempts_total",
			Help:      "Media load attempts.",
		},
		[]string{"kind", "outcome"},
	)
	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castctl",
			Subsystem: "session",
			Name:      "load_duration_seconds",
			Help:      "Media load duration in seconds, including chunk acknowledgements.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "success"},
	)
	received = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castctl",
			Subsystem: "receiver",
			Name:      "messages_total",
			Help:      "Envelopes received from the peer by disposition.",
		},
		[]string{"namespace", "type", "disposition"},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "castctl",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently registered for cleanup.",
		},
	)
	ditherError = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "castctl",
			Subsystem: "dither",
			Name:      "error_levels",
			Help:      "Worst-channel error of optimized patterns in display levels.",
			Buckets:   []float64{0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
	ditherIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "castctl",
			Subsystem: "dither",
			Name:      "iterations",
			Help:      "Refinement iterations per optimized pattern.",
			Buckets:   prometheus.LinearBuckets(0, 5, 9),
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			startAttempts, loadAttempts, loadDuration, received,
			liveSessions, ditherError, ditherIterations,
		)
	})
}

func RecordStartAttempt(outcome string) {
	RegisterMetrics()
	startAttempts.WithLabelValues(outcome).Inc()
}

func RecordLoadAttempt(kind, outcome string) {
	RegisterMetrics()
	loadAttempts.WithLabelValues(kind, outcome).Inc()
}

func RecordLoad(kind string, duration time.Duration, success bool) {
	RegisterMetrics()
	loadDuration.WithLabelValues(kind, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// Dispositions for RecordReceived.
const (
	Delivered = "delivered"
	Stored    = "stored"
	Discarded = "discarded"
	Stale     = "stale"
	Control   = "control"
)

func RecordReceived(namespace, msgType, disposition string) {
	RegisterMetrics()
	if msgType == "" {
		msgType = "none"
	}
	received.WithLabelValues(namespace, msgType, disposition).Inc()
}

func SetLiveSessions(n int) {
	RegisterMetrics()
	liveSessions.Set(float64(n))
}

func RecordDither(errLevels float64, iterations int) {
	RegisterMetrics()
	ditherError.Observe(errLevels)
	ditherIterations.Observe(float64(iterations))
}
