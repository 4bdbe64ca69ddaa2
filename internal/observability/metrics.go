package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently registered with the loop.",
		},
		[]string{"node"},
	)
	datagramsRx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "datagrams_rx_total",
			Help:      "Inbound datagrams by attribution outcome.",
		},
		[]string{"node", "attributed"},
	)
	datagramsTx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "datagrams_tx_total",
			Help:      "Outbound datagrams written to the socket.",
		},
		[]string{"node"},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "send_failures_total",
			Help:      "Outbound datagram writes that failed.",
		},
		[]string{"node"},
	)
	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "recoveries_total",
			Help:      "Forced renegotiations issued by the health sweep.",
		},
		[]string{"node"},
	)
	recoveryExhausted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "recovery_exhausted",
			Help:      "Degraded sessions whose restart budget is spent.",
		},
		[]string{"node"},
	)
	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "session",
			Name:      "sweep_duration_seconds",
			Help:      "Health sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsLive,
			datagramsRx,
			datagramsTx,
			sendFailures,
			recoveries,
			recoveryExhausted,
			sweepDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDatagramRx(node string, attributed bool) {
	RegisterMetrics()
	datagramsRx.WithLabelValues(node, strconv.FormatBool(attributed)).Inc()
}

func RecordDatagramTx(node string) {
	RegisterMetrics()
	datagramsTx.WithLabelValues(node).Inc()
}

func RecordSendFailure(node string) {
	RegisterMetrics()
	sendFailures.WithLabelValues(node).Inc()
}

func RecordRecovery(node string) {
	RegisterMetrics()
	recoveries.WithLabelValues(node).Inc()
}

func SetExhaustedSessions(node string, n int) {
	RegisterMetrics()
	recoveryExhausted.WithLabelValues(node).Set(float64(n))
}

func SetLiveSessions(node string, n int) {
	RegisterMetrics()
	sessionsLive.WithLabelValues(node).Set(float64(n))
}

func ObserveSweep(node string, duration time.Duration) {
	RegisterMetrics()
	sweepDuration.WithLabelValues(node).Observe(duration.Seconds())
}
