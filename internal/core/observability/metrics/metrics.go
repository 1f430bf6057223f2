// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vicodyn"

var (
	Registry = prometheus.NewRegistry()

	Invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Finished client calls by outcome.",
		},
		[]string{"service", "outcome"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts beyond the first one.",
		},
		[]string{"service"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time from the first client message to the end of the call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"service"},
	)

	Peers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Registered backends by connection state.",
		},
		[]string{"service", "state"},
	)

	PeerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_errors_total",
			Help:      "Connection failures that froze a backend.",
		},
		[]string{"service"},
	)

	Absorbed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "absorbed_total",
			Help:      "Queued calls moved to another backend.",
		},
		[]string{"service"},
	)

	Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Queued calls failed because no backend could take them.",
		},
		[]string{"service"},
	)

	ControlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Requests served by the control endpoint.",
		},
		[]string{"op", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Invocations, Retries, InvocationDuration,
		Peers, PeerErrors, Absorbed, Dropped,
		ControlRequests, buildInfo, uptime,
	)
}

// Handler exposes the registry for /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// PeerStates is the per-state breakdown published for a service.
type PeerStates struct {
	Connected    int
	Connecting   int
	Disconnected int
	Frozen       int
}

// SetPeers publishes the state breakdown of a service's pool.
func SetPeers(service string, s PeerStates) {
	Peers.WithLabelValues(service, "connected").Set(float64(s.Connected))
	Peers.WithLabelValues(service, "connecting").Set(float64(s.Connecting))
	Peers.WithLabelValues(service, "disconnected").Set(float64(s.Disconnected))
	Peers.WithLabelValues(service, "frozen").Set(float64(s.Frozen))
}

// ForgetService removes every series of a service that went away.
func ForgetService(service string) {
	labels := prometheus.Labels{"service": service}
	Peers.DeletePartialMatch(labels)
	Invocations.DeletePartialMatch(labels)
	Retries.DeletePartialMatch(labels)
	InvocationDuration.DeletePartialMatch(labels)
	PeerErrors.DeletePartialMatch(labels)
	Absorbed.DeletePartialMatch(labels)
	Dropped.DeletePartialMatch(labels)
}

// ObserveCall records a finished call.
func ObserveCall(service, outcome string, retries int, took time.Duration) {
	Invocations.WithLabelValues(service, outcome).Inc()
	if retries > 0 {
		Retries.WithLabelValues(service).Add(float64(retries))
	}
	InvocationDuration.WithLabelValues(service).Observe(took.Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests of next under the op label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ControlRequests.WithLabelValues(op, strconv.Itoa(sw.status/100)+"xx").Inc()
	})
}
