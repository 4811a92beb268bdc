package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	Members = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatchwatch",
			Name:      "members",
			Help:      "Members in the last published routing list.",
		},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchwatch",
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes by result (published, unchanged, failed).",
		},
		[]string{"result"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatchwatch",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent rendering and publishing the routing list.",
			// 100us .. ~1.6s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	Reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchwatch",
			Name:      "reloads_total",
			Help:      "Dispatcher reload triggers by result.",
		},
		[]string{"result"},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatchwatch",
			Name:      "evictions_total",
			Help:      "Members evicted locally after missing heartbeats.",
		},
	)

	WatchSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchwatch",
			Name:      "watch_sessions_total",
			Help:      "Watch sessions ended, by reason (broken, resync, list_failed).",
		},
		[]string{"reason"},
	)

	Heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchwatch",
			Name:      "heartbeats_total",
			Help:      "Announcer register/renew attempts by result.",
		},
		[]string{"op", "result"},
	)

	AnnouncerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatchwatch",
			Name:      "announcer_state",
			Help:      "Current announcer state as its numeric code.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchwatch",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and role).",
		},
		[]string{"version", "role"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "dispatchwatch",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(Members, Reconciliations, ReconcileDuration, Reloads, Evictions,
		WatchSessions, Heartbeats, AnnouncerState, buildInfo, uptime)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, role string) {
	buildInfo.WithLabelValues(version, role).Set(1)
}

// Healthz returns 200 OK to indicate the process is alive.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Mux wires /metrics and /healthz.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", Healthz)
	mux.Handle("/metrics", MetricsHandler())
	return mux
}
