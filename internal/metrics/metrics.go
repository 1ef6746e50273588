// Package metrics exposes Prometheus collectors for the admission pipeline,
// the stream log and the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

const namespace = "rivernode"

// Registry holds every collector of the node.
var Registry = prometheus.NewRegistry()

// NodeInfo is always 1; the node address and version are labels.
var NodeInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_info",
		Help:      "Node identity (always 1, identity in labels)",
	},
	[]string{"address", "version"},
)

// Admission metrics
var (
	// AdmissionTotal counts admission requests by operation and result code.
	AdmissionTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_requests_total",
			Help:      "Admission requests by operation and result code",
		},
		[]string{"op", "code"}, // op: create_stream|add_event
	)

	// AdmissionDuration tracks time spent admitting a request.
	AdmissionDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Admission latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"},
	)

	// DerivedEventsTotal counts node-signed events written by membership derivation.
	DerivedEventsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_events_total",
			Help:      "Node-signed membership events written",
		},
	)

	// MiniblocksSealedTotal counts sealed miniblocks.
	MiniblocksSealedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "miniblocks_sealed_total",
			Help:      "Miniblocks sealed by the producer or by commits",
		},
	)
)

// Sync metrics
var (
	// SyncSessions is the number of open sync sessions.
	SyncSessions = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_sessions",
			Help:      "Open sync sessions",
		},
		[]string{"mode"}, // mode: direct|shared
	)

	// SyncSessionsClosedTotal counts closed sessions by reason.
	SyncSessionsClosedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_closed_total",
			Help:      "Closed sync sessions by reason",
		},
		[]string{"reason"}, // reason: cancel|timeout|overflow|transport
	)

	// SyncUpdatesTotal counts stream updates queued to sessions.
	SyncUpdatesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_updates_total",
			Help:      "Stream updates queued to sync sessions",
		},
	)
)

// Archive metrics
var (
	// ArchiveRunsTotal counts archive writes by destination and result.
	ArchiveRunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Archive writes by destination and result",
		},
		[]string{"destination", "result"}, // destination "export" counts failed exports
	)

	ArchiveDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_write_duration_seconds",
			Help:      "Time spent writing one archive to a destination",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"destination"},
	)
)

// Init registers the runtime collectors and sets the node info gauge.
func Init(address, version string) {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	NodeInfo.WithLabelValues(address, version).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveAdmission records one admission request.
func ObserveAdmission(op string, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = rpcerr.CodeOf(err).String()
	}
	AdmissionTotal.WithLabelValues(op, code).Inc()
	AdmissionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SessionOpened and SessionClosed keep SyncSessions current.
func SessionOpened(shared bool) {
	SyncSessions.WithLabelValues(mode(shared)).Inc()
}

func SessionClosed(shared bool, reason string) {
	SyncSessions.WithLabelValues(mode(shared)).Dec()
	SyncSessionsClosedTotal.WithLabelValues(reason).Inc()
}

func mode(shared bool) string {
	if shared {
		return "shared"
	}
	return "direct"
}
