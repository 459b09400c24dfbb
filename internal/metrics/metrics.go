// Package metrics exposes Prometheus collectors for the streaming engine
// and both transports.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport label values.
const (
	TransportReliable   = "reliable"
	TransportUnreliable = "unreliable"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Subsystem: "engine",
			Name:      "frames_total",
			Help:      "Frames produced by the engine, by kind (captured or placeholder).",
		},
		[]string{"kind"},
	)
	frameBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dualcast",
			Subsystem: "engine",
			Name:      "frame_bytes",
			Help:      "Encoded frame payload size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dualcast",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Time spent capturing, encoding and fanning out one frame.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
	lateTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Subsystem: "engine",
			Name:      "late_ticks_total",
			Help:      "Ticks that started later than the allowed gap after the previous one.",
		},
	)
	clients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dualcast",
			Name:      "clients",
			Help:      "Currently registered clients per transport.",
		},
		[]string{"transport"},
	)
	fragmentsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Subsystem: "unreliable",
			Name:      "fragments_sent_total",
			Help:      "Fragment datagrams successfully written, summed over destinations.",
		},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Name:      "send_errors_total",
			Help:      "Per-destination send failures that removed a client.",
		},
		[]string{"transport"},
	)
	clientsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Subsystem: "unreliable",
			Name:      "clients_reaped_total",
			Help:      "Unreliable clients removed for inactivity.",
		},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dualcast",
			Subsystem: "reliable",
			Name:      "handshake_failures_total",
			Help:      "Reliable connections closed before completing the handshake.",
		},
	)
)

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			frameBytes,
			tickDuration,
			lateTicks,
			clients,
			fragmentsSent,
			sendErrors,
			clientsReaped,
			handshakeFailures,
		)
	})
}

// Handler registers the collectors and returns the scrape handler.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordFrame records one produced frame.
func RecordFrame(placeholder bool, size int, took time.Duration) {
	kind := "captured"
	if placeholder {
		kind = "placeholder"
	}
	framesTotal.WithLabelValues(kind).Inc()
	frameBytes.Observe(float64(size))
	tickDuration.Observe(took.Seconds())
}

// RecordLateTick counts one tick that started past the allowed gap.
func RecordLateTick() {
	lateTicks.Inc()
}

// SetClients sets the client gauge for a transport.
func SetClients(transport string, n int) {
	clients.WithLabelValues(transport).Set(float64(n))
}

// AddFragmentsSent adds n successfully written fragment datagrams.
func AddFragmentsSent(n int) {
	if n > 0 {
		fragmentsSent.Add(float64(n))
	}
}

// RecordSendError counts one failed per-destination send.
func RecordSendError(transport string) {
	sendErrors.WithLabelValues(transport).Inc()
}

// AddClientsReaped adds n inactivity removals.
func AddClientsReaped(n int) {
	if n > 0 {
		clientsReaped.Add(float64(n))
	}
}

// RecordHandshakeFailure counts one rejected reliable connection.
func RecordHandshakeFailure() {
	handshakeFailures.Inc()
}
