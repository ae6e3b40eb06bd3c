// Package metrics exposes the Prometheus instrumentation shared across
// the capture and replay pipeline. Collectors are registered on the
// default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks live sessions by role (capture, replay,
	// idle).
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recast",
		Name:      "sessions_active",
		Help:      "Number of live sessions by role.",
	}, []string{"role"})

	// PacketsCaptured counts RTP packets written to capture files.
	PacketsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "rtp_packets_captured_total",
		Help:      "RTP packets written to capture files.",
	}, []string{"medium"})

	// BytesCaptured counts bytes written to capture files.
	BytesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "rtp_bytes_captured_total",
		Help:      "Bytes written to capture files.",
	}, []string{"medium"})

	// PacketsReplayed counts RTP packets paced out to viewers.
	PacketsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "rtp_packets_replayed_total",
		Help:      "RTP packets sent to replay viewers.",
	}, []string{"medium"})

	// PacketsDropped counts simulcast packets filtered out of a capture.
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "simulcast_packets_dropped_total",
		Help:      "Simulcast packets dropped by layer selection.",
	})

	// CatalogEntries tracks the number of completed captures known.
	CatalogEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recast",
		Name:      "catalog_entries",
		Help:      "Completed captures in the catalog.",
	})

	// RequestErrors counts failed client requests by error code.
	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "request_errors_total",
		Help:      "Client requests rejected, by error code.",
	}, []string{"code"})

	// FeedbackSent counts RTCP feedback packets sent toward senders.
	FeedbackSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recast",
		Name:      "rtcp_feedback_sent_total",
		Help:      "RTCP feedback packets sent to capture senders.",
	}, []string{"type"})
)
