// Package metrics declares the Prometheus instrumentation for the
// cachewire client driver, grounded on the teacher's own promauto usage
// (cmd/ursrv/serve/metrics.go): package-level vectors registered at import
// time via promauto, namespaced by subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cachewire"

var (
	// FramesSent and FramesReceived count frames written to and read from
	// a connection's transport, labeled by whether they were compressed.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "frames_sent_total",
	}, []string{"compressed"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "frames_received_total",
	}, []string{"compressed"})

	// ChannelsOpened counts successful OpenChannel negotiations, labeled
	// by protocol name.
	ChannelsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "channels_opened_total",
	}, []string{"protocol"})

	// RequestsTimedOut counts requests completed by the timeout scanner
	// rather than by a response, labeled by protocol name.
	RequestsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "requests_timed_out_total",
	}, []string{"protocol"})

	// RequestDuration observes the wall-clock time a synchronous request
	// spent waiting for its status to complete, labeled by protocol name
	// and outcome ("ok", "failure", "timeout", "cancelled").
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "request_duration_seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol", "outcome"})

	// HeartbeatMisses counts heartbeat round trips that failed to
	// complete within the configured timeout.
	HeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "heartbeat_misses_total",
	})
)

func init() {
	// Pre-register the label values a dashboard expects to always find,
	// even before the first request of that outcome occurs.
	for _, outcome := range []string{"ok", "failure", "timeout", "cancelled"} {
		RequestDuration.WithLabelValues("cachewire-control", outcome)
	}
	for _, compressed := range []string{"true", "false"} {
		FramesSent.WithLabelValues(compressed)
		FramesReceived.WithLabelValues(compressed)
	}
}
