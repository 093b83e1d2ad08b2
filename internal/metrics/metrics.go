// Package metrics provides Prometheus instrumentation for chatd. It exposes
// gauges for connections and open room views, counters for merge and send
// throughput, and histograms for send and poll latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenRooms tracks the number of room views currently hosted.
	OpenRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_open_rooms",
		Help: "Current number of open room views",
	})

	// MergesTotal counts merge inputs, labeled by source (push, poll, local)
	// and result (changed, noop, closed).
	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_merges_total",
		Help: "Total number of merge inputs applied to room views",
	}, []string{"source", "result"})

	// SendsTotal counts send attempts by outcome: "delivered", "skipped",
	// "invalid", "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_sends_total",
		Help: "Total number of message sends by outcome",
	}, []string{"outcome"})

	// SendLatency records the time from send to authoritative acknowledgement.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatd_send_latency_seconds",
		Help:    "Time from send to backing store acknowledgement",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PollDuration records how long one backstop poll takes.
	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatd_poll_duration_seconds",
		Help:    "Backstop poll duration in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// PollFailures counts polls that returned an error.
	PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_poll_failures_total",
		Help: "Total number of failed backstop polls",
	})

	// ChannelStatus counts push channel status transitions.
	ChannelStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_channel_status_total",
		Help: "Push channel status transitions",
	}, []string{"status"})

	// PushDropped counts push events dropped because a consumer fell behind.
	PushDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_push_dropped_total",
		Help: "Push events dropped because the room consumer was full",
	})

	// PresenceRefreshFailures counts presence refreshes that kept stale state.
	PresenceRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_presence_refresh_failures_total",
		Help: "Presence refreshes that failed and kept the previous state",
	})

	// UploadsTotal counts blob uploads by result: "primary", "fallback",
	// "too_large", "unavailable".
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_uploads_total",
		Help: "Blob uploads by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenRooms,
		MergesTotal,
		SendsTotal,
		SendLatency,
		PollDuration,
		PollFailures,
		ChannelStatus,
		PushDropped,
		PresenceRefreshFailures,
		UploadsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
