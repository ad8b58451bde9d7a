// Package metrics holds the Prometheus instrumentation of the tracker client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

var (
	// Push channel
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_connection_state",
			Help: "1 for the current push channel state, 0 otherwise",
		},
		[]string{"state"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_connect_attempts_total",
			Help: "Push channel handshake attempts by outcome",
		},
		[]string{"transport", "outcome"}, // "success", "failure"
	)

	ReconnectAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_reconnect_attempts",
			Help: "Consecutive failed push channel attempts",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_events_received_total",
			Help: "Push channel events received by name",
		},
		[]string{"event"},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_handler_panics_total",
			Help: "Subscriber handlers that panicked during dispatch",
		},
		[]string{"event"},
	)

	// Location history
	LocationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_locations_ingested_total",
			Help: "Location records processed by the synchronizer",
		},
		[]string{"result"}, // "inserted", "replaced", "rejected", "evicted"
	)

	HistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_history_size",
			Help: "Records currently held in the location history",
		},
	)

	// REST API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_api_request_duration_seconds",
			Help:    "Duration of backend REST requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)
)

// SetConnectionState marks state as the single active connection state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordConnectAttempt counts one handshake result.
func RecordConnectAttempt(transport string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ConnectAttempts.WithLabelValues(transport, outcome).Inc()
}

// RecordAPIRequest observes one REST call.
func RecordAPIRequest(endpoint string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	APIRequestDuration.WithLabelValues(endpoint, outcome).Observe(duration.Seconds())
}
