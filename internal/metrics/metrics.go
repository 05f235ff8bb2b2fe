// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts non-empty frames received, malformed or not.
	FramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bike_frames_total",
			Help: "Total number of non-empty frames received from the sensor",
		},
	)

	// MalformedFramesTotal counts frames that carried no reading.
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bike_frames_malformed_total",
			Help: "Total number of frames discarded as malformed",
		},
	)

	// ReadingsTotal counts readings emitted, by channel and origin.
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bike_readings_total",
			Help: "Total number of readings emitted",
		},
		[]string{"channel", "synthetic"},
	)

	// LastMPR is the most recent emitted value per channel.
	LastMPR = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bike_last_mpr",
			Help: "Most recent milliseconds-per-revolution value per channel",
		},
		[]string{"channel"},
	)

	// ConnectionAttempts counts connect calls by outcome.
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bike_connection_attempts_total",
			Help: "Total number of connection attempts by result",
		},
		[]string{"result"},
	)

	// Connected is 1 while a sensor connection is active.
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bike_connected",
			Help: "Whether a sensor connection is currently active",
		},
	)

	// RawLogEntries is the number of frames waiting to be exported.
	RawLogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bike_raw_log_entries",
			Help: "Number of frames held in the raw log",
		},
	)

	// ExportsTotal counts export attempts by backend and result.
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bike_exports_total",
			Help: "Total number of raw log exports by backend and result",
		},
		[]string{"backend", "result"},
	)

	// MQTTBuffered is the number of messages waiting for the broker.
	MQTTBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bike_mqtt_buffered_messages",
			Help: "Messages buffered while the MQTT broker is unreachable",
		},
	)

	// WebsocketClients is the number of connected live-feed clients.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bike_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)
)
