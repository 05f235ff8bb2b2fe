// Package mqtt publishes sensor events to an MQTT broker, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/bike-sensor/internal/telemetry"
)

const (
	// TopicReadings carries every emitted reading, genuine or synthetic.
	TopicReadings = "sensors/bike/readings"

	// TopicConnection carries connection lifecycle events and toasts.
	TopicConnection = "sensors/bike/connection"

	// TopicSystem carries daemon lifecycle events.
	TopicSystem = "sensors/bike/system"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a sensor event to the broker.
	// Errors are reported, never fatal.
	Publish(event telemetry.Event) error

	// PublishSystem sends a daemon lifecycle event.
	PublishSystem(event SystemEvent) error

	Close() error
}

// ConnectionStatus reports whether the broker connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a daemon lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT, LWT).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // shutdown signal or will reason
	RawPayload []byte // pre-formatted JSON; returned as-is by FormatSystemPayload
	Retained   bool
}

// TopicFor returns the topic a sensor event is published on.
func TopicFor(event telemetry.Event) string {
	if event.Type == telemetry.EventReading {
		return TopicReadings
	}
	return TopicConnection
}

// ReadingPayload is the message body on TopicReadings.
type ReadingPayload struct {
	Reading ReadingInner `json:"reading"`
}

// ReadingInner contains one reading.
type ReadingInner struct {
	Timestamp string  `json:"timestamp"`
	Channel   string  `json:"channel"`
	MPR       float64 `json:"mpr"`
	Synthetic bool    `json:"synthetic"`
}

// ConnectionPayload is the message body on TopicConnection.
type ConnectionPayload struct {
	Connection ConnectionInner `json:"connection"`
}

// ConnectionInner contains one connection event.
type ConnectionInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Device    string `json:"device,omitempty"`
	Message   string `json:"message,omitempty"`
}

// FormatPayload creates the JSON payload for a sensor event.
func FormatPayload(event telemetry.Event) ([]byte, error) {
	ts := event.Time.UTC().Format(time.RFC3339Nano)
	if event.Type == telemetry.EventReading {
		return json.Marshal(ReadingPayload{
			Reading: ReadingInner{
				Timestamp: ts,
				Channel:   event.Reading.Channel.String(),
				MPR:       event.Reading.MPR,
				Synthetic: event.Reading.Synthetic,
			},
		})
	}
	return json.Marshal(ConnectionPayload{
		Connection: ConnectionInner{
			Timestamp: ts,
			Event:     string(event.Type),
			Device:    event.Device,
			Message:   event.Message,
		},
	})
}

// SystemPayload is the body of simple system events (LWT, RECONNECTED)
// that carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// RawPayload, if set, is returned unchanged.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
