// Package telemetry contains the pure state of the bike sensor pipeline:
// channels, readings, the decay ladder and the shared per-channel state.
// Time is always injected via time.Time parameters.
package telemetry

import "time"

// Channel identifies one of the two independent sensor sources.
type Channel int

const (
	Pedal Channel = iota
	Tire
)

// NumChannels is the number of telemetry channels.
const NumChannels = 2

// Channels lists every channel in poll order.
var Channels = [NumChannels]Channel{Pedal, Tire}

func (c Channel) String() string {
	switch c {
	case Pedal:
		return "pedal"
	case Tire:
		return "tire"
	default:
		return "unknown"
	}
}

const (
	// StoppedMPR is the milliseconds-per-revolution sentinel meaning "effectively stopped".
	StoppedMPR = 1_500_000.0

	// RelaxedTimeout is the silence needed before the first synthetic reading.
	RelaxedTimeout = 2500 * time.Millisecond

	// DecayTimeout is the silence between subsequent synthetic readings.
	DecayTimeout = 500 * time.Millisecond

	// PollInterval is how often the decay watchdog checks for silence.
	PollInterval = 100 * time.Millisecond
)

// Reading is a single channel value in milliseconds per revolution.
type Reading struct {
	Channel   Channel
	MPR       float64
	Time      time.Time
	Synthetic bool // produced by the decay watchdog, never logged
}

// EventType names a notification delivered to consumers.
type EventType string

const (
	EventConnected        EventType = "CONNECTED"
	EventConnectionFailed EventType = "CONNECTION_FAILED"
	EventDisconnected     EventType = "DISCONNECTED"
	EventToast            EventType = "TOAST"
	EventReading          EventType = "READING"
)

// Event is one notification on the outbound stream.
type Event struct {
	Type    EventType
	Time    time.Time
	Device  string  // CONNECTED, CONNECTION_FAILED, DISCONNECTED
	Message string  // TOAST text or failure reason
	Reading Reading // READING only
}

// DecayValue returns the synthetic reading for the given decay stage,
// computed from the last genuine reading. The result never exceeds
// StoppedMPR.
func DecayValue(last float64, stage int) float64 {
	var v float64
	switch {
	case stage <= 0:
		v = last
	case stage == 1:
		v = last * 4.0 / 3.0
	case stage == 2:
		v = last * 2.0
	case stage == 3:
		v = last * 4.0
	default:
		v = StoppedMPR
	}
	if v > StoppedMPR {
		return StoppedMPR
	}
	return v
}
