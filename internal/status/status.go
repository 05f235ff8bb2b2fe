// Package status provides a thread-safe view of the daemon's state for the
// HTTP server and MQTT lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/bike-sensor/internal/telemetry"
)

// Connection states as reported by the sensor service.
const (
	ConnIdle       = "IDLE"
	ConnConnecting = "CONNECTING"
	ConnConnected  = "CONNECTED"
	ConnClosed     = "CLOSED"
)

// Config contains daemon configuration for display.
type Config struct {
	Device        string
	Port          string
	Broker        string
	HTTPAddr      string
	ExportBackend string
	WheelRadiusIn float64
	PollMs        int64
	HeartbeatMs   int64
	Demo          bool
}

// ChannelStatus is the latest reading on one channel.
type ChannelStatus struct {
	MPR       float64
	Synthetic bool
	At        time.Time
	Seen      bool
}

// Counts tracks events since startup.
type Counts struct {
	Frames      int64
	Malformed   int64
	Pedal       int64
	Tire        int64
	Synthetic   int64
	Connects    int64
	Failures    int64
	Disconnects int64
}

// Snapshot is a point-in-time copy of daemon state, safe to use after the
// lock is released.
type Snapshot struct {
	Connection    string
	Device        string
	Pedal         ChannelStatus
	Tire          ChannelStatus
	PrevTireMPR   float64 // tire reading before Tire, for acceleration
	LastToast     string
	LastToastAt   time.Time
	Counts        Counts
	RawLogEntries int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Connection: ConnIdle,
			Device:     cfg.Device,
			Pedal:      ChannelStatus{MPR: telemetry.StoppedMPR},
			Tire:       ChannelStatus{MPR: telemetry.StoppedMPR},
			StartTime:  startTime,
			Config:     cfg,
		},
	}
}

// Apply folds one sensor event into the state.
func (t *Tracker) Apply(ev telemetry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case telemetry.EventConnected:
		t.snap.Connection = ConnConnected
		t.snap.Device = ev.Device
		t.snap.Counts.Connects++
	case telemetry.EventConnectionFailed:
		t.snap.Connection = ConnClosed
		t.snap.Counts.Failures++
	case telemetry.EventDisconnected:
		t.snap.Connection = ConnClosed
		t.snap.Counts.Disconnects++
	case telemetry.EventToast:
		t.snap.LastToast = ev.Message
		t.snap.LastToastAt = ev.Time
	case telemetry.EventReading:
		r := ev.Reading
		cs := ChannelStatus{MPR: r.MPR, Synthetic: r.Synthetic, At: r.Time, Seen: true}
		if r.Synthetic {
			t.snap.Counts.Synthetic++
		}
		switch r.Channel {
		case telemetry.Pedal:
			t.snap.Pedal = cs
			if !r.Synthetic {
				t.snap.Counts.Pedal++
			}
		case telemetry.Tire:
			t.snap.PrevTireMPR = 0
			if t.snap.Tire.Seen {
				t.snap.PrevTireMPR = t.snap.Tire.MPR
			}
			t.snap.Tire = cs
			if !r.Synthetic {
				t.snap.Counts.Tire++
			}
		}
	}
}

// SetConnection sets the connection state reported by the sensor service.
func (t *Tracker) SetConnection(state string) {
	t.mu.Lock()
	t.snap.Connection = state
	t.mu.Unlock()
}

// SetFrameStats sets the frame counters and raw log size.
func (t *Tracker) SetFrameStats(frames, malformed int64, rawLogEntries int) {
	t.mu.Lock()
	t.snap.Counts.Frames = frames
	t.snap.Counts.Malformed = malformed
	t.snap.RawLogEntries = rawLogEntries
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a copy of the state with Now set to the current time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
