package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/bike-sensor/internal/ride"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Connection    string      `json:"connection"`
	Device        string      `json:"device"`
	Pedal         PedalJSON   `json:"pedal"`
	Tire          TireJSON    `json:"tire"`
	LastToast     string      `json:"last_toast,omitempty"`
	RawLogEntries int         `json:"raw_log_entries"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	MQTT          MQTTStatus  `json:"mqtt"`
	Counts        CountsJSON  `json:"counts"`
	Config        *ConfigJSON `json:"config,omitempty"`
}

// PedalJSON is the pedal channel with derived cadence.
type PedalJSON struct {
	MPR        float64 `json:"mpr"`
	Synthetic  bool    `json:"synthetic"`
	Updated    string  `json:"updated,omitempty"`
	CadenceRPM float64 `json:"cadence_rpm"`
}

// TireJSON is the tire channel with derived speed and acceleration.
type TireJSON struct {
	MPR       float64 `json:"mpr"`
	Synthetic bool    `json:"synthetic"`
	Updated   string  `json:"updated,omitempty"`
	SpeedKPH  float64 `json:"speed_kph"`
	SpeedMPH  float64 `json:"speed_mph"`
	AccelMPS2 float64 `json:"accel_mps2"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of Counts.
type CountsJSON struct {
	Frames      int64 `json:"frames"`
	Malformed   int64 `json:"malformed"`
	Pedal       int64 `json:"pedal"`
	Tire        int64 `json:"tire"`
	Synthetic   int64 `json:"synthetic"`
	Connects    int64 `json:"connects"`
	Failures    int64 `json:"failures"`
	Disconnects int64 `json:"disconnects"`
}

// ConfigJSON is the JSON representation of Config.
type ConfigJSON struct {
	Device        string  `json:"device"`
	Port          string  `json:"port"`
	Broker        string  `json:"broker"`
	HTTPAddr      string  `json:"http_addr"`
	ExportBackend string  `json:"export_backend"`
	WheelRadiusIn float64 `json:"wheel_radius_in"`
	PollMs        int64   `json:"poll_ms"`
	HeartbeatMs   int64   `json:"heartbeat_ms"`
	Demo          bool    `json:"demo"`
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func buildInner(snap Snapshot) StatusInner {
	wheel := ride.Wheel{RadiusIn: snap.Config.WheelRadiusIn}
	if wheel.RadiusIn <= 0 {
		wheel = ride.DefaultWheel()
	}
	accel := 0.0
	if snap.Tire.Seen && snap.PrevTireMPR > 0 {
		accel = wheel.AccelMPS2(snap.Tire.MPR, snap.PrevTireMPR)
	}

	c := snap.Counts
	return StatusInner{
		Connection: snap.Connection,
		Device:     snap.Device,
		Pedal: PedalJSON{
			MPR:        snap.Pedal.MPR,
			Synthetic:  snap.Pedal.Synthetic,
			Updated:    stamp(snap.Pedal.At),
			CadenceRPM: round1(ride.Cadence(snap.Pedal.MPR)),
		},
		Tire: TireJSON{
			MPR:       snap.Tire.MPR,
			Synthetic: snap.Tire.Synthetic,
			Updated:   stamp(snap.Tire.At),
			SpeedKPH:  round1(wheel.SpeedKPH(snap.Tire.MPR)),
			SpeedMPH:  round1(wheel.SpeedMPH(snap.Tire.MPR)),
			AccelMPS2: round1(accel),
		},
		LastToast:     snap.LastToast,
		RawLogEntries: snap.RawLogEntries,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Frames:      c.Frames,
			Malformed:   c.Malformed,
			Pedal:       c.Pedal,
			Tire:        c.Tire,
			Synthetic:   c.Synthetic,
			Connects:    c.Connects,
			Failures:    c.Failures,
			Disconnects: c.Disconnects,
		},
	}
}

func buildConfig(snap Snapshot) *ConfigJSON {
	cfg := snap.Config
	return &ConfigJSON{
		Device:        cfg.Device,
		Port:          cfg.Port,
		Broker:        cfg.Broker,
		HTTPAddr:      cfg.HTTPAddr,
		ExportBackend: cfg.ExportBackend,
		WheelRadiusIn: cfg.WheelRadiusIn,
		PollMs:        cfg.PollMs,
		HeartbeatMs:   cfg.HeartbeatMs,
		Demo:          cfg.Demo,
	}
}

// FormatJSON returns the indented status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	inner.Config = buildConfig(snap)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the compact status for an MQTT system event.
// Config is included only on STARTUP.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	if event == "STARTUP" {
		inner.Config = buildConfig(snap)
	}

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
