package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/bike-sensor/internal/export"
	"github.com/sweeney/bike-sensor/internal/mqtt"
	"github.com/sweeney/bike-sensor/internal/sensor"
	"github.com/sweeney/bike-sensor/internal/status"
	"github.com/sweeney/bike-sensor/internal/telemetry"
	"github.com/sweeney/bike-sensor/internal/transport"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeSource struct {
	events chan telemetry.Event
	state  sensor.ConnState
	stats  sensor.Stats
	raw    *telemetry.RawLog
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan telemetry.Event),
		state:  sensor.StateConnected,
		raw:    telemetry.NewRawLog(),
	}
}

func (f *fakeSource) Events() <-chan telemetry.Event { return f.events }
func (f *fakeSource) State() sensor.ConnState        { return f.state }
func (f *fakeSource) Stats() sensor.Stats            { return f.stats }
func (f *fakeSource) RawLog() *telemetry.RawLog      { return f.raw }

type loopHarness struct {
	src     *fakeSource
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	beat    chan time.Time
	sig     chan os.Signal
	errCh   chan error
}

func startLoop(t *testing.T, withPublisher bool) *loopHarness {
	t.Helper()
	h := &loopHarness{
		src:     newFakeSource(),
		pub:     mqtt.NewFakePublisher(),
		tracker: status.NewTracker(t0, status.Config{Device: "BikeSensor", WheelRadiusIn: 14.5}),
		beat:    make(chan time.Time),
		sig:     make(chan os.Signal, 1),
		errCh:   make(chan error, 1),
	}
	h.pub.Connected = true

	var (
		pub mqtt.Publisher
		st  mqtt.ConnectionStatus
	)
	if withPublisher {
		pub, st = h.pub, h.pub
	}
	go func() {
		h.errCh <- runLoop(h.src, pub, st, h.tracker, nil, h.beat, fakeClock(t0, time.Second), h.sig)
	}()
	return h
}

func (h *loopHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not return")
		return nil
	}
}

func TestRunLoopShutdownOnSignal(t *testing.T) {
	h := startLoop(t, true)
	h.sig <- syscall.SIGTERM
	require.NoError(t, h.wait(t))

	require.Len(t, h.pub.SystemEvents, 1)
	ev := h.pub.SystemEvents[0]
	assert.Equal(t, "SHUTDOWN", ev.Event)
	assert.Equal(t, "SIGTERM", ev.Reason)
	assert.True(t, ev.Retained)
	assert.Equal(t, t0, ev.Timestamp)

	var sj status.StatusJSON
	require.NoError(t, json.Unmarshal(h.pub.SystemPayloads[0], &sj))
	assert.Equal(t, "SHUTDOWN", sj.Status.Event)
	assert.Equal(t, "SIGTERM", sj.Status.Reason)
	assert.Nil(t, sj.Status.Config)
}

func TestRunLoopSigintName(t *testing.T) {
	h := startLoop(t, true)
	h.sig <- syscall.SIGINT
	require.NoError(t, h.wait(t))
	assert.Equal(t, "SIGINT", h.pub.SystemEvents[0].Reason)
}

func TestRunLoopFansOutEventsInOrder(t *testing.T) {
	h := startLoop(t, true)
	h.src.stats = sensor.Stats{Frames: 3, Malformed: 1}
	h.src.raw.Append("P\t900")

	evs := []telemetry.Event{
		{Type: telemetry.EventToast, Time: t0, Message: sensor.ToastEstablishing},
		{Type: telemetry.EventConnected, Time: t0, Device: "BikeSensor"},
		{Type: telemetry.EventReading, Time: t0, Reading: telemetry.Reading{Channel: telemetry.Pedal, MPR: 900, Time: t0}},
		{Type: telemetry.EventReading, Time: t0, Reading: telemetry.Reading{Channel: telemetry.Tire, MPR: 450, Time: t0}},
	}
	for _, ev := range evs {
		h.src.events <- ev
	}
	close(h.src.events)
	require.NoError(t, h.wait(t))

	assert.Equal(t, evs, h.pub.Events)
	assert.Equal(t, []string{
		mqtt.TopicConnection, mqtt.TopicConnection, mqtt.TopicReadings, mqtt.TopicReadings,
	}, h.pub.Topics)

	snap := h.tracker.Snapshot()
	assert.Equal(t, status.ConnConnected, snap.Connection)
	assert.Equal(t, 900.0, snap.Pedal.MPR)
	assert.Equal(t, 450.0, snap.Tire.MPR)
	assert.Equal(t, sensor.ToastEstablishing, snap.LastToast)
	assert.Equal(t, int64(3), snap.Counts.Frames)
	assert.Equal(t, int64(1), snap.Counts.Malformed)
	assert.Equal(t, 1, snap.RawLogEntries)
	assert.True(t, snap.MQTTConnected)
}

func TestRunLoopHeartbeat(t *testing.T) {
	h := startLoop(t, true)
	h.src.stats = sensor.Stats{Frames: 12}

	h.beat <- time.Time{}
	h.sig <- syscall.SIGTERM
	require.NoError(t, h.wait(t))

	require.Len(t, h.pub.SystemEvents, 2)
	hb := h.pub.SystemEvents[0]
	assert.Equal(t, "HEARTBEAT", hb.Event)
	assert.False(t, hb.Retained)

	var sj status.StatusJSON
	require.NoError(t, json.Unmarshal(h.pub.SystemPayloads[0], &sj))
	assert.Equal(t, "HEARTBEAT", sj.Status.Event)
	assert.Equal(t, int64(12), sj.Status.Counts.Frames)
	assert.Equal(t, "CONNECTED", sj.Status.Connection)

	assert.Equal(t, "SHUTDOWN", h.pub.SystemEvents[1].Event)
}

func TestRunLoopPublishErrorsAreNotFatal(t *testing.T) {
	h := startLoop(t, true)
	h.pub.PublishError = assert.AnError

	h.src.events <- telemetry.Event{Type: telemetry.EventDisconnected, Time: t0}
	h.sig <- syscall.SIGTERM
	require.NoError(t, h.wait(t))

	assert.Equal(t, int64(1), h.tracker.Snapshot().Counts.Disconnects)
}

func TestRunLoopWithoutPublisher(t *testing.T) {
	h := startLoop(t, false)

	h.src.events <- telemetry.Event{Type: telemetry.EventConnectionFailed, Time: t0}
	h.beat <- time.Time{}
	h.sig <- syscall.SIGTERM
	require.NoError(t, h.wait(t))

	assert.Empty(t, h.pub.SystemEvents)
	assert.Equal(t, int64(1), h.tracker.Snapshot().Counts.Failures)
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, []transport.PortInfo{
		{Name: "/dev/rfcomm0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R"},
	})
	assert.Equal(t, "/dev/rfcomm0\n/dev/ttyUSB0\tusb 0403:6001 FT232R\n", buf.String())

	buf.Reset()
	printPorts(&buf, nil)
	assert.Equal(t, "no serial ports found\n", buf.String())
}

func newTestDaemon(t *testing.T) (*daemon, *export.FileExporter) {
	t.Helper()
	exp := export.NewFileExporter(filepath.Join(t.TempDir(), export.DefaultDir))
	svc := sensor.New(transport.NewFakeOpener(), sensor.Options{})
	t.Cleanup(func() { svc.Close() })
	return &daemon{svc: svc, device: transport.Device{Name: "BikeSensor"}, exporter: exp}, exp
}

func TestDaemonSave(t *testing.T) {
	d, exp := newTestDaemon(t)
	d.svc.RawLog().Append("P\t900")
	d.svc.RawLog().Append("\t1\t2\t450")

	n, err := d.Save(context.Background(), "morning")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, d.svc.RawLog().Len())

	data, err := os.ReadFile(exp.Path("morning"))
	require.NoError(t, err)
	assert.Equal(t, "P\t900\n\t1\t2\t450\n", string(data))
}

func TestDaemonConnectWithoutProfile(t *testing.T) {
	d, _ := newTestDaemon(t)

	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrNoProfile)

	ev := <-d.svc.Events()
	assert.Equal(t, telemetry.EventToast, ev.Type)
	assert.Equal(t, sensor.ToastPairFirst, ev.Message)
}

func TestSaveOnExit(t *testing.T) {
	d, exp := newTestDaemon(t)

	// Empty log is not an error.
	saveOnExit(d, "empty")
	_, err := os.Stat(exp.Path("empty"))
	assert.True(t, os.IsNotExist(err))

	d.svc.RawLog().Append("P\t900")
	saveOnExit(d, "ride")
	_, err = os.Stat(exp.Path("ride"))
	assert.NoError(t, err)
}
