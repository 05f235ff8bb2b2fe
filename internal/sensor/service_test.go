package sensor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/bike-sensor/internal/telemetry"
	"github.com/sweeney/bike-sensor/internal/transport"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var bike = transport.Device{
	Name:     "BikeSensor",
	Port:     "/dev/rfcomm0",
	Profiles: []string{transport.SerialPortProfile},
}

// clock is a settable time source shared by the read and decay goroutines.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	opener *transport.FakeOpener
	clock  *clock
	ticks  chan time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		opener: transport.NewFakeOpener(),
		clock:  &clock{now: t0},
		ticks:  make(chan time.Time),
	}
	h.svc = New(h.opener, Options{
		Now: h.clock.Now,
		NewTicker: func(time.Duration) (<-chan time.Time, func()) {
			return h.ticks, func() {}
		},
	})
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func next(t *testing.T, events <-chan telemetry.Event) telemetry.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return telemetry.Event{}
}

func expectNone(t *testing.T, events <-chan telemetry.Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// connect connects and consumes the establishing toast and Connected event.
func (h *harness) connect(t *testing.T) *transport.FakeStream {
	t.Helper()
	require.NoError(t, h.svc.Connect(context.Background(), bike))

	ev := next(t, h.svc.Events())
	require.Equal(t, telemetry.EventToast, ev.Type)
	require.Equal(t, ToastEstablishing, ev.Message)

	ev = next(t, h.svc.Events())
	require.Equal(t, telemetry.EventConnected, ev.Type)
	require.Equal(t, "BikeSensor", ev.Device)
	require.Equal(t, StateConnected, h.svc.State())

	s := h.opener.Last()
	require.NotNil(t, s)
	return s
}

func TestInitialState(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateIdle, h.svc.State())
	assert.Equal(t, "", h.svc.Device())
	assert.Equal(t, Stats{}, h.svc.Stats())
}

func TestConnectNoProfile(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Connect(context.Background(), transport.Device{Name: "unpaired"})
	assert.True(t, errors.Is(err, transport.ErrNoProfile), "got %v", err)

	ev := next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventToast, ev.Type)
	assert.Equal(t, ToastPairFirst, ev.Message)
	assert.Equal(t, 0, h.opener.Attempts())
	assert.Equal(t, StateIdle, h.svc.State())
}

func TestConnectUsesFirstProfile(t *testing.T) {
	h := newHarness(t)
	dev := bike
	dev.Profiles = []string{"first", "second"}
	require.NoError(t, h.svc.Connect(context.Background(), dev))
	next(t, h.svc.Events())
	next(t, h.svc.Events())
	assert.Equal(t, []string{"first"}, h.opener.Profiles())
}

func TestReadingsFromStream(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	require.NoError(t, s.Send("X\t1000.0\n\tA\tB\t20"))
	ev := next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventReading, ev.Type)
	assert.Equal(t, telemetry.Pedal, ev.Reading.Channel)
	assert.Equal(t, 1000.0, ev.Reading.MPR)
	assert.False(t, ev.Reading.Synthetic)
	assert.True(t, ev.Time.Equal(t0))

	require.NoError(t, s.Send("00.0\nbad\tframe\twith\ttoo\tmany\tfields\n\n"))
	ev = next(t, h.svc.Events())
	assert.Equal(t, telemetry.Tire, ev.Reading.Channel)
	assert.Equal(t, 2000.0, ev.Reading.MPR)

	require.Eventually(t, func() bool { return h.svc.Stats().Frames == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Stats{Frames: 3, Malformed: 1, Genuine: 2}, h.svc.Stats())

	data, n := h.svc.RawLog().Snapshot()
	assert.Equal(t, 3, n)
	assert.Equal(t, "X\t1000.0\n\tA\tB\t2000.0\nbad\tframe\twith\ttoo\tmany\tfields\n", string(data))
	expectNone(t, h.svc.Events())
}

func TestConnectOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.opener.OpenError = errors.New("host is down")

	require.NoError(t, h.svc.Connect(context.Background(), bike))
	assert.Equal(t, ToastEstablishing, next(t, h.svc.Events()).Message)

	ev := next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventConnectionFailed, ev.Type)
	assert.Equal(t, "BikeSensor", ev.Device)
	assert.Contains(t, ev.Message, "host is down")

	ev = next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventToast, ev.Type)
	assert.Equal(t, ToastFailed, ev.Message)

	assert.Equal(t, StateClosed, h.svc.State())
	assert.Equal(t, 1, h.opener.Attempts(), "no automatic retry")
	expectNone(t, h.svc.Events())
}

func TestCancelBlockedOpen(t *testing.T) {
	h := newHarness(t)
	h.opener.Gate = make(chan struct{})

	require.NoError(t, h.svc.Connect(context.Background(), bike))
	next(t, h.svc.Events())
	assert.Equal(t, StateConnecting, h.svc.State())

	done := make(chan struct{})
	go func() {
		h.svc.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unblock the open")
	}

	assert.Equal(t, StateClosed, h.svc.State())
	expectNone(t, h.svc.Events())
}

func TestCancelIdempotent(t *testing.T) {
	h := newHarness(t)
	h.svc.Cancel()
	h.svc.Cancel()
	assert.Equal(t, StateIdle, h.svc.State())

	s := h.connect(t)
	h.svc.Cancel()
	h.svc.Cancel()
	assert.True(t, s.Closed())
	assert.Equal(t, StateClosed, h.svc.State())
}

func TestCancelUnblocksRead(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	done := make(chan struct{})
	go func() {
		h.svc.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unblock the read loop")
	}

	assert.True(t, s.Closed())
	assert.Equal(t, StateClosed, h.svc.State())
	// Explicit cancellation is not reported as a lost connection.
	expectNone(t, h.svc.Events())
}

func TestTransportErrorEndsConnection(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	s.Fail(io.ErrUnexpectedEOF)

	ev := next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventDisconnected, ev.Type)
	assert.Equal(t, "BikeSensor", ev.Device)
	assert.Contains(t, ev.Message, "transport closed")

	assert.Equal(t, StateClosed, h.svc.State())
	assert.True(t, s.Closed())
	assert.Equal(t, 1, h.opener.Attempts(), "no automatic reconnect")

	// The decay loop has stopped: a tick is not received.
	select {
	case h.ticks <- t0:
		t.Fatal("decay loop still running")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEndOfStream(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	s.Fail(io.EOF)
	ev := next(t, h.svc.Events())
	assert.Equal(t, telemetry.EventDisconnected, ev.Type)
	assert.Contains(t, ev.Message, "end of stream")
}

func TestDecayAfterSilence(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	require.NoError(t, s.Send("X\t1000.0\n"))
	assert.Equal(t, 1000.0, next(t, h.svc.Events()).Reading.MPR)

	// Within the relaxed timeout nothing fires.
	h.clock.Set(t0.Add(2500 * time.Millisecond))
	h.ticks <- h.clock.Now()
	expectNone(t, h.svc.Events())

	steps := []struct {
		at    time.Duration
		pedal float64
	}{
		{2600 * time.Millisecond, 4000.0 / 3.0},
		{3200 * time.Millisecond, 2000.0},
		{3800 * time.Millisecond, 4000.0},
		{4400 * time.Millisecond, telemetry.StoppedMPR},
		{5000 * time.Millisecond, telemetry.StoppedMPR},
	}
	for _, step := range steps {
		h.clock.Set(t0.Add(step.at))
		h.ticks <- h.clock.Now()

		ev := next(t, h.svc.Events())
		require.Equal(t, telemetry.Pedal, ev.Reading.Channel)
		assert.True(t, ev.Reading.Synthetic)
		assert.InDelta(t, step.pedal, ev.Reading.MPR, 1e-9, "at %v", step.at)

		// The tire channel never had a genuine reading.
		ev = next(t, h.svc.Events())
		require.Equal(t, telemetry.Tire, ev.Reading.Channel)
		assert.Equal(t, telemetry.StoppedMPR, ev.Reading.MPR)
	}

	assert.Equal(t, int64(10), h.svc.Stats().Synthetic)
	_, n := h.svc.RawLog().Snapshot()
	assert.Equal(t, 1, n, "synthetic readings are never logged")
}

func TestGenuineReadingResetsDecay(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	require.NoError(t, s.Send("X\t1000.0\n\t\t\t900\n"))
	next(t, h.svc.Events())
	next(t, h.svc.Events())

	h.clock.Set(t0.Add(2600 * time.Millisecond))
	h.ticks <- h.clock.Now()
	next(t, h.svc.Events())
	next(t, h.svc.Events())

	require.NoError(t, s.Send("X\t800.0\n"))
	ev := next(t, h.svc.Events())
	assert.False(t, ev.Reading.Synthetic)

	// Tire is in fast decay, pedal is back on the relaxed timeout.
	h.clock.Set(t0.Add(3200 * time.Millisecond))
	h.ticks <- h.clock.Now()
	ev = next(t, h.svc.Events())
	assert.Equal(t, telemetry.Tire, ev.Reading.Channel)
	assert.InDelta(t, 1800.0, ev.Reading.MPR, 1e-9)
	expectNone(t, h.svc.Events())

	h.clock.Set(t0.Add(5200 * time.Millisecond))
	h.ticks <- h.clock.Now()
	ev = next(t, h.svc.Events())
	assert.Equal(t, telemetry.Pedal, ev.Reading.Channel)
	assert.InDelta(t, 800.0*4.0/3.0, ev.Reading.MPR, 1e-9)
}

func TestConnectRetiresPrevious(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	second := h.connect(t)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, 2, h.opener.Attempts())
	assert.Equal(t, StateConnected, h.svc.State())

	require.NoError(t, second.Send("X\t500\n"))
	assert.Equal(t, 500.0, next(t, h.svc.Events()).Reading.MPR)
}

func TestRawLogSurvivesReconnect(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)
	require.NoError(t, s.Send("X\t500\n"))
	next(t, h.svc.Events())

	s = h.connect(t)
	require.NoError(t, s.Send("X\t600\n"))
	next(t, h.svc.Events())

	data, _ := h.svc.RawLog().Snapshot()
	assert.Equal(t, "X\t500\nX\t600\n", string(data))
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t)

	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())
	assert.True(t, s.Closed())

	_, ok := <-h.svc.Events()
	assert.False(t, ok)

	err := h.svc.Connect(context.Background(), bike)
	assert.True(t, errors.Is(err, ErrClosed))
}
