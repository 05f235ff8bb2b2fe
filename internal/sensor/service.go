// Package sensor manages the connection to the bike sensor and drives the
// read and decay loops that turn its stream into events.
package sensor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/frame"
	"github.com/sweeney/bike-sensor/internal/metrics"
	"github.com/sweeney/bike-sensor/internal/telemetry"
	"github.com/sweeney/bike-sensor/internal/transport"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateIdle       ConnState = "IDLE"
	StateConnecting ConnState = "CONNECTING"
	StateConnected  ConnState = "CONNECTED"
	StateClosed     ConnState = "CLOSED"
)

// User-facing toast messages.
const (
	ToastPairFirst    = "Unable to connect. Try pairing with device first."
	ToastEstablishing = "Establishing connection..."
	ToastFailed       = "Connection attempt failed."
)

const (
	readBufferSize     = 1024
	defaultEventBuffer = 256
)

var (
	// ErrTransportClosed ends an active connection on end of stream or I/O error.
	ErrTransportClosed = errors.New("transport closed")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("service closed")
)

// Options configures a Service. Zero values select real time.
type Options struct {
	Now         func() time.Time
	NewTicker   func(d time.Duration) (<-chan time.Time, func())
	EventBuffer int
	RawLog      *telemetry.RawLog
}

// Stats counts frames and readings since the Service was created.
type Stats struct {
	Frames    int64
	Malformed int64
	Genuine   int64
	Synthetic int64
}

// Service is the connection manager. It owns at most one connection
// attempt or active connection at a time, plus the raw log shared with
// the exporter.
type Service struct {
	opener    transport.Opener
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())
	rawLog    *telemetry.RawLog
	events    chan telemetry.Event

	// opMu serializes Connect, Cancel and Close.
	opMu sync.Mutex

	mu     sync.Mutex
	state  ConnState
	device string
	conn   *connection
	closed bool

	frames    atomic.Int64
	malformed atomic.Int64
	genuine   atomic.Int64
	synthetic atomic.Int64
}

// connection is one attempt and, if the open succeeds, the session on it.
type connection struct {
	device transport.Device
	ctx    context.Context // cancelled by Cancel, Connect or Close
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stream    io.ReadWriteCloser
	stopped   bool
	closeOnce sync.Once
}

// attach hands the opened stream to the connection. It returns false if
// the connection was stopped while the open was in flight.
func (c *connection) attach(s io.ReadWriteCloser) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stream = s
	return true
}

// stop cancels the connection and closes its stream, unblocking any read.
func (c *connection) stop() {
	c.cancel()
	c.mu.Lock()
	c.stopped = true
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		c.closeStream(s)
	}
}

func (c *connection) closeStream(s io.Closer) {
	c.closeOnce.Do(func() {
		if err := s.Close(); err != nil {
			log.WithField("device", c.device.Name).WithError(err).Debug("sensor: close stream")
		}
	})
}

// New creates a Service that opens streams with opener.
func New(opener transport.Opener, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.RawLog == nil {
		opts.RawLog = telemetry.NewRawLog()
	}
	return &Service{
		opener:    opener,
		now:       opts.Now,
		newTicker: opts.NewTicker,
		rawLog:    opts.RawLog,
		events:    make(chan telemetry.Event, opts.EventBuffer),
		state:     StateIdle,
	}
}

// Events returns the outbound event stream. It is closed by Close.
func (s *Service) Events() <-chan telemetry.Event {
	return s.events
}

// RawLog returns the log of received frames.
func (s *Service) RawLog() *telemetry.RawLog {
	return s.rawLog
}

// State returns the current connection state.
func (s *Service) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the name of the device of the latest connect.
func (s *Service) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Stats returns frame and reading counters.
func (s *Service) Stats() Stats {
	return Stats{
		Frames:    s.frames.Load(),
		Malformed: s.malformed.Load(),
		Genuine:   s.genuine.Load(),
		Synthetic: s.synthetic.Load(),
	}
}

// Connect retires any previous attempt or connection, then starts opening
// a stream to dev in the background. It returns an error only when no
// attempt is started.
func (s *Service) Connect(ctx context.Context, dev transport.Device) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.retire()

	profile, err := transport.ResolveProfile(dev)
	if err != nil {
		metrics.ConnectionAttempts.WithLabelValues("no_profile").Inc()
		log.WithField("device", dev.Name).Warn("sensor: device advertises no profile")
		s.emit(ctx, s.toast(ToastPairFirst))
		return err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		device: dev,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conn = c
	s.device = dev.Name
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(ctx, s.toast(ToastEstablishing))
	go s.run(c, profile)
	return nil
}

// Cancel stops the current attempt or connection and waits for its
// goroutines to exit. Safe to call at any time, any number of times.
func (s *Service) Cancel() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.retire()
}

// Close cancels any connection and closes the event stream.
func (s *Service) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.retire()
	close(s.events)
	return nil
}

// retire stops the current connection, if any. Caller holds opMu.
func (s *Service) retire() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.stop()
	<-c.done

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// setState updates the state if c is still the current connection.
func (s *Service) setState(c *connection, st ConnState) {
	s.mu.Lock()
	if s.conn == c {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Service) toast(msg string) telemetry.Event {
	return telemetry.Event{Type: telemetry.EventToast, Time: s.now(), Message: msg}
}

// emit delivers ev unless ctx is done first.
func (s *Service) emit(ctx context.Context, ev telemetry.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Service) run(c *connection, profile string) {
	defer close(c.done)
	entry := log.WithField("device", c.device.Name)

	stream, err := s.opener.Open(c.ctx, c.device, profile)
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		s.setState(c, StateClosed)
		if c.ctx.Err() != nil {
			metrics.ConnectionAttempts.WithLabelValues("cancelled").Inc()
			entry.Debug("sensor: connection attempt cancelled")
			return
		}
		metrics.ConnectionAttempts.WithLabelValues("failed").Inc()
		entry.WithError(err).Warn("sensor: connection attempt failed")
		s.emit(c.ctx, telemetry.Event{
			Type:    telemetry.EventConnectionFailed,
			Time:    s.now(),
			Device:  c.device.Name,
			Message: err.Error(),
		})
		s.emit(c.ctx, s.toast(ToastFailed))
		return
	}
	if !c.attach(stream) {
		stream.Close()
		s.setState(c, StateClosed)
		metrics.ConnectionAttempts.WithLabelValues("cancelled").Inc()
		return
	}

	metrics.ConnectionAttempts.WithLabelValues("connected").Inc()
	metrics.Connected.Set(1)
	s.setState(c, StateConnected)
	entry.WithField("profile", profile).Info("sensor: connected")
	s.emit(c.ctx, telemetry.Event{Type: telemetry.EventConnected, Time: s.now(), Device: c.device.Name})

	// The session context also ends when the stream fails on its own.
	sctx, endSession := context.WithCancel(c.ctx)
	state := telemetry.NewState(s.now())
	tick, stopTick := s.newTicker(telemetry.PollInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.decayLoop(sctx, state, tick)
	}()

	err = s.readLoop(sctx, stream, state)
	cancelled := c.ctx.Err() != nil

	endSession()
	c.closeStream(stream)
	wg.Wait()
	stopTick()

	metrics.Connected.Set(0)
	s.setState(c, StateClosed)

	if cancelled {
		entry.Info("sensor: connection closed")
		return
	}
	entry.WithError(err).Warn("sensor: connection lost")
	s.emit(c.ctx, telemetry.Event{
		Type:    telemetry.EventDisconnected,
		Time:    s.now(),
		Device:  c.device.Name,
		Message: err.Error(),
	})
}

// readLoop feeds the stream through the splitter until the stream fails.
func (s *Service) readLoop(ctx context.Context, r io.Reader, state *telemetry.State) error {
	var splitter frame.Splitter
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		for _, f := range splitter.Feed(buf[:n]) {
			s.handleFrame(ctx, state, f)
		}
		if err != nil {
			if err == io.EOF {
				return errors.Wrap(ErrTransportClosed, "end of stream")
			}
			return errors.Wrapf(ErrTransportClosed, "read: %v", err)
		}
	}
}

func (s *Service) handleFrame(ctx context.Context, state *telemetry.State, text string) {
	s.frames.Add(1)
	metrics.FramesTotal.Inc()
	s.rawLog.Append(text)
	metrics.RawLogEntries.Set(float64(s.rawLog.Len()))

	r, err := frame.Classify(text)
	if err != nil {
		s.malformed.Add(1)
		metrics.MalformedFramesTotal.Inc()
		log.WithError(err).Debug("sensor: discarding frame")
		return
	}
	r.Time = s.now()
	state.Record(r)

	s.genuine.Add(1)
	s.emitReading(ctx, r)
}

// decayLoop polls state on every tick and emits synthetic readings for
// silent channels.
func (s *Service) decayLoop(ctx context.Context, state *telemetry.State, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			for _, r := range state.Tick(s.now()) {
				s.synthetic.Add(1)
				s.emitReading(ctx, r)
			}
		}
	}
}

func (s *Service) emitReading(ctx context.Context, r telemetry.Reading) {
	synthetic := "false"
	if r.Synthetic {
		synthetic = "true"
	}
	metrics.ReadingsTotal.WithLabelValues(r.Channel.String(), synthetic).Inc()
	metrics.LastMPR.WithLabelValues(r.Channel.String()).Set(r.MPR)

	s.emit(ctx, telemetry.Event{Type: telemetry.EventReading, Time: r.Time, Reading: r})
}
