package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// FakeStream is an in-memory stream for tests. Data passed to Send is
// returned by Read; Close unblocks a pending Read.
type FakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewFakeStream creates an open FakeStream.
func NewFakeStream() *FakeStream {
	pr, pw := io.Pipe()
	return &FakeStream{pr: pr, pw: pw}
}

func (s *FakeStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write records data written by the code under test.
func (s *FakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.written.Write(p)
}

// Close closes the stream. Safe to call more than once.
func (s *FakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.pr.Close()
}

// Send delivers data to the reader. It blocks until the data is read.
func (s *FakeStream) Send(data string) error {
	_, err := io.WriteString(s.pw, data)
	return err
}

// Fail makes the next Read return err, simulating a dropped link.
func (s *FakeStream) Fail(err error) {
	s.pw.CloseWithError(err)
}

// Closed reports whether Close was called.
func (s *FakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Written returns everything written to the stream.
func (s *FakeStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

// FakeOpener records open attempts and hands out FakeStreams.
type FakeOpener struct {
	mu sync.Mutex

	// OpenError, if set, is returned by Open.
	OpenError error

	// Gate, if set, makes Open wait for a value (or close) before
	// returning, or for ctx to be done.
	Gate chan struct{}

	queue   []*FakeStream
	opened  []*FakeStream
	devices []Device
	profile []string
}

// NewFakeOpener creates a FakeOpener.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{}
}

// Queue sets the streams returned by subsequent successful opens.
// When the queue is empty a new stream is created.
func (f *FakeOpener) Queue(streams ...*FakeStream) {
	f.mu.Lock()
	f.queue = append(f.queue, streams...)
	f.mu.Unlock()
}

// Open implements Opener.
func (f *FakeOpener) Open(ctx context.Context, dev Device, profile string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.devices = append(f.devices, dev)
	f.profile = append(f.profile, profile)
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenError != nil {
		return nil, f.OpenError
	}
	var s *FakeStream
	if len(f.queue) > 0 {
		s, f.queue = f.queue[0], f.queue[1:]
	} else {
		s = NewFakeStream()
	}
	f.opened = append(f.opened, s)
	return s, nil
}

// Attempts returns the number of Open calls.
func (f *FakeOpener) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

// Profiles returns the profile passed to each Open call.
func (f *FakeOpener) Profiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.profile...)
}

// Opened returns the streams handed out so far.
func (f *FakeOpener) Opened() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.opened...)
}

// Last returns the most recently opened stream, or nil.
func (f *FakeOpener) Last() *FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}
