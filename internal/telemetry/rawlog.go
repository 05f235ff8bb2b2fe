package telemetry

import (
	"bytes"
	"sync"
)

// RawLog is the ordered record of received frame text awaiting export.
// Synthetic readings are never appended.
type RawLog struct {
	mu      sync.Mutex
	entries []string
}

// NewRawLog returns an empty log.
func NewRawLog() *RawLog {
	return &RawLog{}
}

// Append records one frame. Empty frames are ignored.
func (l *RawLog) Append(frame string) {
	if frame == "" {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, frame)
	l.mu.Unlock()
}

// Len returns the number of frames currently held.
func (l *RawLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns the log as newline-terminated text together with the
// number of entries it covers. Pass that count to Truncate after a
// successful export.
func (l *RawLog) Snapshot() ([]byte, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	for _, e := range l.entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), len(l.entries)
}

// Truncate drops the first n entries. Frames appended after the matching
// Snapshot are kept.
func (l *RawLog) Truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 {
		return
	}
	if n >= len(l.entries) {
		l.entries = nil
		return
	}
	rest := make([]string, len(l.entries)-n)
	copy(rest, l.entries[n:])
	l.entries = rest
}
