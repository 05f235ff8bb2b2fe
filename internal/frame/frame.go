// Package frame turns the sensor's byte stream into typed readings.
//
// The wire format is tab-separated ASCII fields terminated by '\n'. A pedal
// frame has two fields (<marker>\t<mpr>); a tire frame has four fields with
// an empty first field (\t<f1>\t<f2>\t<mpr>).
package frame

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sweeney/bike-sensor/internal/telemetry"
)

const (
	// Separator terminates a frame.
	Separator = '\n'

	// FieldSeparator splits a frame into fields.
	FieldSeparator = "\t"
)

// ErrMalformed is returned by Classify for frames that carry no reading.
var ErrMalformed = errors.New("malformed frame")

// Splitter accumulates stream bytes and yields complete frames.
// Not safe for concurrent use; each read loop owns one.
type Splitter struct {
	pending strings.Builder
}

// Feed consumes a chunk and returns the frames it completed, in order.
// Bytes after the last separator are kept for the next call. Empty frames
// are dropped.
func (s *Splitter) Feed(chunk []byte) []string {
	var frames []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Separator)
		if i < 0 {
			s.pending.Write(chunk)
			break
		}
		s.pending.Write(chunk[:i])
		if s.pending.Len() > 0 {
			frames = append(frames, s.pending.String())
			s.pending.Reset()
		}
		chunk = chunk[i+1:]
	}
	return frames
}

// Pending returns the unterminated text held for the next Feed.
func (s *Splitter) Pending() string {
	return s.pending.String()
}

// Classify parses a frame into a reading. Field shape decides the channel:
// four fields with an empty first field is Tire, two fields with a non-empty
// first field is Pedal. Everything else is ErrMalformed.
//
// The returned reading has no timestamp; the caller stamps it on arrival.
func Classify(text string) (telemetry.Reading, error) {
	fields := strings.Split(text, FieldSeparator)

	var (
		ch  telemetry.Channel
		raw string
	)
	switch {
	case len(fields) == 4 && fields[0] == "":
		ch, raw = telemetry.Tire, fields[3]
	case len(fields) == 2 && fields[0] != "":
		ch, raw = telemetry.Pedal, fields[1]
	default:
		return telemetry.Reading{}, errors.Wrapf(ErrMalformed, "%d fields in %q", len(fields), text)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return telemetry.Reading{}, errors.Wrapf(ErrMalformed, "%s value %q", ch, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return telemetry.Reading{}, errors.Wrapf(ErrMalformed, "%s value %v out of range", ch, v)
	}

	return telemetry.Reading{Channel: ch, MPR: v}, nil
}
