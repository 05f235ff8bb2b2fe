// Package export persists the raw frame log to a named destination.
package export

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/metrics"
	"github.com/sweeney/bike-sensor/internal/telemetry"
)

var (
	// ErrNothingToSave is returned when the raw log is empty.
	ErrNothingToSave = errors.New("nothing to save")

	// ErrUnavailable means the destination storage cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrExists means a destination with that name already exists.
	ErrExists = errors.New("destination already exists")

	// ErrWrite means the data could not be written.
	ErrWrite = errors.New("write error")

	// ErrNotFound means the destination disappeared while writing.
	ErrNotFound = errors.New("destination not found")

	// ErrInvalidName means the name cannot be used as a destination.
	ErrInvalidName = errors.New("invalid name")
)

// Exporter writes data to a named destination. It never overwrites an
// existing destination.
type Exporter interface {
	Export(ctx context.Context, name string, data []byte) error
	Backend() string
}

// Save exports the raw log under name and, on success, removes the exported
// frames from it. It returns the number of frames saved. On failure the log
// is left untouched.
func Save(ctx context.Context, raw *telemetry.RawLog, exp Exporter, name string) (int, error) {
	data, n := raw.Snapshot()
	if n == 0 {
		metrics.ExportsTotal.WithLabelValues(exp.Backend(), "empty").Inc()
		return 0, ErrNothingToSave
	}

	if err := exp.Export(ctx, name, data); err != nil {
		metrics.ExportsTotal.WithLabelValues(exp.Backend(), result(err)).Inc()
		log.WithFields(log.Fields{"name": name, "backend": exp.Backend()}).WithError(err).Warn("export: save failed")
		return 0, err
	}

	raw.Truncate(n)
	metrics.ExportsTotal.WithLabelValues(exp.Backend(), "ok").Inc()
	metrics.RawLogEntries.Set(float64(raw.Len()))
	log.WithFields(log.Fields{"name": name, "backend": exp.Backend(), "frames": n}).Info("export: saved")
	return n, nil
}

// SavedMessage is the confirmation shown after a successful save.
func SavedMessage(name string) string {
	return fmt.Sprintf("%s has been saved.", name)
}

// Message returns the user-facing text for an export error.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNothingToSave):
		return "No data to save."
	case errors.Is(err, ErrInvalidName):
		return "Invalid file name."
	case errors.Is(err, ErrExists):
		return "File already exists."
	case errors.Is(err, ErrUnavailable):
		return "Storage unavailable."
	case errors.Is(err, ErrNotFound):
		return "File not found."
	default:
		return "Error writing file."
	}
}

func result(err error) string {
	switch {
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrExists):
		return "exists"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "write_error"
	}
}
