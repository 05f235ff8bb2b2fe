// Package transport opens the byte stream to the bike sensor and hides the
// transport behind a small interface for testing.
package transport

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// SerialPortProfile is the Serial Port Profile service UUID advertised by
// the sensor's radio module.
const SerialPortProfile = "00001101-0000-1000-8000-00805F9B34FB"

// DefaultBaud is used when a device does not specify a baud rate.
const DefaultBaud = 9600

// ErrNoProfile is returned when a device advertises no compatible profile.
// The user has to pair with the device first.
var ErrNoProfile = errors.New("no profile available")

// Device is an opaque handle to a paired sensor.
type Device struct {
	Name     string
	Port     string   // tty the paired device is bound to, e.g. /dev/rfcomm0
	Baud     int      // 0 means DefaultBaud
	Profiles []string // advertised service UUIDs, in advertised order
}

// ResolveProfile picks the profile to connect with: the first one the
// device advertises.
func ResolveProfile(dev Device) (string, error) {
	if len(dev.Profiles) == 0 || dev.Profiles[0] == "" {
		return "", errors.Wrapf(ErrNoProfile, "device %q", dev.Name)
	}
	return dev.Profiles[0], nil
}

// Opener opens a bidirectional stream to a device.
//
// Open blocks until the stream is open, the open fails, or ctx is done.
// On error the returned stream is nil and nothing is left open. A stream
// that becomes ready after ctx is done is closed by the Opener.
type Opener interface {
	Open(ctx context.Context, dev Device, profile string) (io.ReadWriteCloser, error)
}
