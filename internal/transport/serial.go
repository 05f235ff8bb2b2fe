package transport

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// serialOpen is replaced in tests.
var serialOpen = serial.Open

// SerialOpener opens the tty that the paired device is bound to.
type SerialOpener struct{}

// NewSerialOpener returns an Opener backed by go.bug.st/serial.
func NewSerialOpener() *SerialOpener {
	return &SerialOpener{}
}

type openResult struct {
	port serial.Port
	err  error
}

// Open opens dev.Port as 8N1 at the device baud rate. The profile has
// already been bound to the tty by the OS pairing and is only logged.
func (o *SerialOpener) Open(ctx context.Context, dev Device, profile string) (io.ReadWriteCloser, error) {
	baud := dev.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	log.WithField("profile", profile).Debugf("transport: opening %s at %d baud", dev.Port, baud)

	res := make(chan openResult, 1)
	go func() {
		p, err := serialOpen(dev.Port, mode)
		res <- openResult{port: p, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, errors.Wrapf(r.err, "open %s", dev.Port)
		}
		return r.port, nil
	case <-ctx.Done():
		// The open call cannot be interrupted; close the port if it
		// turns up later.
		go func() {
			if r := <-res; r.err == nil && r.port != nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the serial ports currently present.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate ports")
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
