// Package transport provides the Port and Transport interfaces and the
// backend implementations that carry ANT frames to the radio chip.
package transport

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

var (
	// ErrClosed is returned by operations on a port after Close.
	ErrClosed = errors.New("transport: port closed")
	// ErrNoDevice marks a permanent read failure: the device is absent or
	// was removed.
	ErrNoDevice = errors.New("transport: device not present")
)

// Port is one bidirectional byte stream in a transport's frame layout.
// Implementations must be safe for one reader concurrent with many writers.
type Port interface {
	// Name identifies the port in logs.
	Name() string
	// Read never blocks. It returns 0, nil when no data is available; any
	// error is permanent.
	Read(p []byte) (int, error)
	// Write sends bufs as one contiguous message, resuming partial writes.
	Write(bufs ...[]byte) error
	// Close releases the port. It is safe to call more than once.
	Close() error
}

// FDPort is a Port backed by a pollable file descriptor.
type FDPort interface {
	Port
	Fd() int
}

// NotifyPort is a Port whose inbound data is pushed asynchronously. Ready
// is signalled whenever Read may return data.
type NotifyPort interface {
	Port
	Ready() <-chan struct{}
}

// Binding is the set of ports backing the command and data channels. The
// two fields hold the same Port when one stream carries both channels.
type Binding struct {
	Command Port
	Data    Port
}

// Shared reports whether both channels use one port.
func (b Binding) Shared() bool { return b.Command == b.Data }

// Ports returns each distinct port once.
func (b Binding) Ports() []Port {
	if b.Shared() {
		return []Port{b.Command}
	}
	return []Port{b.Command, b.Data}
}

// Close closes every distinct port and combines the errors.
func (b Binding) Close() error {
	var err error
	for _, p := range b.Ports() {
		if p != nil {
			err = multierr.Append(err, p.Close())
		}
	}
	return err
}

// Transport opens the ports for one hardware backend. Open is called on
// every enable and every reset; a failed Open leaves nothing open.
type Transport interface {
	Name() string
	Layout() frame.Layout
	Open() (Binding, error)
}

// rollback closes the ports opened so far and attaches any close failure
// to the open error.
func rollback(cause error, opened ...Port) error {
	err := cause
	for _, p := range opened {
		if p != nil {
			err = multierr.Append(err, p.Close())
		}
	}
	return err
}
