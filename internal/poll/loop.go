// Package poll runs the receive loop of an enabled radio: one goroutine
// waits, with a bounded timeout, on every port of the session plus the
// shutdown signal and hands readable ports to a Receiver.
package poll

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// DefaultTimeout bounds each wait. Expiry only re-checks the shutdown flag.
const DefaultTimeout = 30 * time.Second

var (
	// ErrChipFailure means a port reported an error condition or a
	// permanent read failure; the radio must be reset.
	ErrChipFailure = errors.New("poll: chip failure")
	// ErrMixedPorts means a session mixed descriptor and notify ports.
	ErrMixedPorts = errors.New("poll: cannot wait on descriptor and notify ports together")
)

// Receiver drains a readable port without blocking. An error is fatal.
type Receiver interface {
	Receive(p transport.Port) error
}

// Loop is one receive loop. Run it on its own goroutine.
type Loop struct {
	ports   []transport.Port
	recv    Receiver
	sig     *Signal
	timeout time.Duration
	log     *zap.Logger
}

// New returns a loop over ports. timeout <= 0 means DefaultTimeout.
func New(ports []transport.Port, recv Receiver, sig *Signal, timeout time.Duration, log *zap.Logger) *Loop {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{ports: ports, recv: recv, sig: sig, timeout: timeout, log: log}
}

// Run waits until the signal fires, returning nil, or until a port fails,
// returning an error wrapping ErrChipFailure.
func (l *Loop) Run() error {
	var fds []transport.FDPort
	var notify []transport.NotifyPort
	for _, p := range l.ports {
		switch p := p.(type) {
		case transport.FDPort:
			fds = append(fds, p)
		case transport.NotifyPort:
			notify = append(notify, p)
		default:
			return fmt.Errorf("poll: port %s is neither pollable nor notifying", p.Name())
		}
	}
	switch {
	case len(fds) > 0 && len(notify) > 0:
		return ErrMixedPorts
	case len(fds) > 0:
		return l.waitFds(fds)
	default:
		return l.waitNotify(notify)
	}
}

// waitNotify is the wait for ports fed by a receive goroutine: it selects
// on their ready channels, the signal and a timer.
func (l *Loop) waitNotify(ports []transport.NotifyPort) error {
	if len(ports) > 2 {
		return fmt.Errorf("poll: %d notify ports, at most 2 supported", len(ports))
	}
	var ready [2]<-chan struct{}
	for i, p := range ports {
		ready[i] = p.Ready()
	}
	for {
		if l.sig.Fired() {
			return nil
		}
		select {
		case <-l.sig.Done():
			return nil
		case <-ready[0]:
			if err := l.receive(ports[0]); err != nil {
				return err
			}
		case <-ready[1]:
			if err := l.receive(ports[1]); err != nil {
				return err
			}
		case <-time.After(l.timeout):
			l.log.Debug("poll: wait timed out", zap.Duration("timeout", l.timeout))
		}
	}
}

func (l *Loop) receive(p transport.Port) error {
	if err := l.recv.Receive(p); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrChipFailure, p.Name(), err)
	}
	return nil
}
