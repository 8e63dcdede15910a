// Package flow implements the peer driven STOP/GO handshake that guards
// flow-controlled writes: a writer may only return once the peer has granted
// GO for the message it just sent.
package flow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is how long a writer waits for GO, measured from the start
// of its write.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnresponsive means no GO arrived before the deadline. The message
	// was still handed to the transport.
	ErrUnresponsive = errors.New("flow: hardware unresponsive, no GO before deadline")
	// ErrReleased means the gate was torn down while the writer waited.
	ErrReleased = errors.New("flow: gate released")
)

// State is the flow-control byte carried by a flow-control message.
type State byte

const (
	Go   State = 0x00
	Stop State = 0x80
)

// IsResend reports whether s is neither GO nor STOP, which the peer uses to
// ask for the last message again.
func (s State) IsResend() bool { return s != Go && s != Stop }

func (s State) String() string {
	switch s {
	case Go:
		return "GO"
	case Stop:
		return "STOP"
	default:
		return fmt.Sprintf("RESEND(%#02x)", byte(s))
	}
}

// Gate holds one channel's flow state. The zero value is not usable; call
// NewGate.
type Gate struct {
	timeout time.Duration

	// slot admits one writer at a time. Blocked channel senders are queued
	// in arrival order, so writers complete FIFO.
	slot chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	released bool
}

// NewGate returns a gate in the GO state. timeout <= 0 means DefaultTimeout.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gate{
		timeout: timeout,
		slot:    make(chan struct{}, 1),
		state:   Go,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Timeout returns the GO deadline applied to each send.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// State returns the last flow state set by a writer or the peer.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Set records a flow state received from the peer and wakes every waiter.
// The state persists, so a GO arriving between sends is not lost.
func (g *Gate) Set(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Release wakes all waiters with ErrReleased and rejects later sends.
func (g *Gate) Release() {
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Send performs one flow-controlled write: it marks the channel STOP, calls
// write, then blocks until the peer answers GO or the deadline passes.
func (g *Gate) Send(write func() error) error {
	g.slot <- struct{}{}
	defer func() { <-g.slot }()

	deadline := time.Now().Add(g.timeout)

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return ErrReleased
	}
	g.state = Stop
	g.mu.Unlock()

	if err := write(); err != nil {
		return fmt.Errorf("flow: write: %w", err)
	}

	wake := time.AfterFunc(time.Until(deadline), func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer wake.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.state != Go {
		if g.released {
			return ErrReleased
		}
		if !time.Now().Before(deadline) {
			return ErrUnresponsive
		}
		g.cond.Wait()
	}
	return nil
}
