// Package mux maps the command and data channels onto transport ports,
// routes inbound frames to flow control or the message handler, and writes
// outbound frames through each channel's flow-control gate.
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// MsgFlowControl is the ANT message ID of a flow-control frame; its first
// data byte is the new flow state.
const MsgFlowControl = 0xC9

// maxReadsPerWake bounds how many reads one readiness event drains.
const maxReadsPerWake = 64

var (
	// KeepaliveMessage is written by the radio to probe the chip.
	KeepaliveMessage = []byte{0x01, 0x00, 0x00}
	// KeepaliveResponse is the chip's answer; it is never delivered.
	KeepaliveResponse = []byte{0x03, 0x40, 0x00, 0x00, 0x28}
)

var (
	ErrUnknownPort = errors.New("mux: port not bound")
	// ErrOpcodeTypes is returned by New when the layout and the opcode
	// types disagree.
	ErrOpcodeTypes = errors.New("mux: opcode types")
)

// ChannelID names one of the two logical streams.
type ChannelID int

const (
	Command ChannelID = iota
	Data
)

func (c ChannelID) String() string {
	switch c {
	case Command:
		return "command"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Valid reports whether c names a channel.
func (c ChannelID) Valid() bool { return c == Command || c == Data }

// Handler receives every inbound message that is neither flow control nor
// a keepalive response. payload is owned by the handler.
type Handler func(ch ChannelID, payload []byte)

// ChannelConfig configures one channel.
type ChannelConfig struct {
	// FlowControlled routes writes through a STOP/GO gate.
	FlowControlled bool
	// Resend keeps the last flow-controlled frame and writes it again when
	// the peer answers with a resend code.
	Resend bool
	// Opcode prefixes outbound frames when the layout carries one.
	Opcode []byte
}

// OpcodeTypes classifies inbound frames on a layout that carries an
// opcode. Each value must be as long as the layout's opcode.
type OpcodeTypes struct {
	// CommandComplete grants GO to the flow-controlled channels of the
	// port it arrives on.
	CommandComplete []byte
	// FlowOn asks for the pending flow-controlled frame to be written
	// again. The flow state is left alone.
	FlowOn []byte
	// Event carries an ANT message, handled like a frame without opcode.
	Event []byte
}

func (t *OpcodeTypes) validate(l frame.Layout) error {
	if l.OpcodeSize == 0 {
		if t != nil {
			return fmt.Errorf("%w: layout carries no opcode", ErrOpcodeTypes)
		}
		return nil
	}
	if t == nil {
		return fmt.Errorf("%w: required by a %d byte opcode", ErrOpcodeTypes, l.OpcodeSize)
	}
	ops := [][]byte{t.CommandComplete, t.FlowOn, t.Event}
	for i, op := range ops {
		if len(op) != l.OpcodeSize {
			return fmt.Errorf("%w: %x: %w", ErrOpcodeTypes, op, frame.ErrOpcodeSize)
		}
		for _, other := range ops[:i] {
			if bytes.Equal(op, other) {
				return fmt.Errorf("%w: %x used twice", ErrOpcodeTypes, op)
			}
		}
	}
	return nil
}

// Config configures a Multiplexer.
type Config struct {
	Command     ChannelConfig
	Data        ChannelConfig
	FlowTimeout time.Duration
	// Keepalive is the response prefix dropped on receipt. Nil disables
	// filtering.
	Keepalive []byte
	// Opcodes is required when the layout carries an opcode and must be
	// nil otherwise.
	Opcodes *OpcodeTypes
}

// DefaultConfig flow-controls the data channel only.
func DefaultConfig() Config {
	return Config{
		Data:        ChannelConfig{FlowControlled: true},
		FlowTimeout: flow.DefaultTimeout,
		Keepalive:   KeepaliveResponse,
	}
}

func (c Config) channel(id ChannelID) ChannelConfig {
	if id == Data {
		return c.Data
	}
	return c.Command
}

// link is one transport port and the receive state of its byte stream.
type link struct {
	port    transport.Port
	rx      *frame.Reassembler
	dropped atomic.Uint64 // mirrors rx.Dropped for readers off the poll goroutine
	wmu     sync.Mutex
	chans   []*Channel // command first on a shared port
}

func (l *link) write(raw []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.port.Write(raw)
}

// Multiplexer owns the channels of one enabled session.
type Multiplexer struct {
	log       *zap.Logger
	layout    frame.Layout
	chans     [2]*Channel
	links     []*link
	handler   Handler
	keepalive []byte
	opcodes   *OpcodeTypes
	dropped   atomic.Uint64
}

// New builds the channels for binding b. Channel opcodes and opcode types
// are only used when the layout carries an opcode.
func New(cfg Config, layout frame.Layout, b transport.Binding, h Handler, log *zap.Logger) (*Multiplexer, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Opcodes.validate(layout); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Multiplexer{
		log:       log,
		layout:    layout,
		handler:   h,
		keepalive: cfg.Keepalive,
		opcodes:   cfg.Opcodes,
	}

	for _, p := range b.Ports() {
		m.links = append(m.links, &link{port: p, rx: frame.NewReassembler(layout)})
	}
	ports := [2]transport.Port{Command: b.Command, Data: b.Data}
	for _, id := range []ChannelID{Command, Data} {
		c, err := newChannel(id, cfg.channel(id), layout, cfg.FlowTimeout)
		if err != nil {
			return nil, err
		}
		c.link = m.linkFor(ports[id])
		c.link.chans = append(c.link.chans, c)
		m.chans[id] = c
	}
	return m, nil
}

func (m *Multiplexer) linkFor(p transport.Port) *link {
	for _, l := range m.links {
		if l.port == p {
			return l
		}
	}
	return nil
}

// Ports returns each distinct port once, for the poll loop.
func (m *Multiplexer) Ports() []transport.Port {
	out := make([]transport.Port, len(m.links))
	for i, l := range m.links {
		out[i] = l.port
	}
	return out
}

// Channel returns the channel for id.
func (m *Multiplexer) Channel(id ChannelID) *Channel { return m.chans[id] }

// Receive drains port p without blocking and dispatches every complete
// frame. A returned error is a permanent transport failure.
func (m *Multiplexer) Receive(p transport.Port) error {
	l := m.linkFor(p)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPort, p.Name())
	}
	for i := 0; i < maxReadsPerWake; i++ {
		n, err := p.Read(l.rx.Space())
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		before := l.rx.Dropped
		l.rx.Commit(n, func(f frame.Frame) { m.dispatch(l, f) })
		if l.rx.Dropped != before {
			m.log.Debug("mux: frame with bad checksum dropped",
				zap.String("port", p.Name()), zap.Uint64("count", l.rx.Dropped-before))
		}
		l.dropped.Store(l.rx.Dropped)
	}
	return nil
}

// dispatch handles one complete frame read from l. A shared port carries no
// channel identity: its messages arrive on the command channel and its
// flow control applies to every gated channel of the port.
//
// With opcode types, command-complete grants GO, flow-on asks for a resend
// and only events go further. Then keepalive responses are dropped,
// flow-control messages update the gates and everything else goes to the
// handler.
func (m *Multiplexer) dispatch(l *link, f frame.Frame) {
	c := l.chans[0]
	c.stats.framesIn.Add(1)
	c.stats.bytesIn.Add(uint64(len(f.Payload)))

	if t := m.opcodes; t != nil {
		switch {
		case bytes.Equal(f.Opcode, t.CommandComplete):
			c.stats.flowControl.Add(1)
			m.flowControl(l, flow.Go)
			return
		case bytes.Equal(f.Opcode, t.FlowOn):
			c.stats.flowControl.Add(1)
			m.resendAll(l)
			return
		case !bytes.Equal(f.Opcode, t.Event):
			m.dropped.Add(1)
			m.log.Debug("mux: frame with unknown opcode dropped",
				zap.Binary("opcode", f.Opcode), zap.String("port", l.port.Name()))
			return
		}
	}

	if len(m.keepalive) > 0 && bytes.HasPrefix(f.Payload, m.keepalive) {
		c.stats.keepalives.Add(1)
		m.log.Debug("mux: keepalive response filtered", zap.Stringer("channel", c.id))
		return
	}
	if msgID, ok := f.MsgID(); ok && msgID == MsgFlowControl {
		if v, ok := f.MsgData(); ok {
			c.stats.flowControl.Add(1)
			s := flow.State(v)
			m.flowControl(l, s)
			if s.IsResend() {
				m.resendAll(l)
			}
			return
		}
	}
	if m.handler == nil {
		m.log.Warn("mux: no message handler, message dropped", zap.Stringer("channel", c.id))
		return
	}
	m.handler(c.id, f.Payload)
}

func (m *Multiplexer) flowControl(l *link, s flow.State) {
	gated := false
	for _, c := range l.chans {
		if c.gate != nil {
			c.gate.Set(s)
			gated = true
		}
	}
	if !gated {
		m.log.Debug("mux: flow control on unguarded port",
			zap.String("port", l.port.Name()), zap.Stringer("state", s))
	}
}

// resendAll writes the pending frame of every resending channel of l
// again, without flow control.
func (m *Multiplexer) resendAll(l *link) {
	for _, c := range l.chans {
		if !c.resend {
			continue
		}
		raw := c.saved()
		if raw == nil {
			m.log.Debug("mux: resend requested but nothing pending", zap.Stringer("channel", c.id))
			continue
		}
		if err := c.link.write(raw); err != nil {
			m.log.Warn("mux: resend failed", zap.Stringer("channel", c.id), zap.Error(err))
			continue
		}
		c.stats.resends.Add(1)
	}
}

// Send frames payload for channel id and writes it, waiting for GO when the
// channel is flow controlled.
func (m *Multiplexer) Send(id ChannelID, payload []byte) error {
	if !id.Valid() {
		return fmt.Errorf("mux: send: invalid %s", id)
	}
	c := m.chans[id]
	raw, err := frame.Encode(m.layout, c.opcode, payload)
	if err != nil {
		return err
	}
	write := func() error {
		if err := c.link.write(raw); err != nil {
			return err
		}
		c.stats.framesOut.Add(1)
		c.stats.bytesOut.Add(uint64(len(payload)))
		return nil
	}
	if c.gate == nil {
		return write()
	}

	if c.resend {
		// The slot belongs to whichever sender holds the gate.
		send := write
		write = func() error {
			c.save(raw)
			return send()
		}
		defer c.forget(raw)
	}
	err = c.gate.Send(write)
	if errors.Is(err, flow.ErrUnresponsive) {
		c.stats.timeouts.Add(1)
		m.log.Warn("mux: no GO from chip", zap.Stringer("channel", id), zap.Duration("timeout", c.gate.Timeout()))
	}
	return err
}

// Close releases every gate so blocked writers return.
func (m *Multiplexer) Close() {
	for _, c := range m.chans {
		if c.gate != nil {
			c.gate.Release()
		}
	}
}

// Stats returns a snapshot of the per-channel counters.
func (m *Multiplexer) Stats() LinkStats {
	var dropped uint64
	for _, l := range m.links {
		dropped += l.dropped.Load()
	}
	return LinkStats{
		Command: m.chans[Command].stats.snapshot(),
		Data:    m.chans[Data].stats.snapshot(),
		Dropped: dropped + m.dropped.Load(),
	}
}
