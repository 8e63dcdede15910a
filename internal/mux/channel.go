package mux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

// Channel is one logical stream of an enabled session. It exists from
// enable to disable and is owned by its Multiplexer.
type Channel struct {
	id     ChannelID
	link   *link
	opcode []byte
	gate   *flow.Gate
	resend bool

	mu   sync.Mutex
	last []byte

	stats counters
}

func newChannel(id ChannelID, cc ChannelConfig, l frame.Layout, timeout time.Duration) (*Channel, error) {
	c := &Channel{id: id, resend: cc.Resend && cc.FlowControlled}
	if l.OpcodeSize > 0 {
		if len(cc.Opcode) != l.OpcodeSize {
			return nil, fmt.Errorf("mux: %s opcode %x: %w", id, cc.Opcode, frame.ErrOpcodeSize)
		}
		c.opcode = append([]byte(nil), cc.Opcode...)
	}
	if cc.FlowControlled {
		c.gate = flow.NewGate(timeout)
	}
	return c, nil
}

// ID returns the channel's identity.
func (c *Channel) ID() ChannelID { return c.id }

// FlowControlled reports whether writes wait for GO.
func (c *Channel) FlowControlled() bool { return c.gate != nil }

// FlowState returns the gate's current state, or GO for an unguarded channel.
func (c *Channel) FlowState() flow.State {
	if c.gate == nil {
		return flow.Go
	}
	return c.gate.State()
}

func (c *Channel) save(raw []byte) {
	c.mu.Lock()
	c.last = raw
	c.mu.Unlock()
}

// forget empties the resend slot unless a later sender has refilled it.
func (c *Channel) forget(raw []byte) {
	c.mu.Lock()
	if len(c.last) > 0 && &c.last[0] == &raw[0] {
		c.last = nil
	}
	c.mu.Unlock()
}

func (c *Channel) saved() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// ── counters ──────────────────────────────────────────────────────────────

// Stats are the traffic counters of one channel.
type Stats struct {
	FramesIn    uint64 `json:"frames_in"`
	FramesOut   uint64 `json:"frames_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	FlowControl uint64 `json:"flow_control"`
	Keepalives  uint64 `json:"keepalives"`
	Resends     uint64 `json:"resends"`
	Timeouts    uint64 `json:"timeouts"`
}

// LinkStats covers both channels. Dropped counts frames discarded for a
// bad checksum or an unknown opcode.
type LinkStats struct {
	Command Stats  `json:"command"`
	Data    Stats  `json:"data"`
	Dropped uint64 `json:"dropped"`
}

// Add returns the field-wise sum of s and o.
func (s LinkStats) Add(o LinkStats) LinkStats {
	return LinkStats{
		Command: s.Command.add(o.Command),
		Data:    s.Data.add(o.Data),
		Dropped: s.Dropped + o.Dropped,
	}
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		FramesIn:    s.FramesIn + o.FramesIn,
		FramesOut:   s.FramesOut + o.FramesOut,
		BytesIn:     s.BytesIn + o.BytesIn,
		BytesOut:    s.BytesOut + o.BytesOut,
		FlowControl: s.FlowControl + o.FlowControl,
		Keepalives:  s.Keepalives + o.Keepalives,
		Resends:     s.Resends + o.Resends,
		Timeouts:    s.Timeouts + o.Timeouts,
	}
}

type counters struct {
	framesIn, framesOut atomic.Uint64
	bytesIn, bytesOut   atomic.Uint64
	flowControl         atomic.Uint64
	keepalives, resends atomic.Uint64
	timeouts            atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesIn:    c.framesIn.Load(),
		FramesOut:   c.framesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		FlowControl: c.flowControl.Load(),
		Keepalives:  c.keepalives.Load(),
		Resends:     c.resends.Load(),
		Timeouts:    c.timeouts.Load(),
	}
}
