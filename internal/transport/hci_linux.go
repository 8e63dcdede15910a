//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

// HCI framing of ANT messages.
//
//	command: | 0x01 | 0xD1 0xFD | plen | vslen LE16 | ANT message |
//	event:   | 0x04 | 0xFF | plen | 0x00 0x05 | vslen LE16 | ANT message |
const (
	hciCommandPkt   = 0x01
	hciEventPkt     = 0x04
	hciEventVendor  = 0xFF
	hciOpcodeANTLSB = 0xD1
	hciOpcodeANTMSB = 0xFD
	hciVSOpANTLSB   = 0x00
	hciVSOpANTMSB   = 0x05

	hciVendorLenSize   = 2
	hciCommandOverhead = 4 + hciVendorLenSize
	hciEventOverhead   = 7
	hciMaxEventSize    = 260

	// bluez socket option level and name; not exported by x/sys/unix.
	solHCI        = 0
	hciFilterOpt  = 2
	hciChannelRaw = 0
)

// hciVendorFilter admits only vendor specific event packets carrying the
// ANT vendor opcode.
var hciVendorFilter = []byte{
	0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x80, 0x00, 0x05, 0x00, 0x00,
}

// HCISocket carries ANT messages as vendor commands and events over a raw
// Bluetooth HCI socket. One socket serves both channels.
type HCISocket struct {
	dev uint16
	log *zap.Logger
}

// NewHCISocket returns a transport bound to hci<dev>.
func NewHCISocket(dev uint16, log *zap.Logger) *HCISocket {
	return &HCISocket{dev: dev, log: orNop(log)}
}

func (t *HCISocket) Name() string         { return KindHCI }
func (t *HCISocket) Layout() frame.Layout { return frame.Plain }

func (t *HCISocket) Open() (Binding, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return Binding{}, fmt.Errorf("transport: hci socket: %w", err)
	}
	name := fmt.Sprintf("hci%d", t.dev)
	p := newHCIPort(newFDPort(name, fd), t.log)

	if err := unix.Bind(fd, &unix.SockaddrHCI{Dev: t.dev, Channel: hciChannelRaw}); err != nil {
		return Binding{}, rollback(fmt.Errorf("transport: bind %s: %w", name, err), p)
	}
	if err := unix.SetsockoptString(fd, solHCI, hciFilterOpt, string(hciVendorFilter)); err != nil {
		return Binding{}, rollback(fmt.Errorf("transport: filter %s: %w", name, err), p)
	}
	t.log.Info("hci: socket bound", zap.String("dev", name))
	return Binding{Command: p, Data: p}, nil
}

// hciPort exposes the HCI socket as a plain frame stream: each accepted
// vendor event becomes | len | ANT message |.
type hciPort struct {
	*fdPort
	log     *zap.Logger
	pkt     []byte
	pending []byte
	ignored atomic.Uint64
}

func newHCIPort(p *fdPort, log *zap.Logger) *hciPort {
	return &hciPort{fdPort: p, log: log, pkt: make([]byte, hciMaxEventSize)}
}

func (p *hciPort) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		n, err := p.fdPort.Read(p.pkt)
		if n == 0 || err != nil {
			return 0, err
		}
		msg, err := unwrapHCIEvent(p.pkt[:n])
		if err != nil {
			p.ignored.Add(1)
			p.log.Debug("hci: packet ignored", zap.Int("len", n), zap.Error(err))
			continue
		}
		p.pending = append(append(p.pending, byte(len(msg))), msg...)
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write takes one | len | ANT message | frame and sends it as an HCI vendor
// command.
func (p *hciPort) Write(bufs ...[]byte) error {
	var raw []byte
	for _, b := range bufs {
		raw = append(raw, b...)
	}
	if len(raw) < frame.Plain.HeaderSize() {
		return fmt.Errorf("transport: write %s: %w", p.name, frame.ErrShortFrame)
	}
	msg := raw[frame.Plain.HeaderSize():]
	return p.fdPort.Write(hciCommandHeader(len(msg)), msg)
}

func hciCommandHeader(n int) []byte {
	hdr := make([]byte, hciCommandOverhead)
	hdr[0] = hciCommandPkt
	hdr[1] = hciOpcodeANTLSB
	hdr[2] = hciOpcodeANTMSB
	hdr[3] = byte(n + hciVendorLenSize)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(n))
	return hdr
}

var errNotANTEvent = errors.New("not an ANT vendor event")

// unwrapHCIEvent returns the ANT message carried by one HCI event packet.
func unwrapHCIEvent(pkt []byte) ([]byte, error) {
	switch {
	case len(pkt) < hciEventOverhead+1:
		return nil, fmt.Errorf("%w: %d byte packet", frame.ErrShortFrame, len(pkt))
	case pkt[0] != hciEventPkt || pkt[1] != hciEventVendor:
		return nil, errNotANTEvent
	case pkt[3] != hciVSOpANTLSB || pkt[4] != hciVSOpANTMSB:
		return nil, errNotANTEvent
	}
	n := int(binary.LittleEndian.Uint16(pkt[5:]))
	if n > frame.MaxPayload || hciEventOverhead+n > len(pkt) {
		return nil, fmt.Errorf("%w: vendor length %d in %d byte packet", frame.ErrShortFrame, n, len(pkt))
	}
	return append([]byte(nil), pkt[hciEventOverhead:hciEventOverhead+n]...), nil
}
