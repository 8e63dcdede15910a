// Package frame implements the length-delimited framing used on every ANT
// transport path: an optional opcode, a one byte payload length, an optional
// sync byte, the payload and an optional CRC-16 footer.
//
//	| opcode 0-2 | length 1 | sync 0-1 | payload 0-255 | footer 0/2 |
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	// MaxPayload is the protocol ceiling carried by the one byte length field.
	MaxPayload = 0xFF

	// ChecksumSize is the footer size when a CRC-16 footer is configured.
	ChecksumSize = 2

	// MsgIDOffset and MsgDataOffset locate the ANT message ID and its first
	// data byte inside a payload.
	MsgIDOffset   = 0
	MsgDataOffset = 1
)

var (
	ErrTooLarge   = errors.New("frame: payload exceeds 255 bytes")
	ErrBadLayout  = errors.New("frame: invalid layout")
	ErrOpcodeSize = errors.New("frame: opcode does not match layout")
	ErrChecksum   = errors.New("frame: checksum mismatch")
	ErrShortFrame = errors.New("frame: undersized frame")
)

var modbus = crc16.MakeTable(crc16.CRC16_MODBUS)

// Layout describes the header and footer shape of one transport's frames.
type Layout struct {
	OpcodeSize int // 0, 1 or 2 bytes ahead of the length byte
	SyncSize   int // 0 or 1 byte after the length byte
	FooterSize int // 0 or ChecksumSize
}

// Plain is the representative layout: a bare length byte and payload.
var Plain = Layout{}

// HeaderSize is the number of bytes preceding the payload.
func (l Layout) HeaderSize() int { return l.OpcodeSize + 1 + l.SyncSize }

// LengthOffset is the position of the payload length byte.
func (l Layout) LengthOffset() int { return l.OpcodeSize }

// MaxFrameSize is the size of a frame carrying a 255 byte payload.
func (l Layout) MaxFrameSize() int { return l.HeaderSize() + MaxPayload + l.FooterSize }

// Validate reports whether the layout can be encoded.
func (l Layout) Validate() error {
	switch {
	case l.OpcodeSize < 0 || l.OpcodeSize > 2:
		return fmt.Errorf("%w: opcode size %d", ErrBadLayout, l.OpcodeSize)
	case l.SyncSize < 0 || l.SyncSize > 1:
		return fmt.Errorf("%w: sync size %d", ErrBadLayout, l.SyncSize)
	case l.FooterSize != 0 && l.FooterSize != ChecksumSize:
		return fmt.Errorf("%w: footer size %d", ErrBadLayout, l.FooterSize)
	}
	return nil
}

// Frame is one complete message. Opcode and Payload never alias a receive
// buffer.
type Frame struct {
	Opcode  []byte
	Payload []byte
}

// MsgID returns the ANT message ID, or false for an empty payload.
func (f Frame) MsgID() (byte, bool) {
	if len(f.Payload) <= MsgIDOffset {
		return 0, false
	}
	return f.Payload[MsgIDOffset], true
}

// MsgData returns the first data byte after the message ID.
func (f Frame) MsgData() (byte, bool) {
	if len(f.Payload) <= MsgDataOffset {
		return 0, false
	}
	return f.Payload[MsgDataOffset], true
}

// Encode builds the wire form of payload. The length check happens before
// anything is allocated so oversized messages never reach a transport.
func Encode(l Layout, opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrTooLarge
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(opcode) != l.OpcodeSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrOpcodeSize, len(opcode), l.OpcodeSize)
	}

	out := make([]byte, l.HeaderSize()+len(payload)+l.FooterSize)
	copy(out, opcode)
	out[l.LengthOffset()] = byte(len(payload))
	copy(out[l.HeaderSize():], payload)
	if l.FooterSize == ChecksumSize {
		body := out[:l.HeaderSize()+len(payload)]
		binary.LittleEndian.PutUint16(out[len(body):], crc16.Checksum(body, modbus))
	}
	return out, nil
}

// verify checks the footer of a complete raw frame.
func (l Layout) verify(raw []byte) error {
	if l.FooterSize != ChecksumSize {
		return nil
	}
	if len(raw) < l.HeaderSize()+ChecksumSize {
		return ErrShortFrame
	}
	body := raw[:len(raw)-ChecksumSize]
	want := binary.LittleEndian.Uint16(raw[len(body):])
	if crc16.Checksum(body, modbus) != want {
		return ErrChecksum
	}
	return nil
}

// decode splits a complete raw frame. The caller guarantees len(raw) matches
// the length byte.
func (l Layout) decode(raw []byte) Frame {
	n := int(raw[l.LengthOffset()])
	f := Frame{Payload: append([]byte(nil), raw[l.HeaderSize():l.HeaderSize()+n]...)}
	if l.OpcodeSize > 0 {
		f.Opcode = append([]byte(nil), raw[:l.OpcodeSize]...)
	}
	return f
}
