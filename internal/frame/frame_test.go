package frame

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(r *Reassembler, chunks ...[]byte) []Frame {
	var out []Frame
	for _, c := range chunks {
		r.Feed(c, func(f Frame) { out = append(out, f) })
	}
	return out
}

func stream(t *testing.T, l Layout, n int, seed int64) ([]byte, [][]byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var (
		buf      bytes.Buffer
		payloads [][]byte
	)
	for i := 0; i < n; i++ {
		p := make([]byte, rng.Intn(MaxPayload+1))
		rng.Read(p)
		op := make([]byte, l.OpcodeSize)
		rng.Read(op)
		raw, err := Encode(l, op, p)
		require.NoError(t, err)
		buf.Write(raw)
		payloads = append(payloads, p)
	}
	return buf.Bytes(), payloads
}

func TestEncodeMaxPayloadRoundTrip(t *testing.T) {
	p := bytes.Repeat([]byte{0xA5}, MaxPayload)
	raw, err := Encode(Plain, nil, p)
	require.NoError(t, err)
	require.Len(t, raw, 1+MaxPayload)
	assert.Equal(t, byte(0xFF), raw[0])

	got := collect(NewReassembler(Plain), raw)
	require.Len(t, got, 1)
	assert.Equal(t, p, got[0].Payload)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Plain, nil, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodeOpcodeMismatch(t *testing.T) {
	_, err := Encode(Layout{OpcodeSize: 1}, nil, []byte{1})
	assert.ErrorIs(t, err, ErrOpcodeSize)

	_, err = Encode(Layout{OpcodeSize: 3}, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestChunkBoundaryInvariance(t *testing.T) {
	layouts := []Layout{
		Plain,
		{OpcodeSize: 1},
		{OpcodeSize: 2, SyncSize: 1},
		{OpcodeSize: 1, FooterSize: ChecksumSize},
	}
	for _, l := range layouts {
		data, payloads := stream(t, l, 40, 7)
		whole := collect(NewReassembler(l), data)
		require.Len(t, whole, len(payloads))
		for i := range payloads {
			assert.Equal(t, payloads[i], whole[i].Payload)
		}

		rng := rand.New(rand.NewSource(11))
		for trial := 0; trial < 20; trial++ {
			var chunks [][]byte
			for rest := data; len(rest) > 0; {
				n := 1 + rng.Intn(len(rest))
				if n > 300 {
					n = 1 + rng.Intn(300)
				}
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			assert.Equal(t, whole, collect(NewReassembler(l), chunks...))
		}
	}
}

func TestPartialFrameIsRetained(t *testing.T) {
	r := NewReassembler(Plain)
	got := collect(r, []byte{3, 0x4E})
	assert.Empty(t, got)
	assert.Equal(t, 2, r.Residue())

	got = collect(r, []byte{0x01, 0x02, 2, 0xAA})
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x4E, 0x01, 0x02}, got[0].Payload)
	assert.Equal(t, 2, r.Residue())

	r.Reset()
	assert.Zero(t, r.Residue())
}

func TestEmptyPayloadFrame(t *testing.T) {
	got := collect(NewReassembler(Plain), []byte{0, 0, 1, 9})
	require.Len(t, got, 3)
	assert.Empty(t, got[0].Payload)
	assert.Equal(t, []byte{9}, got[2].Payload)
}

func TestOpcodeIsReturned(t *testing.T) {
	l := Layout{OpcodeSize: 1}
	raw, err := Encode(l, []byte{0x0E}, []byte{0x4E, 1})
	require.NoError(t, err)
	got := collect(NewReassembler(l), raw)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x0E}, got[0].Opcode)
	id, ok := got[0].MsgID()
	assert.True(t, ok)
	assert.Equal(t, byte(0x4E), id)
	d, ok := got[0].MsgData()
	assert.True(t, ok)
	assert.Equal(t, byte(1), d)
}

func TestChecksumMismatchDropsFrameAndResyncs(t *testing.T) {
	l := Layout{FooterSize: ChecksumSize}
	bad, err := Encode(l, nil, []byte{1, 2, 3})
	require.NoError(t, err)
	bad[2] ^= 0xFF
	good, err := Encode(l, nil, []byte{4, 5})
	require.NoError(t, err)

	r := NewReassembler(l)
	got := collect(r, append(bad, good...))
	require.Len(t, got, 1)
	assert.Equal(t, []byte{4, 5}, got[0].Payload)
	assert.Equal(t, uint64(1), r.Dropped)
}

func TestFramesDoNotAliasBuffer(t *testing.T) {
	r := NewReassembler(Plain)
	got := collect(r, []byte{1, 0x11})
	collect(r, []byte{1, 0x22})
	assert.Equal(t, []byte{0x11}, got[0].Payload)
}
