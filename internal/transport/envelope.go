package transport

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// envelopeKind tags one RPC envelope.
type envelopeKind uint64

const (
	kindUnknown envelopeKind = iota
	// kindInitComplete is sent once by the peer when its radio service is
	// ready; status carries its result.
	kindInitComplete
	// kindMessage carries one ANT message in either direction.
	kindMessage
	// kindFailure reports a peer side transport failure.
	kindFailure
)

func (k envelopeKind) String() string {
	switch k {
	case kindInitComplete:
		return "INIT_COMPLETE"
	case kindMessage:
		return "MESSAGE"
	case kindFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(k))
	}
}

// Envelope field numbers.
const (
	fieldKind    protowire.Number = 1
	fieldChannel protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldStatus  protowire.Number = 4
)

var errEnvelope = errors.New("transport: malformed envelope")

// envelope is the unit exchanged with an RPC peer, encoded as a protobuf
// message without a generated schema.
type envelope struct {
	Kind    envelopeKind
	Channel uint32
	Payload []byte
	Status  int32
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, 16+len(e.Payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Channel != 0 {
		b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Channel))
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(e.Status)))
	}
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: %w", errEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return envelope{}, fmt.Errorf("%w: payload: %w", errEnvelope, protowire.ParseError(m))
			}
			e.Payload = append([]byte(nil), v...)
			n = m
		case typ == protowire.VarintType && (num == fieldKind || num == fieldChannel || num == fieldStatus):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return envelope{}, fmt.Errorf("%w: field %d: %w", errEnvelope, num, protowire.ParseError(m))
			}
			switch num {
			case fieldKind:
				e.Kind = envelopeKind(v)
			case fieldChannel:
				e.Channel = uint32(v)
			case fieldStatus:
				e.Status = int32(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, fmt.Errorf("%w: field %d: %w", errEnvelope, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return e, nil
}
