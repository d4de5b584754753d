// Package envelope owns the cast message codec.
//
// One envelope travels in one frame. The wire form is the protobuf cast
// message (protocol version, source, destination, namespace, payload kind,
// text or binary payload). Text payloads are normally small JSON objects that
// carry a "type" discriminator and a numeric "requestId" used for correlation.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Well-known namespaces.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
	NamespaceDirect     = "urn:x-cast:com.calcast.direct"

	DefaultSource   = "sender-0"
	DefaultReceiver = "receiver-0"
)

// PayloadKind mirrors the payload_type enum of the cast message.
type PayloadKind int

const (
	PayloadText   PayloadKind = 0
	PayloadBinary PayloadKind = 1
)

// protocolVersion is CASTV2_1_0, the only version receivers speak.
const protocolVersion = 0

const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceID        protowire.Number = 2
	fieldDestinationID   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUTF8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

var (
	ErrMalformed   = errors.New("envelope: malformed message")
	ErrPayloadKind = errors.New("envelope: exactly one payload must be set")
)

// Envelope is one protocol message. Type and RequestID are derived from a text
// payload on decode; they are best-effort and stay empty when the payload is
// not a JSON object.
type Envelope struct {
	SourceID      string
	DestinationID string
	Namespace     string
	Kind          PayloadKind
	Text          string
	Binary        []byte

	Type      string
	RequestID int64
}

// header is the two conventional fields every correlated payload carries.
type header struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
}

// NewText builds a text envelope by marshalling v as JSON.
func NewText(src, dst, namespace string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	env := Envelope{
		SourceID:      src,
		DestinationID: dst,
		Namespace:     namespace,
		Kind:          PayloadText,
		Text:          string(raw),
	}
	env.parseHeader()
	return env, nil
}

// NewBinary builds a binary envelope.
func NewBinary(src, dst, namespace string, payload []byte) Envelope {
	return Envelope{
		SourceID:      src,
		DestinationID: dst,
		Namespace:     namespace,
		Kind:          PayloadBinary,
		Binary:        payload,
	}
}

// Unmarshal decodes the text payload into v.
func (e Envelope) Unmarshal(v any) error {
	if e.Kind != PayloadText {
		return fmt.Errorf("%w: binary payload", ErrMalformed)
	}
	return json.Unmarshal([]byte(e.Text), v)
}

// Unsolicited reports whether the envelope carries no correlation id.
func (e Envelope) Unsolicited() bool {
	return e.RequestID == 0
}

func (e *Envelope) parseHeader() {
	e.Type = ""
	e.RequestID = 0
	if e.Kind != PayloadText || e.Text == "" {
		return
	}
	var h header
	if err := json.Unmarshal([]byte(e.Text), &h); err != nil {
		// A mistyped field still leaves the others decoded.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			e.Type = h.Type
		}
		return
	}
	e.Type = h.Type
	e.RequestID = h.RequestID
}

// Encode serialises e in canonical field order.
func Encode(e Envelope) ([]byte, error) {
	switch e.Kind {
	case PayloadText:
		if e.Binary != nil {
			return nil, ErrPayloadKind
		}
	case PayloadBinary:
		if e.Text != "" {
			return nil, ErrPayloadKind
		}
	default:
		return nil, fmt.Errorf("%w: kind=%d", ErrPayloadKind, e.Kind)
	}

	size := len(e.Text) + len(e.Binary) + len(e.SourceID) + len(e.DestinationID) + len(e.Namespace) + 32
	b := make([]byte, 0, size)
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, protocolVersion)
	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, e.SourceID)
	b = protowire.AppendTag(b, fieldDestinationID, protowire.BytesType)
	b = protowire.AppendString(b, e.DestinationID)
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, e.Namespace)
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Kind == PayloadText {
		b = protowire.AppendTag(b, fieldPayloadUTF8, protowire.BytesType)
		b = protowire.AppendString(b, e.Text)
	} else {
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Binary)
	}
	return b, nil
}

// Decode parses one cast message. Unknown fields are skipped. A text payload
// that is not JSON still decodes; only Type/RequestID stay unset.
func Decode(b []byte) (Envelope, error) {
	var (
		e                     Envelope
		seenText, seenBinary  bool
		seenSource, seenDest  bool
		seenNamespace, seenPT bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldProtocolVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: protocol_version: %v", ErrMalformed, protowire.ParseError(n))
			}
			if v != protocolVersion {
				return Envelope{}, fmt.Errorf("%w: protocol_version=%d", ErrMalformed, v)
			}
			b = b[n:]
		case num == fieldPayloadType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: payload_type: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Kind = PayloadKind(v)
			seenPT = true
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldSourceID && num <= fieldPayloadBinary:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSourceID:
				e.SourceID, seenSource = string(v), true
			case fieldDestinationID:
				e.DestinationID, seenDest = string(v), true
			case fieldNamespace:
				e.Namespace, seenNamespace = string(v), true
			case fieldPayloadUTF8:
				e.Text, seenText = string(v), true
			case fieldPayloadBinary:
				e.Binary, seenBinary = append([]byte{}, v...), true
			default:
				return Envelope{}, fmt.Errorf("%w: field %d has wrong wire type", ErrMalformed, num)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seenSource || !seenDest || !seenNamespace || !seenPT {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformed)
	}
	switch e.Kind {
	case PayloadText:
		if seenBinary {
			return Envelope{}, ErrPayloadKind
		}
	case PayloadBinary:
		if seenText {
			return Envelope{}, ErrPayloadKind
		}
		if e.Binary == nil {
			e.Binary = []byte{}
		}
	default:
		return Envelope{}, fmt.Errorf("%w: kind=%d", ErrPayloadKind, e.Kind)
	}
	e.parseHeader()
	return e, nil
}
