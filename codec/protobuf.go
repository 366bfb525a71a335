package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeError is returned when a received frame's payload could not be
// parsed as the expected message type. It terminates only the stream
// that produced it, not the whole transport.
type DecodeError struct {
	MessageType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: failed to decode %s: %v", e.MessageType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError is returned when a value could not be serialized. The
// caller's channel remains usable; only the one send fails.
type EncodeError struct {
	MessageType string
	Err         error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: failed to encode %s: %v", e.MessageType, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

const (
	fieldID      = protowire.Number(1)
	fieldSeq     = protowire.Number(1)
	fieldKind    = protowire.Number(2)
	fieldPayload = protowire.Number(3)
)

// EncodeRequest serializes a RemoteRequest using the protobuf wire format.
// We hand-encode with protowire rather than generating full proto.Message
// types, since RemoteRequest's Payload is itself an opaque, kernel-defined
// blob that the transport never needs to reflect over.
func EncodeRequest(r RemoteRequest) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = appendStringField(b, fieldKind, r.Kind)
	b = appendBytesField(b, fieldPayload, r.Payload)
	return b, nil
}

// DecodeRequest parses bytes produced by EncodeRequest.
func DecodeRequest(b []byte) (RemoteRequest, error) {
	var r RemoteRequest
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldID:
			r.ID = u
		case fieldKind:
			r.Kind = string(v)
		case fieldPayload:
			r.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return RemoteRequest{}, &DecodeError{MessageType: "RemoteRequest", Err: err}
	}
	return r, nil
}

// EncodeResponse serializes a RemoteResponse using the protobuf wire format.
func EncodeResponse(r RemoteResponse) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = appendStringField(b, fieldKind, r.Kind)
	b = appendBytesField(b, fieldPayload, r.Payload)
	return b, nil
}

// DecodeResponse parses bytes produced by EncodeResponse.
func DecodeResponse(b []byte) (RemoteResponse, error) {
	var r RemoteResponse
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldID:
			r.ID = u
		case fieldKind:
			r.Kind = string(v)
		case fieldPayload:
			r.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return RemoteResponse{}, &DecodeError{MessageType: "RemoteResponse", Err: err}
	}
	return r, nil
}

// EncodeUpdate serializes a NotebookUpdate using the protobuf wire format.
func EncodeUpdate(u NotebookUpdate) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, u.Seq)
	b = appendStringField(b, fieldKind, u.Kind)
	b = appendBytesField(b, fieldPayload, u.Payload)
	return b, nil
}

// DecodeUpdate parses bytes produced by EncodeUpdate.
func DecodeUpdate(b []byte) (NotebookUpdate, error) {
	var u NotebookUpdate
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldSeq:
			u.Seq = raw
		case fieldKind:
			u.Kind = string(v)
		case fieldPayload:
			u.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return NotebookUpdate{}, &DecodeError{MessageType: "NotebookUpdate", Err: err}
	}
	return u, nil
}

// EncodeRole encodes the channel-identity tag. It is a fixed,
// symmetrically known small-integer encoding, always a single byte,
// never a protobuf message.
func EncodeRole(r ChannelRole) []byte {
	return []byte{byte(r)}
}

// DecodeRole decodes the channel-identity tag written by EncodeRole.
func DecodeRole(b []byte) (ChannelRole, error) {
	if len(b) != 1 {
		return 0, &DecodeError{MessageType: "ChannelRole", Err: fmt.Errorf("expected 1 byte, got %d", len(b))}
	}
	switch ChannelRole(b[0]) {
	case RoleMain:
		return RoleMain, nil
	case RoleNotebookUpdates:
		return RoleNotebookUpdates, nil
	default:
		return 0, &DecodeError{MessageType: "ChannelRole", Err: fmt.Errorf("unknown role tag %d", b[0])}
	}
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// consumeFields walks the protobuf wire format, calling fn for every field
// with the raw bytes (for length-delimited fields) and the raw varint (for
// varint fields). Unknown field numbers are skipped, matching standard
// protobuf forward-compatibility rules.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
