// Package rpc implements keel's internal RPC wire protocol:
// length-framed messages carrying a route tag and a dictionary
// of typed keys, used between the CLI/API client and keeld's dispatch
// layer (pkg/api).
//
// Message encode/decode is hand-rolled rather than delegated to a
// serialization library, the same way pkg/dnswire hand-rolls RFC 1035
// framing on top of github.com/miekg/dns's message codec: this protocol is
// keel's own invention, not an existing wire format a library already
// implements.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single message's encoded size. A length prefix
// beyond this indicates framing desync; the connection is closed rather
// than read further, mirroring pkg/dnswire.ErrFrameTooLarge.
const MaxMessageSize = 16 << 20 // 16 MiB: generous enough for a config or state blob

// ErrFrameTooLarge is returned by ReadMessage when the 4-byte length prefix
// exceeds MaxMessageSize.
var ErrFrameTooLarge = fmt.Errorf("rpc: frame exceeds %d bytes", MaxMessageSize)

// Well-known field keys for the typed-key dictionary.
const (
	KeyID         = "id"
	KeyConfigBlob = "config"
	KeyStateBlob  = "state"
	KeyHostname   = "hostname"
	KeyMAC        = "mac"
)

// ValueKind tags which arm of Value is populated.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindBytes
)

// Value is one typed entry in a Message's field dictionary.
type Value struct {
	Kind  ValueKind
	Str   string
	Bytes []byte
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }

// Message is one length-framed RPC message: a route tag identifying the
// handler, a reply handle the response echoes back, and a dictionary of
// typed fields.
type Message struct {
	Route   string
	ReplyTo uint64
	Fields  map[string]Value
}

// NewMessage creates an empty Message for route, to be populated with Set.
func NewMessage(route string, replyTo uint64) *Message {
	return &Message{Route: route, ReplyTo: replyTo, Fields: make(map[string]Value)}
}

// SetString sets a string field.
func (m *Message) SetString(key, value string) *Message {
	m.Fields[key] = StringValue(value)
	return m
}

// SetBytes sets a bytes field.
func (m *Message) SetBytes(key string, value []byte) *Message {
	m.Fields[key] = BytesValue(value)
	return m
}

// GetString returns a string field, or "" if absent or not a string.
func (m *Message) GetString(key string) (string, bool) {
	v, ok := m.Fields[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// GetBytes returns a bytes field, or nil if absent or not bytes.
func (m *Message) GetBytes(key string) ([]byte, bool) {
	v, ok := m.Fields[key]
	if !ok || v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

// WriteMessage encodes msg and writes it to w, prefixed by its 4-byte
// big-endian total length.
func WriteMessage(w io.Writer, msg *Message) error {
	var body bytes.Buffer

	if err := writeString(&body, msg.Route); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.BigEndian, msg.ReplyTo); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.BigEndian, uint16(len(msg.Fields))); err != nil {
		return err
	}
	for key, val := range msg.Fields {
		if err := writeString(&body, key); err != nil {
			return err
		}
		if err := body.WriteByte(byte(val.Kind)); err != nil {
			return err
		}
		switch val.Kind {
		case KindString:
			if err := writeString(&body, val.Str); err != nil {
				return err
			}
		case KindBytes:
			if err := writeBytes(&body, val.Bytes); err != nil {
				return err
			}
		default:
			return fmt.Errorf("rpc: unknown value kind %d for field %q", val.Kind, key)
		}
	}

	if body.Len() > MaxMessageSize {
		return ErrFrameTooLarge
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > MaxMessageSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)

	route, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("rpc: read route: %w", err)
	}
	var replyTo uint64
	if err := binary.Read(br, binary.BigEndian, &replyTo); err != nil {
		return nil, fmt.Errorf("rpc: read reply handle: %w", err)
	}
	var fieldCount uint16
	if err := binary.Read(br, binary.BigEndian, &fieldCount); err != nil {
		return nil, fmt.Errorf("rpc: read field count: %w", err)
	}

	fields := make(map[string]Value, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		key, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("rpc: read field key: %w", err)
		}
		kindByte, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rpc: read field kind: %w", err)
		}
		kind := ValueKind(kindByte)
		var val Value
		val.Kind = kind
		switch kind {
		case KindString:
			s, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("rpc: read string field %q: %w", key, err)
			}
			val.Str = s
		case KindBytes:
			b, err := readBytes(br)
			if err != nil {
				return nil, fmt.Errorf("rpc: read bytes field %q: %w", key, err)
			}
			val.Bytes = b
		default:
			return nil, fmt.Errorf("rpc: unknown value kind %d for field %q", kind, key)
		}
		fields[key] = val
	}

	return &Message{Route: route, ReplyTo: replyTo, Fields: fields}, nil
}

func writeString(w *bytes.Buffer, s string) error {
	return writeBytes(w, []byte(s))
}

func writeBytes(w *bytes.Buffer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
