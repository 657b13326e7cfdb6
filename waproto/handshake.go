// Package waproto defines the small protobuf-wire-compatible message
// types the Noise handshake and connection payload need: HandshakeMessage,
// ClientPayload, and the DeviceProps used inside it.
//
// The real protocol's full message catalogue (waE2E, waWa6, waAdv, ...) is
// generated by protoc from .proto sources that aren't available in this
// environment, so these types are encoded/decoded by hand against
// google.golang.org/protobuf/encoding/protowire directly — the same wire
// format, without codegen. Field numbers below match the handshake shape
// referenced by the teacher's main.go (waWa6.HandshakeMessage).
package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakeMessage is a oneof over {clientHello, serverHello, clientFinish}.
type HandshakeMessage struct {
	ClientHello  *ClientHello
	ServerHello  *ServerHello
	ClientFinish *ClientFinish
}

type ClientHello struct {
	Ephemeral []byte // field 1
}

type ServerHello struct {
	Ephemeral []byte // field 1
	Static    []byte // field 2, ciphertext
	Payload   []byte // field 3, ciphertext
}

type ClientFinish struct {
	Static  []byte // field 1, ciphertext
	Payload []byte // field 2, ciphertext
}

const (
	fieldHandshakeClientHello  = 2
	fieldHandshakeServerHello  = 3
	fieldHandshakeClientFinish = 4
)

func marshalClientHello(b []byte, m *ClientHello) []byte {
	if len(m.Ephemeral) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Ephemeral)
	}
	return b
}

func marshalServerHello(b []byte, m *ServerHello) []byte {
	if len(m.Ephemeral) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Ephemeral)
	}
	if len(m.Static) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Static)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func marshalClientFinish(b []byte, m *ClientFinish) []byte {
	if len(m.Static) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Static)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

// Marshal encodes the handshake message's active oneof branch.
func (m *HandshakeMessage) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case m.ClientHello != nil:
		nested := marshalClientHello(nil, m.ClientHello)
		b = protowire.AppendTag(b, fieldHandshakeClientHello, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case m.ServerHello != nil:
		nested := marshalServerHello(nil, m.ServerHello)
		b = protowire.AppendTag(b, fieldHandshakeServerHello, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case m.ClientFinish != nil:
		nested := marshalClientFinish(nil, m.ClientFinish)
		b = protowire.AppendTag(b, fieldHandshakeClientFinish, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	default:
		return nil, fmt.Errorf("waproto: HandshakeMessage has no oneof branch set")
	}
	return b, nil
}

// UnmarshalHandshakeMessage decodes a HandshakeMessage from wire bytes.
func UnmarshalHandshakeMessage(data []byte) (*HandshakeMessage, error) {
	m := &HandshakeMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return nil, protowire.ParseError(skip)
			}
			data = data[skip:]
			continue
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldHandshakeClientHello:
			ch, err := unmarshalClientHello(val)
			if err != nil {
				return nil, err
			}
			m.ClientHello = ch
		case fieldHandshakeServerHello:
			sh, err := unmarshalServerHello(val)
			if err != nil {
				return nil, err
			}
			m.ServerHello = sh
		case fieldHandshakeClientFinish:
			cf, err := unmarshalClientFinish(val)
			if err != nil {
				return nil, err
			}
			m.ClientFinish = cf
		}
	}
	return m, nil
}

func unmarshalClientHello(data []byte) (*ClientHello, error) {
	m := &ClientHello{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			m.Ephemeral = val
		}
	}
	return m, nil
}

func unmarshalServerHello(data []byte) (*ServerHello, error) {
	m := &ServerHello{}
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			m.Ephemeral = val
		case 2:
			m.Static = val
		case 3:
			m.Payload = val
		}
	}
	return m, nil
}

func unmarshalClientFinish(data []byte) (*ClientFinish, error) {
	m := &ClientFinish{}
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			m.Static = val
		case 2:
			m.Payload = val
		}
	}
	return m, nil
}
