package binary

import (
	"encoding/binary"
	"fmt"
)

type encoder struct {
	tokens *TokenTable
	buf    []byte
}

// Marshal encodes a Node into its tokenized tree representation. It does
// not apply the outer frame compression/length-prefix — see Pack for that.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{tokens: NewTokenTable()}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeUint16(n int) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(n))
}

func (e *encoder) writeUint20(n int) {
	e.buf = append(e.buf, byte(n>>16), byte(n>>8), byte(n))
}

func (e *encoder) writeUint32(n int) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
}

func (e *encoder) writeListStart(size int) {
	switch {
	case size == 0:
		e.writeByte(tagListEmpty)
	case size < 256:
		e.writeByte(tagList8)
		e.writeByte(byte(size))
	default:
		e.writeByte(tagList16)
		e.writeUint16(size)
	}
}

func (e *encoder) writeRawBytes(b []byte) {
	switch {
	case len(b) < 256:
		e.writeByte(tagBinary8)
		e.writeByte(byte(len(b)))
	case len(b) < 1<<20:
		e.writeByte(tagBinary20)
		e.writeUint20(len(b))
	default:
		e.writeByte(tagBinary32)
		e.writeUint32(len(b))
	}
	e.buf = append(e.buf, b...)
}

// writeString encodes s as a single-byte static token, a two-byte dynamic
// dictionary token, or a raw length-prefixed binary string — whichever is
// shortest, per spec §4.1 ("alternating attr key/value" compressed via the
// token tables).
func (e *encoder) writeString(s string) {
	if idx, ok := e.tokens.indexOf(s); ok {
		if idx < len(singleByteTokens) {
			e.writeByte(byte(idx))
			return
		}
		dictIdx := idx - len(singleByteTokens)
		if dictIdx < 256 {
			e.writeByte(tagDictionary0)
			e.writeByte(byte(dictIdx))
			return
		}
	}
	e.writeRawBytes([]byte(s))
}

func (e *encoder) writeNode(n Node) error {
	size := 1 // tag
	attrCount := len(n.Attrs)
	size += attrCount * 2
	hasContent := n.Content != nil
	if hasContent {
		size++
	}
	e.writeListStart(size)
	e.writeString(n.Tag)
	for k, v := range n.Attrs {
		e.writeString(k)
		e.writeString(v)
	}
	if !hasContent {
		return nil
	}
	switch c := n.Content.(type) {
	case []byte:
		e.writeRawBytes(c)
	case []Node:
		e.writeListStart(len(c))
		for _, child := range c {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("binary: unsupported content type %T", n.Content)
	}
	return nil
}
