package binary

import (
	"encoding/binary"
	"fmt"
)

type decoder struct {
	tokens *TokenTable
	data   []byte
	pos    int
}

// ErrInvalidNode is returned when the byte stream doesn't describe a
// well-formed node.
type ErrInvalidNode struct{ Reason string }

func (e *ErrInvalidNode) Error() string { return "binary: invalid node: " + e.Reason }

// Unmarshal decodes a single Node from its tokenized tree representation
// (the inverse of Marshal). Trailing bytes after the first node are
// ignored, matching the pack's "one node per frame" usage.
func Unmarshal(data []byte) (Node, error) {
	d := &decoder{tokens: NewTokenTable(), data: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, &ErrInvalidNode{"unexpected end of data"}
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, &ErrInvalidNode{"unexpected end of data"}
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readUint16() (int, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (d *decoder) readUint20() (int, error) {
	b, err := d.readBytes(3)
	if err != nil {
		return 0, err
	}
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2]), nil
}

func (d *decoder) readUint32() (int, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

// readListSize reads the list-size discriminator tag and returns the
// element count it encodes, or ok=false if the next tag isn't a list tag.
func (d *decoder) readListSize() (size int, isList bool, err error) {
	if d.pos >= len(d.data) {
		return 0, false, &ErrInvalidNode{"unexpected end of data"}
	}
	tag := d.data[d.pos]
	switch tag {
	case tagListEmpty:
		d.pos++
		return 0, true, nil
	case tagList8:
		d.pos++
		b, err := d.readByte()
		if err != nil {
			return 0, true, err
		}
		return int(b), true, nil
	case tagList16:
		d.pos++
		n, err := d.readUint16()
		return n, true, err
	default:
		return 0, false, nil
	}
}

func (d *decoder) readRawBytesValue() ([]byte, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagBinary8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.readBytes(int(n))
	case tagBinary20:
		n, err := d.readUint20()
		if err != nil {
			return nil, err
		}
		return d.readBytes(n)
	case tagBinary32:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.readBytes(n)
	default:
		// Single-token or dictionary-token string content: resolve the
		// token and return its bytes.
		d.pos--
		s, err := d.readString()
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

// readString reads a tag/attr/content string token: a static single-byte
// token, a dynamic dictionary token, or a raw length-prefixed string.
// Unknown token indices within the static/dynamic table range resolve to
// a numbered placeholder rather than failing, per spec §4.1.
func (d *decoder) readString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch tag {
	case tagBinary8, tagBinary20, tagBinary32:
		d.pos--
		b, err := d.readRawBytesValue()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case tagDictionary0, tagDictionary1, tagDictionary2, tagDictionary3:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		class := int(tag - tagDictionary0)
		s, ok := d.tokens.lookup(len(singleByteTokens) + class*256 + int(idx))
		if !ok {
			return fmt.Sprintf("\x00unknown-dict-token-%d-%d", class, idx), nil
		}
		return s, nil
	default:
		s, ok := d.tokens.lookup(int(tag))
		if !ok {
			return fmt.Sprintf("\x00unknown-token-%d", tag), nil
		}
		return s, nil
	}
}

func (d *decoder) readNode() (Node, error) {
	size, isList, err := d.readListSize()
	if err != nil {
		return Node{}, err
	}
	if !isList {
		return Node{}, &ErrInvalidNode{"expected list header for node"}
	}
	if size == 0 {
		return Node{}, &ErrInvalidNode{"empty node"}
	}
	tag, err := d.readString()
	if err != nil {
		return Node{}, fmt.Errorf("reading node tag: %w", err)
	}
	remaining := size - 1
	attrCount := remaining / 2
	hasContent := remaining%2 == 1
	var attrs Attrs
	if attrCount > 0 {
		attrs = make(Attrs, attrCount)
		for i := 0; i < attrCount; i++ {
			key, err := d.readString()
			if err != nil {
				return Node{}, fmt.Errorf("reading attr key: %w", err)
			}
			val, err := d.readString()
			if err != nil {
				return Node{}, fmt.Errorf("reading attr value for %q: %w", key, err)
			}
			attrs[key] = val
		}
	}
	n := Node{Tag: tag, Attrs: attrs}
	if hasContent {
		content, err := d.readContent()
		if err != nil {
			return Node{}, fmt.Errorf("reading content of <%s>: %w", tag, err)
		}
		n.Content = content
	}
	return n, nil
}

func (d *decoder) readContent() (any, error) {
	if d.pos >= len(d.data) {
		return nil, &ErrInvalidNode{"unexpected end of data"}
	}
	switch d.data[d.pos] {
	case tagListEmpty, tagList8, tagList16:
		size, _, err := d.readListSize()
		if err != nil {
			return nil, err
		}
		children := make([]Node, 0, size)
		for i := 0; i < size; i++ {
			child, err := d.readNode()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return children, nil
	default:
		return d.readRawBytesValue()
	}
}
