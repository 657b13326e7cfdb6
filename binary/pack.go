package binary

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Pack wraps an encoded node with the one-byte compression flag used on
// the wire: 0 for uncompressed, 2 for DEFLATE-compressed (matching the
// teacher's waBinary.Unpack(data) call site, which expects this framing
// on every inbound post-handshake frame).
func Pack(marshaled []byte, compress bool) ([]byte, error) {
	if !compress {
		return append([]byte{0}, marshaled...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(2)
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("binary: creating deflate writer: %w", err)
	}
	if _, err := w.Write(marshaled); err != nil {
		return nil, fmt.Errorf("binary: compressing frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("binary: closing deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack reverses Pack: it reads the compression flag and inflates the
// payload if needed, returning the raw tokenized node bytes ready for
// Unmarshal.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &ErrInvalidNode{"empty frame"}
	}
	flag, payload := data[0], data[1:]
	switch flag {
	case 0:
		return payload, nil
	case 2:
		r := flate.NewReader(bytes.NewReader(payload))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("binary: decompressing frame: %w", err)
		}
		return out, nil
	default:
		return nil, &ErrInvalidNode{fmt.Sprintf("unknown compression flag %d", flag)}
	}
}
