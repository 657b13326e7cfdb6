// Package socket implements the Noise transport (C2): the WebSocket
// carrier, length-prefixed framing, the Noise_XX handshake, and the
// post-handshake AEAD frame cipher.
package socket

import (
	"errors"

	"go.stud.dev/wacore/binary"
)

const (
	// Origin is the Origin header required by the relay's WebSocket
	// upgrade, carried verbatim from the teacher's constants.go.
	Origin = "https://web.whatsapp.com"
	// URL is the default WebSocket endpoint for the multi-device protocol.
	URL = "wss://web.whatsapp.com/ws/chat"
)

const (
	// NoiseStartPattern names the exact Noise protocol variant in use; it
	// is mixed into the handshake hash as the protocol name, per the Noise
	// spec, and is a wire constant, not an implementation choice.
	NoiseStartPattern = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

	// WAMagicValue is the third byte of the connection header.
	WAMagicValue = 6
)

// WAConnHeader is sent exactly once, before the first frame, per spec §4.2.
var WAConnHeader = []byte{'W', 'A', WAMagicValue, binary.DictVersion}

const (
	// FrameMaxSize bounds a single frame's payload length, matching the
	// 3-byte big-endian length prefix's addressable range.
	FrameMaxSize = 1 << 24
	// FrameLengthSize is the width of the frame length prefix in bytes.
	FrameLengthSize = 3
)

var (
	ErrFrameTooLarge     = errors.New("socket: frame too large")
	ErrSocketClosed      = errors.New("socket: frame socket is closed")
	ErrSocketAlreadyOpen = errors.New("socket: frame socket is already open")
)
