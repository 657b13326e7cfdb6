package socket

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.stud.dev/wacore/walog"
)

// generateIV builds the 12-byte GCM nonce WhatsApp uses: 4 zero bytes
// followed by the big-endian 8-byte frame counter, per spec §4.2.
func generateIV(count uint64) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint64(iv[4:], count)
	return iv
}

// NoiseSocket wraps a FrameSocket once the handshake has produced the two
// post-handshake AEAD keys. Every SendFrame/receiveEncryptedFrame call
// advances its own direction's counter; the server and client counters are
// independent and both start at 0, matching the teacher's noisesocket.go.
type NoiseSocket struct {
	log walog.Logger

	fs *FrameSocket

	writeCipher cipher.AEAD
	readCipher  cipher.AEAD

	writeCounter uint64 // atomic
	readCounter  uint64 // atomic

	OnFrame      func(decrypted []byte)
	OnDisconnect func(remote bool)

	stopped atomic.Bool
}

// NewNoiseSocket takes ownership of fs (already past the handshake) and the
// derived write/read ciphers, and starts consuming fs.Frames.
func NewNoiseSocket(fs *FrameSocket, log walog.Logger, writeCipher, readCipher cipher.AEAD) *NoiseSocket {
	if log == nil {
		log = walog.Noop()
	}
	ns := &NoiseSocket{
		log:         log,
		fs:          fs,
		writeCipher: writeCipher,
		readCipher:  readCipher,
	}
	fs.OnDisconnect = func(remote bool) {
		if ns.OnDisconnect != nil {
			ns.OnDisconnect(remote)
		}
	}
	go ns.consumeLoop()
	return ns
}

func (ns *NoiseSocket) consumeLoop() {
	for frame := range ns.fs.Frames {
		plaintext, err := ns.decryptFrame(frame)
		if err != nil {
			ns.log.Warnf("Dropping undecryptable frame: %v", err)
			continue
		}
		if ns.OnFrame != nil {
			ns.OnFrame(plaintext)
		}
	}
}

// SendFrame encrypts data under the next write counter and sends it as one
// length-prefixed frame.
func (ns *NoiseSocket) SendFrame(data []byte) error {
	count := atomic.AddUint64(&ns.writeCounter, 1) - 1
	ciphertext := ns.writeCipher.Seal(nil, generateIV(count), data, nil)
	return ns.fs.SendFrame(ciphertext)
}

func (ns *NoiseSocket) decryptFrame(ciphertext []byte) ([]byte, error) {
	count := atomic.AddUint64(&ns.readCounter, 1) - 1
	plaintext, err := ns.readCipher.Open(nil, generateIV(count), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("socket: frame decrypt failed at counter %d: %w", count, err)
	}
	return plaintext, nil
}

// Close tears down the underlying frame socket.
func (ns *NoiseSocket) Close(code int) {
	if ns.stopped.CompareAndSwap(false, true) {
		ns.fs.Close(code)
	}
}

// Context exposes the underlying frame socket's lifetime context.
func (ns *NoiseSocket) Context() context.Context {
	return ns.fs.Context()
}
