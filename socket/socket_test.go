package socket

import (
	"bytes"
	"testing"

	"go.stud.dev/wacore/internal/keys"
)

// TestFrameSocketReassembly exercises processData directly, feeding it the
// transport in arbitrarily small chunks to verify the length-prefixed
// reassembly handles header splits and body splits identically.
func TestFrameSocketReassembly(t *testing.T) {
	fs := NewFrameSocket(nil)

	payload := bytes.Repeat([]byte{0xAB}, 500)
	frame := make([]byte, FrameLengthSize+len(payload))
	frame[0] = byte(len(payload) >> 16)
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload))
	copy(frame[FrameLengthSize:], payload)

	for i := 0; i < len(frame); i += 7 {
		end := i + 7
		if end > len(frame) {
			end = len(frame)
		}
		fs.processData(frame[i:end])
	}

	select {
	case got := <-fs.Frames:
		if !bytes.Equal(got, payload) {
			t.Fatalf("reassembled frame mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	default:
		t.Fatal("expected a completed frame, got none")
	}
}

// TestFrameSocketMultipleFrames verifies two frames delivered in one chunk
// are split correctly.
func TestFrameSocketMultipleFrames(t *testing.T) {
	fs := NewFrameSocket(nil)

	mkFrame := func(b byte, n int) []byte {
		payload := bytes.Repeat([]byte{b}, n)
		frame := make([]byte, FrameLengthSize+n)
		frame[0] = byte(n >> 16)
		frame[1] = byte(n >> 8)
		frame[2] = byte(n)
		copy(frame[FrameLengthSize:], payload)
		return frame
	}

	f1 := mkFrame(0x01, 10)
	f2 := mkFrame(0x02, 20)
	fs.processData(append(append([]byte{}, f1...), f2...))

	got1 := <-fs.Frames
	got2 := <-fs.Frames
	if !bytes.Equal(got1, bytes.Repeat([]byte{0x01}, 10)) {
		t.Fatalf("first frame mismatch")
	}
	if !bytes.Equal(got2, bytes.Repeat([]byte{0x02}, 20)) {
		t.Fatalf("second frame mismatch")
	}
}

// TestNoiseHandshakeXXAgreement simulates both sides of the Noise_XX
// handshake in-process (no network) and asserts the resulting post
// handshake keys let each side decrypt what the other encrypts, covering
// the same DH-agreement shape as the real three-message exchange.
func TestNoiseHandshakeXXAgreement(t *testing.T) {
	clientStatic := keys.NewKeyPair()
	serverStatic := keys.NewKeyPair()
	clientEphemeral := keys.NewKeyPair()
	serverEphemeral := keys.NewKeyPair()

	client := NewNoiseHandshake()
	server := NewNoiseHandshake()
	client.Start(NoiseStartPattern, WAConnHeader)
	server.Start(NoiseStartPattern, WAConnHeader)

	// -> e
	client.Authenticate(clientEphemeral.Pub[:])
	server.Authenticate(clientEphemeral.Pub[:])

	// <- e, ee, s, es
	client.Authenticate(serverEphemeral.Pub[:])
	server.Authenticate(serverEphemeral.Pub[:])

	if err := client.MixSharedSecretIntoKey(*clientEphemeral.Priv, *serverEphemeral.Pub); err != nil {
		t.Fatalf("client ee: %v", err)
	}
	if err := server.MixSharedSecretIntoKey(*serverEphemeral.Priv, *clientEphemeral.Pub); err != nil {
		t.Fatalf("server ee: %v", err)
	}

	serverStaticCt := server.Encrypt(serverStatic.Pub[:])
	clientDecryptedServerStatic, err := client.Decrypt(serverStaticCt)
	if err != nil {
		t.Fatalf("client decrypt server static: %v", err)
	}
	if !bytes.Equal(clientDecryptedServerStatic, serverStatic.Pub[:]) {
		t.Fatalf("server static mismatch after decrypt")
	}

	if err := client.MixSharedSecretIntoKey(*clientEphemeral.Priv, *serverStatic.Pub); err != nil {
		t.Fatalf("client es: %v", err)
	}
	if err := server.MixSharedSecretIntoKey(*serverStatic.Priv, *clientEphemeral.Pub); err != nil {
		t.Fatalf("server es: %v", err)
	}

	// -> s, ss
	clientStaticCt := client.Encrypt(clientStatic.Pub[:])
	serverDecryptedClientStatic, err := server.Decrypt(clientStaticCt)
	if err != nil {
		t.Fatalf("server decrypt client static: %v", err)
	}
	if !bytes.Equal(serverDecryptedClientStatic, clientStatic.Pub[:]) {
		t.Fatalf("client static mismatch after decrypt")
	}

	if err := client.MixSharedSecretIntoKey(*clientStatic.Priv, *serverStatic.Pub); err != nil {
		t.Fatalf("client ss: %v", err)
	}
	if err := server.MixSharedSecretIntoKey(*serverStatic.Priv, *clientStatic.Pub); err != nil {
		t.Fatalf("server ss: %v", err)
	}

	clientWrite, clientRead, err := client.Finish()
	if err != nil {
		t.Fatalf("client finish: %v", err)
	}
	serverWrite, serverRead, err := server.Finish()
	if err != nil {
		t.Fatalf("server finish: %v", err)
	}

	plaintext := []byte("hello from client")
	ct := clientWrite.Seal(nil, generateIV(0), plaintext, nil)
	got, err := serverRead.Open(nil, generateIV(0), ct, nil)
	if err != nil {
		t.Fatalf("server failed to decrypt client frame: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-tripped plaintext mismatch")
	}

	reply := []byte("hello from server")
	ct2 := serverWrite.Seal(nil, generateIV(0), reply, nil)
	got2, err := clientRead.Open(nil, generateIV(0), ct2, nil)
	if err != nil {
		t.Fatalf("client failed to decrypt server frame: %v", err)
	}
	if !bytes.Equal(got2, reply) {
		t.Fatalf("round-tripped reply mismatch")
	}
}
