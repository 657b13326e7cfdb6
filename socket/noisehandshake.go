package socket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// NoiseHandshake drives the Noise_XX symmetric state (hash + chaining key +
// cipher key) through the three-message handshake in spec §4.2. The
// MixHash/MixKey/EncryptAndHash/DecryptAndHash shape mirrors the standard
// Noise Protocol Framework's SymmetricState (see the noise-protocol
// reference implementations in the retrieved pack), specialized to the
// single AESGCM/SHA256 cipher suite WhatsApp uses instead of being generic
// over cipher/DH/hash choices.
type NoiseHandshake struct {
	hash  [32]byte
	salt  [32]byte
	key   [32]byte
	nonce uint64
	valid bool
}

// NewNoiseHandshake returns a handshake ready for Start.
func NewNoiseHandshake() *NoiseHandshake {
	return &NoiseHandshake{}
}

// Start initializes the symmetric state from the protocol name and mixes
// in the connection header, matching Noise's InitializeSymmetric followed
// by an explicit MixHash(prologue).
func (nh *NoiseHandshake) Start(pattern string, header []byte) {
	if len(pattern) == 32 {
		copy(nh.hash[:], pattern)
	} else {
		nh.hash = sha256.Sum256([]byte(pattern))
	}
	nh.salt = nh.hash
	nh.authenticate(header)
}

// Authenticate is Noise's MixHash: it folds additional public data (a
// peer's ephemeral/static key, or the prologue) into the running hash.
func (nh *NoiseHandshake) authenticate(data []byte) {
	h := sha256.New()
	h.Write(nh.hash[:])
	h.Write(data)
	copy(nh.hash[:], h.Sum(nil))
}

// Authenticate exposes authenticate for handshake callers (keeps the
// teacher's call-site name nh.Authenticate(...)).
func (nh *NoiseHandshake) Authenticate(data []byte) {
	nh.authenticate(data)
}

// MixSharedSecretIntoKey performs X25519(priv, pub) and Noise's MixKey over
// the result: ck, tempK := HKDF(ck, dh); nh.key = tempK[:32].
func (nh *NoiseHandshake) MixSharedSecretIntoKey(priv [32]byte, pub [32]byte) error {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return fmt.Errorf("socket: X25519 failed: %w", err)
	}
	return nh.mixKey(secret)
}

func (nh *NoiseHandshake) mixKey(inputKeyMaterial []byte) error {
	r := hkdf.New(sha256.New, inputKeyMaterial, nh.salt[:], nil)
	out := make([]byte, 64)
	if _, err := r.Read(out); err != nil {
		return fmt.Errorf("socket: HKDF expand failed: %w", err)
	}
	copy(nh.salt[:], out[:32])
	copy(nh.key[:], out[32:])
	nh.nonce = 0
	nh.valid = true
	return nil
}

func (nh *NoiseHandshake) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(nh.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt is Noise's EncryptAndHash: before a key is established it's the
// identity function plus MixHash; afterwards it AEAD-seals with the
// running hash as associated data, then mixes the ciphertext into the hash.
func (nh *NoiseHandshake) Encrypt(plaintext []byte) []byte {
	if !nh.valid {
		nh.authenticate(plaintext)
		return append([]byte{}, plaintext...)
	}
	aead, err := nh.cipher()
	if err != nil {
		// Cipher construction from a fixed-size key cannot fail in
		// practice; surface a zero-length result if it somehow does so
		// callers don't silently proceed with plaintext.
		return nil
	}
	ciphertext := aead.Seal(nil, generateIV(nh.nonce), plaintext, nh.hash[:])
	nh.nonce++
	nh.authenticate(ciphertext)
	return ciphertext
}

// Decrypt is the receive-side counterpart of Encrypt.
func (nh *NoiseHandshake) Decrypt(ciphertext []byte) ([]byte, error) {
	if !nh.valid {
		nh.authenticate(ciphertext)
		return append([]byte{}, ciphertext...), nil
	}
	aead, err := nh.cipher()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, generateIV(nh.nonce), ciphertext, nh.hash[:])
	if err != nil {
		return nil, fmt.Errorf("socket: handshake decrypt failed: %w", err)
	}
	nh.nonce++
	nh.authenticate(ciphertext)
	return plaintext, nil
}

// Finish is Noise's Split: it derives the two independent post-handshake
// AEAD keys (one per direction) from the final chaining key, per spec
// §4.2's "finishInit() rotates to post-handshake AEAD keys; counters start
// at 0."
func (nh *NoiseHandshake) Finish() (write cipher.AEAD, read cipher.AEAD, err error) {
	r := hkdf.New(sha256.New, nil, nh.salt[:], nil)
	out := make([]byte, 64)
	if _, err := r.Read(out); err != nil {
		return nil, nil, fmt.Errorf("socket: HKDF expand failed: %w", err)
	}
	writeBlock, err := aes.NewCipher(out[:32])
	if err != nil {
		return nil, nil, err
	}
	readBlock, err := aes.NewCipher(out[32:])
	if err != nil {
		return nil, nil, err
	}
	write, err = cipher.NewGCM(writeBlock)
	if err != nil {
		return nil, nil, err
	}
	read, err = cipher.NewGCM(readBlock)
	if err != nil {
		return nil, nil, err
	}
	return write, read, nil
}

// hmacSHA256 is an HMAC-SHA256 helper kept alongside the other
// handshake-adjacent primitives; nothing in this package calls it, and
// connstate.go's pairing chain uses its own copy.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
