// Package keys implements the X25519 key pairs used by the Noise handshake,
// the identity/signed-pre-key pair stored in Creds, and the one-time
// pre-keys uploaded during registration. Grounded on the teacher's
// client/keypair.go, generalized so PreKey IDs can be assigned by a caller
// (the pre-key store) instead of always starting from a fixed constant.
package keys

import (
	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is a raw X25519 key pair with Signal-compatible clamping applied
// to the private scalar.
type KeyPair struct {
	Pub  *[32]byte
	Priv *[32]byte
}

// NewKeyPairFromPrivateKey derives Pub from an already-clamped Priv.
func NewKeyPairFromPrivateKey(priv [32]byte) *KeyPair {
	var kp KeyPair
	kp.Priv = &priv
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, kp.Priv)
	kp.Pub = &pub
	return &kp
}

// NewKeyPair generates a fresh, correctly clamped X25519 key pair.
func NewKeyPair() *KeyPair {
	priv := *(*[32]byte)(random.Bytes(32))

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	return NewKeyPairFromPrivateKey(priv)
}

// Sign produces a Signal XEdDSA signature over keyToSign's public key,
// prefixed with the Djb key-type byte the wire format expects.
func (kp *KeyPair) Sign(keyToSign *KeyPair) *[64]byte {
	pubKeyForSignature := make([]byte, 33)
	pubKeyForSignature[0] = ecc.DjbType
	copy(pubKeyForSignature[1:], keyToSign.Pub[:])

	signature := ecc.CalculateSignature(ecc.NewDjbECPrivateKey(*kp.Priv), pubKeyForSignature)
	return &signature
}

// SignBytes signs an arbitrary payload directly (used for the ADV device
// identity signature chain in connstate.go, which signs account-level
// bytes rather than another key's public key).
func (kp *KeyPair) SignBytes(payload []byte) *[64]byte {
	signature := ecc.CalculateSignature(ecc.NewDjbECPrivateKey(*kp.Priv), payload)
	return &signature
}

// CreateSignedPreKey generates a new pre-key with the given id and signs
// its public key with kp (the identity key).
func (kp *KeyPair) CreateSignedPreKey(keyID uint32) *PreKey {
	newKey := NewPreKey(keyID)
	newKey.Signature = kp.Sign(&newKey.KeyPair)
	return newKey
}

// PreKey is a KeyPair plus the numeric id under which it's published.
type PreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte // nil for one-time pre-keys, set for the signed pre-key
}

// NewPreKey generates a fresh, unsigned pre-key with the given id.
func NewPreKey(keyID uint32) *PreKey {
	return &PreKey{
		KeyPair: *NewKeyPair(),
		KeyID:   keyID,
	}
}

// GeneratePreKeyBatch produces count one-time pre-keys starting at startID,
// matching the batch-upload shape C7's pre-key manager needs when the
// server reports the uploaded count has run low.
func GeneratePreKeyBatch(startID uint32, count int) []*PreKey {
	batch := make([]*PreKey, count)
	for i := 0; i < count; i++ {
		batch[i] = NewPreKey(startID + uint32(i))
	}
	return batch
}
