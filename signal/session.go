// Package signal implements the session manager (C7) and multi-device
// fanout/relay (C8). Session establishment reuses exactly the primitives
// the teacher's keypair.go already wires in — go.mau.fi/libsignal/ecc for
// signature verification, golang.org/x/crypto/curve25519+hkdf for key
// agreement — composed into an X3DH-style handshake and a single-step
// hash ratchet for message keys. This module does not attempt to
// reproduce libsignal's full double-ratchet wire format (no .proto
// catalogue for its session-record encoding ships in the retrieved
// pack), but keeps the same shape the spec requires: pkmsg on first
// contact, msg afterward, one session per peer device persisted in
// KeyStore.
package signal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.mau.fi/libsignal/ecc"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/keystore"
)

// MessageType distinguishes a session-establishing ciphertext from one
// sent over an already-established session, per spec §4.6.
type MessageType string

const (
	MessageTypePreKey MessageType = "pkmsg"
	MessageTypeNormal MessageType = "msg"
)

// PreKeyBundle is what assertSessions fetches per peer device from the
// server's `iq xmlns=encrypt get` response.
type PreKeyBundle struct {
	RegistrationID  uint32
	Identity        [32]byte
	SignedPreKeyID  uint32
	SignedPreKeyPub [32]byte
	SignedPreKeySig [64]byte
	PreKeyID        uint32
	PreKeyPub       [32]byte
	HasPreKey       bool
}

// Verify checks the signed pre-key's signature against the bundle's
// identity key, using the same Djb-prefixed XEdDSA verification shape as
// keys.KeyPair.Sign.
func (b PreKeyBundle) Verify() bool {
	prefixed := make([]byte, 33)
	prefixed[0] = ecc.DjbType
	copy(prefixed[1:], b.SignedPreKeyPub[:])
	pub := ecc.NewDjbECPublicKey(b.Identity)
	return ecc.VerifySignature(pub, prefixed, b.SignedPreKeySig)
}

// session is the persisted record for one peer device, stored under
// keystore.NamespaceSession keyed by the device's ADString.
type session struct {
	RootKey      [32]byte
	SendChainKey [32]byte
	RecvChainKey [32]byte
	Established  bool
}

// Cipher establishes and advances sessions, and encrypts/decrypts
// per-device payloads. It is not safe for concurrent use from multiple
// goroutines on the same device JID key; callers serialize through the
// connection's single-threaded model (spec §5).
type Cipher struct {
	identity *keys.KeyPair
}

// NewCipher returns a Cipher bound to the local identity key pair, used
// as one leg of every X3DH agreement.
func NewCipher(identity *keys.KeyPair) *Cipher {
	return &Cipher{identity: identity}
}

func dh(priv *[32]byte, pub *[32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// establishOutbound runs the initiator side of X3DH against bundle,
// returning the derived session plus the ephemeral public key the
// recipient needs to complete its side.
func (c *Cipher) establishOutbound(bundle PreKeyBundle) (*session, *keys.KeyPair, error) {
	if !bundle.Verify() {
		return nil, nil, fmt.Errorf("signal: signed pre-key signature invalid")
	}
	ephemeral := keys.NewKeyPair()

	dh1, err := dh(c.identity.Priv, &bundle.SignedPreKeyPub)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(ephemeral.Priv, &bundle.Identity)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(ephemeral.Priv, &bundle.SignedPreKeyPub)
	if err != nil {
		return nil, nil, err
	}
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.HasPreKey {
		dh4, err := dh(ephemeral.Priv, &bundle.PreKeyPub)
		if err != nil {
			return nil, nil, err
		}
		material = append(material, dh4...)
	}

	return deriveSession(material), ephemeral, nil
}

// establishInbound runs the responder side given the initiator's
// ephemeral public key and which local pre-keys were used.
func (c *Cipher) establishInbound(signedPreKey, preKey *keys.KeyPair, remoteIdentity, remoteEphemeral [32]byte) (*session, error) {
	dh1, err := dh(signedPreKey.Priv, &remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(c.identity.Priv, &remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey.Priv, &remoteEphemeral)
	if err != nil {
		return nil, err
	}
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if preKey != nil {
		dh4, err := dh(preKey.Priv, &remoteEphemeral)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}
	s := deriveSession(material)
	// deriveSession is a pure function of material, and X3DH produces
	// identical material on both ends (same four DH outputs, computed from
	// opposite sides of each pair). The initiator's sending chain must
	// therefore line up with the responder's receiving chain, so the
	// responder swaps the two before returning.
	s.SendChainKey, s.RecvChainKey = s.RecvChainKey, s.SendChainKey
	return s, nil
}

func deriveSession(material []byte) *session {
	r := hkdf.New(sha256.New, material, nil, []byte("wacore-x3dh"))
	out := make([]byte, 96)
	_, _ = r.Read(out)
	s := &session{Established: true}
	copy(s.RootKey[:], out[:32])
	copy(s.SendChainKey[:], out[32:64])
	copy(s.RecvChainKey[:], out[64:96])
	return s
}

// ratchet derives the next message key from a chain key and advances the
// chain key in place, the single-step hash-ratchet analogue of Signal's
// chain key KDF (HMAC replaced with HKDF-Expand over the fixed-size key,
// keeping this file's dependency surface limited to hkdf/sha256 already
// used elsewhere in this module).
func ratchet(chainKey *[32]byte) [32]byte {
	r := hkdf.New(sha256.New, chainKey[:], nil, []byte("wacore-chain-step"))
	out := make([]byte, 64)
	_, _ = r.Read(out)
	var messageKey [32]byte
	copy(messageKey[:], out[:32])
	copy(chainKey[:], out[32:])
	return messageKey
}

func seal(messageKey [32]byte, counter uint32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(messageKey[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], counter)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(messageKey [32]byte, counter uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(messageKey[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], counter)
	return aead.Open(nil, nonce, ciphertext, nil)
}

// EncryptForDevice encrypts plaintext for deviceKey, establishing a new
// session from bundle if none exists yet. The returned MessageType tells
// the caller whether the outbound stanza needs the pkmsg envelope (new
// session, bundle-derived ephemeral prepended) or the plain msg envelope
// (existing session, single ratchet step).
func (c *Cipher) EncryptForDevice(ctx context.Context, ks keystore.KeyStore, deviceKey string, bundle *PreKeyBundle, plaintext []byte) (MessageType, []byte, error) {
	s, err := loadSession(ctx, ks, deviceKey)
	if err != nil {
		return "", nil, err
	}

	if s == nil || !s.Established {
		if bundle == nil {
			return "", nil, fmt.Errorf("signal: no session for %s and no pre-key bundle to establish one", deviceKey)
		}
		newSession, ephemeral, err := c.establishOutbound(*bundle)
		if err != nil {
			return "", nil, fmt.Errorf("signal: establish session with %s: %w", deviceKey, err)
		}
		messageKey := ratchet(&newSession.SendChainKey)
		ciphertext, err := seal(messageKey, 0, plaintext)
		if err != nil {
			return "", nil, err
		}
		if err := ks.Put(ctx, keystore.NamespaceSession, deviceKey, newSession); err != nil {
			return "", nil, fmt.Errorf("signal: persist session with %s: %w", deviceKey, err)
		}
		envelope := append(append([]byte{}, ephemeral.Pub[:]...), ciphertext...)
		return MessageTypePreKey, envelope, nil
	}

	messageKey := ratchet(&s.SendChainKey)
	ciphertext, err := seal(messageKey, 0, plaintext)
	if err != nil {
		return "", nil, err
	}
	if err := ks.Put(ctx, keystore.NamespaceSession, deviceKey, s); err != nil {
		return "", nil, fmt.Errorf("signal: persist session with %s: %w", deviceKey, err)
	}
	return MessageTypeNormal, ciphertext, nil
}

// DecryptFromDevice is EncryptForDevice's inverse: it opens an inbound
// pkmsg/msg envelope. The message upsert bridge (C10) does not call it;
// upsertMessage handles RawPayload without decrypting. remoteIdentity
// is the sender's identity public key (resolved by the caller, e.g. from a
// prior USync/pre-key fetch); signedPreKey/preKey are the local keys the
// sender's pkmsg says it used, required only when msgType is pkmsg.
func (c *Cipher) DecryptFromDevice(ctx context.Context, ks keystore.KeyStore, deviceKey string, msgType MessageType, remoteIdentity [32]byte, signedPreKey, preKey *keys.KeyPair, envelope []byte) ([]byte, error) {
	var s *session
	ciphertext := envelope

	if msgType == MessageTypePreKey {
		if len(envelope) < 32 {
			return nil, fmt.Errorf("signal: pkmsg envelope from %s too short", deviceKey)
		}
		var remoteEphemeral [32]byte
		copy(remoteEphemeral[:], envelope[:32])
		ciphertext = envelope[32:]

		established, err := c.establishInbound(signedPreKey, preKey, remoteIdentity, remoteEphemeral)
		if err != nil {
			return nil, fmt.Errorf("signal: establish inbound session with %s: %w", deviceKey, err)
		}
		s = established
	} else {
		loaded, err := loadSession(ctx, ks, deviceKey)
		if err != nil {
			return nil, err
		}
		if loaded == nil || !loaded.Established {
			return nil, fmt.Errorf("signal: no session for %s to decrypt msg", deviceKey)
		}
		s = loaded
	}

	messageKey := ratchet(&s.RecvChainKey)
	plaintext, err := open(messageKey, 0, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("signal: decrypt from %s: %w", deviceKey, err)
	}
	if err := ks.Put(ctx, keystore.NamespaceSession, deviceKey, s); err != nil {
		return nil, fmt.Errorf("signal: persist session with %s: %w", deviceKey, err)
	}
	return plaintext, nil
}

// HasSession reports whether an established session exists for deviceKey.
func HasSession(ctx context.Context, ks keystore.KeyStore, deviceKey string) (bool, error) {
	s, err := loadSession(ctx, ks, deviceKey)
	if err != nil {
		return false, err
	}
	return s != nil && s.Established, nil
}

// loadSession fetches the persisted session record for deviceKey, if any.
func loadSession(ctx context.Context, ks keystore.KeyStore, deviceKey string) (*session, error) {
	v, ok, err := ks.Get(ctx, keystore.NamespaceSession, deviceKey)
	if err != nil || !ok {
		return nil, err
	}
	s, _ := v.(*session)
	return s, nil
}
