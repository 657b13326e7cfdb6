package appstate

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// SyncKey is one app-state-sync key as distributed via
// appStateSyncKeyShare and stored under
// keystore.NamespaceAppStateSyncKey, keyed by its id.
type SyncKey struct {
	KeyID string
	Data  [32]byte
}

// derivedKeys holds the four independent keys HKDF-expanded from one
// SyncKey, per spec §4.8 ("derived via HKDF from the key referenced by
// myAppStateKeyId").
type derivedKeys struct {
	indexKey    [32]byte
	valueKey    [32]byte
	hmacKey     [32]byte
	snapshotKey [32]byte
}

func deriveKeys(key SyncKey) derivedKeys {
	r := hkdf.New(sha256.New, key.Data[:], nil, []byte("WhatsApp Mutation Keys"))
	out := make([]byte, 128)
	_, _ = r.Read(out)
	var d derivedKeys
	copy(d.indexKey[:], out[0:32])
	copy(d.valueKey[:], out[32:64])
	copy(d.hmacKey[:], out[64:96])
	copy(d.snapshotKey[:], out[96:128])
	return d
}

// KeyGetter resolves an app-state-sync key by id, backed by
// keystore.NamespaceAppStateSyncKey.
type KeyGetter func(keyID string) (SyncKey, error)
