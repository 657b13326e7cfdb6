// Package keystore defines the persistent data model (§3): Creds, the
// namespaced KeyStore interface, and the namespace name constants every
// component keys its records under.
package keystore

import (
	"context"
	"time"

	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/types"
)

// Namespace constants name the required KeyStore partitions from spec §3.
const (
	NamespacePreKey              = "pre-key"
	NamespaceSession             = "session"
	NamespaceSenderKey           = "sender-key"
	NamespaceSenderKeyMemory     = "sender-key-memory"
	NamespaceAppStateSyncKey     = "app-state-sync-key"
	NamespaceAppStateSyncVersion = "app-state-sync-version"
	NamespaceCreds               = "creds"
)

// CredsKey is the fixed key Creds is stored under within NamespaceCreds:
// one device identity per KeyStore, matching spec §3's single-device-
// per-store model (multi-account callers run one KeyStore per device).
const CredsKey = "self"

// SignedPreKey is the one distinguished pre-key whose signature is
// advertised to peers during session setup.
type SignedPreKey struct {
	ID        uint32
	KeyPair   keys.KeyPair
	Signature [64]byte
}

// Creds is the persistent identity described in spec §3. The only writer
// is the core; callers observe changes via events.CredsUpdate and are
// responsible for durable storage of whatever they read back out.
type Creds struct {
	NoiseKey          *keys.KeyPair
	SignedIdentityKey *keys.KeyPair
	SignedPreKey      *SignedPreKey
	RegistrationID    uint32
	AdvSecretKey      []byte // 32-byte seed, not base64 here; callers encode for wire use

	Me       *types.JID
	Platform string
	Account  []byte // signed device identity proto, opaque
	PushName string // this device's own display name, as last observed on an outbound message echo

	// ClientID/ServerToken/ClientToken are only meaningful once IsRegistered:
	// the login variant of ClientPayload (spec §4.2) carries them instead of
	// the registration identity/pre-key fields.
	ClientID     []byte
	ServerToken  []byte
	ClientToken  []byte

	MyAppStateKeyID string

	NextPreKeyID             uint32
	FirstUnuploadedPreKeyID  uint32
	AccountSyncCounter       uint32
	LastAccountSyncTimestamp time.Time
}

// Valid reports whether the invariant firstUnuploadedPreKeyId <=
// nextPreKeyId holds.
func (c *Creds) Valid() bool {
	return c.FirstUnuploadedPreKeyID <= c.NextPreKeyID
}

// IsRegistered reports whether Me has been assigned, i.e. pairing has
// completed at least once.
func (c *Creds) IsRegistered() bool {
	return c.Me != nil && !c.Me.IsEmpty()
}

// KeyStore is the opaque namespaced KV described in spec §3. Values are
// caller-defined byte strings or small typed records (left as `any` here
// since this module's job is orchestration, not serialization format).
// Transaction is the only primitive that guarantees read-modify-write
// atomicity; nested transactions coalesce (an inner Transaction call
// reuses the outer one instead of creating a second logical transaction).
type KeyStore interface {
	Get(ctx context.Context, namespace, key string) (any, bool, error)
	Put(ctx context.Context, namespace, key string, value any) error
	Delete(ctx context.Context, namespace, key string) error
	// Transaction runs fn with read-modify-write atomicity across all
	// namespaces. Implementations must detect re-entrant calls on the
	// same logical transaction (e.g. via a context value) and run fn
	// directly rather than deadlocking or starting a nested transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
