package wacore

import (
	"time"

	"go.stud.dev/wacore/appstate"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/socket"
	"go.stud.dev/wacore/types"
)

// TransactionOpts bounds how hard a KeyStore.Transaction caller retries a
// commit that raced another writer, per spec §6.
type TransactionOpts struct {
	MaxCommitRetries     int
	DelayBetweenTriesMs  int
}

// Config holds every option named in spec §6. Version, SyncFullHistory,
// ShouldIgnoreJid, FireInitQueries, EmitOwnEvents, UserDevicesCacheTTL,
// MediaCache and TransactionOpts are carried but not read by this module
// (the device cache uses a fixed 5-minute TTL); PrintQRInTerminal is read
// only by cmd/example.
type Config struct {
	WAWebSocketURL      string
	ConnectTimeout      time.Duration
	DefaultQueryTimeout time.Duration
	KeepAliveInterval   time.Duration
	QRTimeout           time.Duration

	// Version is the client app version triplet (not sent on the wire by
	// this module); Browser is {name, platformOS, browserVersion} as
	// rendered into the linked-device list on the phone.
	Version [3]uint32
	Browser [3]string

	PrintQRInTerminal bool
	SyncFullHistory   bool

	// ShouldSyncHistoryMessage filters which historySyncNotification
	// syncTypes get processed by the upsert bridge (C10).
	ShouldSyncHistoryMessage func(syncType int32) bool
	ShouldIgnoreJid          func(jid types.JID) bool

	MarkOnlineOnConnect bool
	FireInitQueries     bool
	EmitOwnEvents       bool

	AppStateMacVerification appstate.MacVerification

	UserDevicesCacheTTL time.Duration

	// MediaCache is opaque to this core; nothing in this module reads it.
	MediaCache any

	TransactionOpts TransactionOpts

	// GetMessage supports retry re-encryption (spec §4.7's retry-receipt
	// path): given a message id the relay needs to resend, return the
	// original content if still available.
	GetMessage func(key types.MessageID) (*events.MessageInfo, bool)

	// PatchMessageBeforeSending lets a caller rewrite a message's content
	// right before C8 encrypts it. Relay calls it only for the copy sent to
	// the sender's own other devices in a 1:1 chat, with jids holding the
	// destination; copies for other recipients and group payloads are not
	// passed through it. A nil result keeps the original content.
	PatchMessageBeforeSending func(msg *events.MessageInfo, jids []types.JID) *events.MessageInfo

	// ExtractHistorySync pulls the syncType out of a message's raw payload
	// if it carries a historySyncNotification, per spec §4.9 step 3. Left
	// to the caller for the same reason as GetMessage/
	// PatchMessageBeforeSending: this core treats message content as
	// opaque bytes and does not carry the waE2E protobuf catalogue.
	ExtractHistorySync func(raw []byte) (syncType int32, ok bool)

	// ExtractAppStateSyncKeyShare pulls a delivered app-state sync key out
	// of a message's raw payload, per spec §4.9 step 6.
	ExtractAppStateSyncKeyShare func(raw []byte) (keyID string, key [32]byte, ok bool)
}

// DefaultConfig returns the option set a bare client should start from.
// Timeout defaults follow common multi-device client practice where the
// spec names an option but not a default value; QRTimeout is the one
// default spec §4.5 gives explicitly (60s for the first ref).
func DefaultConfig() Config {
	return Config{
		WAWebSocketURL:      socket.URL,
		ConnectTimeout:      20 * time.Second,
		DefaultQueryTimeout: 75 * time.Second,
		KeepAliveInterval:   20 * time.Second,
		QRTimeout:           60 * time.Second,
		Version:             [3]uint32{2, 3000, 1015901307},
		Browser:             [3]string{"wacore", "Linux", "1.0"},
		FireInitQueries:     true,
		EmitOwnEvents:       true,
		AppStateMacVerification: appstate.MacVerification{
			Patch:    true,
			Snapshot: true,
		},
		UserDevicesCacheTTL: 300 * time.Second,
		TransactionOpts:     TransactionOpts{MaxCommitRetries: 5, DelayBetweenTriesMs: 200},
	}
}
