// Package events defines the payload types emitted on the client's event
// bus (§6 "Emitted events"). Each Go type corresponds to one event name;
// handlers type-switch on the concrete type, mirroring how the teacher's
// CGo bridge serialized one JSON-tagged struct per callback invocation.
package events

import (
	"time"

	"go.stud.dev/wacore/types"
)

// Connection is the connection.update event, the single most
// frequently observed event: every state transition in the connection
// state machine (C5/C6) that's visible to callers funnels through here.
type Connection struct {
	Connection                  string // "connecting" | "open" | "close"
	QR                          string // set only while connection=="connecting" and pairing
	IsNewLogin                  bool
	IsOnline                    bool
	ReceivedPendingNotifications bool
	LastDisconnect              *LastDisconnect
}

// LastDisconnect carries the reason the connection last closed.
type LastDisconnect struct {
	Error      error
	StatusCode int
	Date       time.Time
}

// CredsUpdate fires whenever Creds changed; the caller is responsible for
// durably persisting the full Creds blob, since that is the only writer.
type CredsUpdate struct {
	Me               *types.JID
	AppStateKeyID    string
	RegistrationInfo bool
}

// MessagesUpsert is the history-sync/realtime message delivery event.
type MessagesUpsert struct {
	Messages []*MessageInfo
	Type     string // "notify" | "append" | "prepend" | "on-demand"
}

// MessageInfo is a minimal envelope around a message node; the full
// decoded waE2E payload is intentionally opaque here since this module
// does not implement the message-content protobuf catalogue.
type MessageInfo struct {
	ID            types.MessageID
	Chat          types.JID
	Sender        types.JID
	IsFromMe      bool
	Timestamp     time.Time
	PushName      string
	RawPayload    []byte
}

// MessagesUpdate fires for edits, revokes, and star/keep changes.
type MessagesUpdate struct {
	Chat    types.JID
	ID      types.MessageID
	Update  map[string]any
}

// MessagesMediaUpdate fires when a previously undownloadable media message
// becomes available, or a retry fails.
type MessagesMediaUpdate struct {
	Chat  types.JID
	ID    types.MessageID
	Error error
}

// MessagesReaction fires for inbound reaction stanzas.
type MessagesReaction struct {
	Chat      types.JID
	MessageID types.MessageID
	Sender    types.JID
	Text      string
	Timestamp time.Time
}

// MessageReceiptUpdate fires for delivery/read receipts.
type MessageReceiptUpdate struct {
	Chat      types.JID
	Sender    types.JID
	MessageIDs []types.MessageID
	Type      string // "delivery" | "read" | "played" | "retry"
}

// ChatsUpsert/ChatsUpdate/ChatsDelete mirror the app-state chat collection.
type ChatsUpsert struct {
	Chats []*ChatInfo
}

type ChatsUpdate struct {
	JID    types.JID
	Update map[string]any
}

type ChatsDelete struct {
	JID types.JID
}

// ChatInfo is the subset of chat metadata this module tracks.
type ChatInfo struct {
	JID           types.JID
	Name          string
	Archived      bool
	Muted         bool
	UnreadCount   int
	LastMessageTS time.Time
}

// ContactsUpsert/ContactsUpdate mirror the app-state contact collection.
type ContactsUpsert struct {
	Contacts []*ContactInfo
}

type ContactsUpdate struct {
	JID          types.JID
	VerifiedName string
	PushName     string
}

// ContactInfo is the subset of contact metadata this module tracks.
type ContactInfo struct {
	JID          types.JID
	PushName     string
	VerifiedName string
}

// GroupsUpsert/GroupsUpdate fire on group metadata changes.
type GroupsUpsert struct {
	Groups []*GroupInfo
}

type GroupsUpdate struct {
	JID    types.JID
	Update map[string]any
}

// GroupInfo is the subset of group metadata this module tracks.
type GroupInfo struct {
	JID          types.JID
	Name         string
	Participants []types.JID
}

// PresenceUpdate fires on inbound presence/chatstate stanzas.
type PresenceUpdate struct {
	Chat      types.JID
	Sender    types.JID
	Unavailable bool
	LastSeen  time.Time
}

// BlocklistSet/BlocklistUpdate mirror the blocklist app-state collection.
type BlocklistSet struct {
	JIDs []types.JID
}

type BlocklistUpdate struct {
	JID    types.JID
	Action string // "block" | "unblock"
}

// QR is a convenience helper packing the three base64 components described
// in spec §4.5 into the wire format emitted as Connection.QR.
func QR(ref, noisePubB64, identityPubB64, advSecretB64 string) string {
	return ref + "," + noisePubB64 + "," + identityPubB64 + "," + advSecretB64
}
