package appstate

import (
	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/types"
)

// Operation is the mutation kind carried by a SyncdMutation, matching
// waproto's numeric encoding (0=SET, 1=REMOVE).
type Operation int32

const (
	OpSet    Operation = 0
	OpRemove Operation = 1
)

// ChatMutation is the application-level mutation described in spec §3:
// its canonical index (whose first component is the action name) and
// operation.
type ChatMutation struct {
	Index     []string
	Operation Operation
}

// action returns the mutation's action name, the first index component,
// or "" if the index is empty.
func (m ChatMutation) action() string {
	if len(m.Index) == 0 {
		return ""
	}
	return m.Index[0]
}

// chatJID returns the second index component parsed as a JID, the
// convention for per-chat actions (archive, mute, pin, ...).
func (m ChatMutation) chatJID() (types.JID, bool) {
	if len(m.Index) < 2 {
		return types.EmptyJID, false
	}
	jid, err := types.ParseJID(m.Index[1])
	if err != nil {
		return types.EmptyJID, false
	}
	return jid, true
}

// ProcessSyncAction translates one decoded mutation into the public
// events chats.update, contacts.update, chats.delete and creds.update.
// Actions this module doesn't have a specific translation for surface as a
// generic chats.update. Apart from setting_pushName, a mutation whose
// second index component does not parse as a JID emits nothing.
func ProcessSyncAction(buf *eventbuffer.Buffer, m ChatMutation) {
	switch m.action() {
	case "archive":
		if jid, ok := m.chatJID(); ok {
			buf.Emit("chats.update", events.ChatsUpdate{JID: jid, Update: map[string]any{"archived": m.Operation == OpSet}})
		}
	case "mute":
		if jid, ok := m.chatJID(); ok {
			buf.Emit("chats.update", events.ChatsUpdate{JID: jid, Update: map[string]any{"muted": m.Operation == OpSet}})
		}
	case "pin_v1":
		if jid, ok := m.chatJID(); ok {
			buf.Emit("chats.update", events.ChatsUpdate{JID: jid, Update: map[string]any{"pinned": m.Operation == OpSet}})
		}
	case "deleteChat":
		if jid, ok := m.chatJID(); ok {
			buf.Emit("chats.delete", events.ChatsDelete{JID: jid})
		}
	case "contact":
		if jid, ok := m.chatJID(); ok {
			buf.Emit("contacts.update", events.ContactsUpdate{JID: jid})
		}
	case "setting_pushName":
		buf.Emit("creds.update", events.CredsUpdate{})
	default:
		if jid, ok := m.chatJID(); ok {
			buf.Emit("chats.update", events.ChatsUpdate{JID: jid, Update: map[string]any{m.action(): m.Operation == OpSet}})
		}
	}
}
