package wacore

import (
	"context"

	"go.stud.dev/wacore/appstate"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/werror"
)

// processableHistorySyncTypes lists the historySyncNotification syncType
// values this module acts on, per spec §4.9 step 3. No historySync enum
// ships in the retrieved pack, so this numbering is this module's own
// clean-room convention (same basis as DESIGN.md's other Open Question
// decisions): 0 covers the initial bootstrap dump, 1 the recent-only
// follow-up, 2 a full resync, 3 push-name-only chunks. Anything else is
// ignored even if ShouldSyncHistoryMessage would accept it.
var processableHistorySyncTypes = map[int32]bool{
	0: true,
	1: true,
	2: true,
	3: true,
}

// upsertMessage implements spec §4.9's upsertMessage(msg, type): emit the
// public event, surface push-name changes, detect and (possibly defer)
// history sync processing, then decrypt/apply the message itself.
// processingMu is held for the full cycle, so concurrent upsertMessage
// calls run one at a time.
func (c *Conn) upsertMessage(ctx context.Context, msg *events.MessageInfo, upsertType string) {
	c.processingMu.Lock()
	defer c.processingMu.Unlock()

	c.buf.Emit("messages.upsert", events.MessagesUpsert{Messages: []*events.MessageInfo{msg}, Type: upsertType})

	if msg.PushName != "" {
		if msg.IsFromMe {
			if c.creds.PushName != msg.PushName {
				c.creds.PushName = msg.PushName
				c.buf.Emit("creds.update", events.CredsUpdate{Me: c.creds.Me})
			}
		} else {
			c.buf.Emit("contacts.update", events.ContactsUpdate{JID: msg.Sender, PushName: msg.PushName})
		}
	}

	historyPending := false
	if c.cfg.ExtractHistorySync != nil {
		if syncType, ok := c.cfg.ExtractHistorySync(msg.RawPayload); ok && processableHistorySyncTypes[syncType] {
			if c.cfg.ShouldSyncHistoryMessage == nil || c.cfg.ShouldSyncHistoryMessage(syncType) {
				historyPending = true
			}
		}
	}

	if historyPending && c.creds.MyAppStateKeyID == "" {
		// Step 4: a history message arrived before any app-state sync key
		// is known. Nothing can be resynced yet; flag it and come back
		// once processMessage (below, or a later message) delivers one.
		c.pendingAppStateSync = true
		historyPending = false
	}

	// Step 5: the spec describes the resync and the message decode as
	// running "in parallel", but spec §5 mandates a single-threaded
	// serializer per connection with no user-visible concurrency within
	// it, and both steps already run under processingMu here. They are
	// simply ordered one after the other rather than dispatched onto
	// separate goroutines.
	if historyPending && c.creds.MyAppStateKeyID != "" {
		c.pendingAppStateSync = false
		if err := c.doInitialAppStateSync(ctx); err != nil {
			c.log.Warnf("wacore: initial app-state resync failed: %v", err)
		}
	}

	keyShared := c.processMessage(ctx, msg)

	// Step 6: a key delivered by this very message can retroactively
	// unblock a resync that step 4 deferred, possibly from this message or
	// an earlier one.
	if keyShared && c.pendingAppStateSync {
		c.pendingAppStateSync = false
		if err := c.doInitialAppStateSync(ctx); err != nil {
			c.log.Warnf("wacore: retroactive app-state resync failed: %v", err)
		}
	}
}

// processMessage decrypts and applies protocol-level side effects carried
// by msg. This module does not implement the message-content protobuf
// catalogue (see events.MessageInfo's RawPayload doc comment), so actual
// ciphertext decryption and protocol-message dispatch are left to
// cfg.ExtractAppStateSyncKeyShare and future extraction hooks; today the
// only side effect wired here is picking up a freshly delivered app-state
// sync key and persisting it, returning whether one was found.
func (c *Conn) processMessage(ctx context.Context, msg *events.MessageInfo) bool {
	if c.cfg.ExtractAppStateSyncKeyShare == nil {
		return false
	}
	keyID, keyData, ok := c.cfg.ExtractAppStateSyncKeyShare(msg.RawPayload)
	if !ok {
		return false
	}

	syncKey := appstate.SyncKey{KeyID: keyID, Data: keyData}
	if err := c.ks.Put(ctx, keystore.NamespaceAppStateSyncKey, keyID, syncKey); err != nil {
		c.log.Warnf("wacore: persist app-state sync key %s: %v", keyID, err)
		return false
	}

	c.creds.MyAppStateKeyID = keyID
	c.buf.Emit("creds.update", events.CredsUpdate{Me: c.creds.Me, AppStateKeyID: keyID})
	return true
}

// doInitialAppStateSync runs the one-time full resync spec §4.9 step 5(a)
// describes, bumps accountSyncCounter, and releases the event buffer scope
// handleLoginSuccess opened for receivedPendingNotifications, if any.
func (c *Conn) doInitialAppStateSync(ctx context.Context) error {
	err := appstate.ResyncAppState(ctx, appstate.AllCollections, c.rtr, c.ks, c.appStateKeyGetter(),
		c.cfg.AppStateMacVerification, c.buf, c.genID, c.log.Sub("AppState"))

	c.creds.AccountSyncCounter++
	c.buf.Emit("creds.update", events.CredsUpdate{Me: c.creds.Me})

	if c.bufferedOnPendingNotifications {
		c.bufferedOnPendingNotifications = false
		c.buf.Flush()
	}
	return err
}

// appStateKeyGetter adapts KeyStore.Get into the appstate.KeyGetter shape
// resyncAppState and appPatch need to derive per-collection MAC/cipher keys.
func (c *Conn) appStateKeyGetter() appstate.KeyGetter {
	return func(keyID string) (appstate.SyncKey, error) {
		v, ok, err := c.ks.Get(context.Background(), keystore.NamespaceAppStateSyncKey, keyID)
		if err != nil {
			return appstate.SyncKey{}, err
		}
		if !ok {
			return appstate.SyncKey{}, werror.AppStateError("unknown app-state sync key "+keyID, nil)
		}
		key, ok := v.(appstate.SyncKey)
		if !ok {
			return appstate.SyncKey{}, werror.AppStateError("corrupt app-state sync key "+keyID, nil)
		}
		return key, nil
	}
}
