package wacore

import (
	"context"
	"testing"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/events"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/types"
)

type memStore struct {
	data map[string]any
}

func newMemStore() *memStore { return &memStore{data: make(map[string]any)} }

func (m *memStore) Get(_ context.Context, ns, key string) (any, bool, error) {
	v, ok := m.data[ns+"/"+key]
	return v, ok, nil
}
func (m *memStore) Put(_ context.Context, ns, key string, value any) error {
	m.data[ns+"/"+key] = value
	return nil
}
func (m *memStore) Delete(_ context.Context, ns, key string) error {
	delete(m.data, ns+"/"+key)
	return nil
}
func (m *memStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestConn() (*Conn, *memStore, *eventbuffer.Buffer, []string) {
	cfg := DefaultConfig()
	ks := newMemStore()
	me := types.JID{User: "1", Device: 0, Server: "s.whatsapp.net"}
	creds := &keystore.Creds{Me: &me}
	buf := eventbuffer.New()

	var names []string
	buf.AddHandler(func(name string, payload any) { names = append(names, name) })

	c := NewConn(cfg, ks, creds, buf, nil, nil, nil, nil)
	return c, ks, buf, names
}

// TestUpsertMessagePushNameRouting covers spec §4.9 step 2: a push name
// from someone else updates their contact; a push name change from self
// updates creds instead.
func TestUpsertMessagePushNameRouting(t *testing.T) {
	c, _, buf, _ := newTestConn()

	var seen []string
	buf.AddHandler(func(name string, payload any) { seen = append(seen, name) })

	other := types.JID{User: "2", Device: 0, Server: "s.whatsapp.net"}
	c.upsertMessage(context.Background(), &events.MessageInfo{
		ID:       "m1",
		Chat:     other,
		Sender:   other,
		IsFromMe: false,
		PushName: "Alice",
	}, "notify")

	foundUpsert, foundContacts := false, false
	for _, n := range seen {
		if n == "messages.upsert" {
			foundUpsert = true
		}
		if n == "contacts.update" {
			foundContacts = true
		}
	}
	if !foundUpsert || !foundContacts {
		t.Fatalf("expected messages.upsert and contacts.update, got %v", seen)
	}

	seen = nil
	c.upsertMessage(context.Background(), &events.MessageInfo{
		ID:       "m2",
		Chat:     *c.creds.Me,
		Sender:   *c.creds.Me,
		IsFromMe: true,
		PushName: "My Name",
	}, "notify")

	foundCreds := false
	for _, n := range seen {
		if n == "creds.update" {
			foundCreds = true
		}
	}
	if !foundCreds {
		t.Fatalf("expected creds.update on self push-name change, got %v", seen)
	}
	if c.creds.PushName != "My Name" {
		t.Fatalf("expected creds.PushName to be updated, got %q", c.creds.PushName)
	}

	// A repeat of the same name must not fire a second creds.update.
	seen = nil
	c.upsertMessage(context.Background(), &events.MessageInfo{
		ID:       "m3",
		Chat:     *c.creds.Me,
		Sender:   *c.creds.Me,
		IsFromMe: true,
		PushName: "My Name",
	}, "notify")
	for _, n := range seen {
		if n == "creds.update" {
			t.Fatalf("expected no creds.update for an unchanged push name, got %v", seen)
		}
	}
}

// TestUpsertMessageDefersUntilKeyShareThenResyncs covers spec §4.9 steps
// 3-6: a history message with no known app-state key defers, and a later
// message (or the same one) carrying the key retroactively triggers the
// resync once the key is available.
func TestUpsertMessageDefersUntilKeyShareThenResyncs(t *testing.T) {
	c, _, buf, _ := newTestConn()

	c.cfg.ExtractHistorySync = func(raw []byte) (int32, bool) {
		return 0, string(raw) == "history"
	}
	c.cfg.ExtractAppStateSyncKeyShare = func(raw []byte) (string, [32]byte, bool) {
		if string(raw) != "history" {
			return "", [32]byte{}, false
		}
		return "key-1", [32]byte{9, 9, 9}, true
	}

	var resyncRequests int
	c.rtr.Send = func(node binary.Node) error {
		resyncRequests++
		sync := node.GetChildByTag("sync")
		colls := sync.GetChildrenByTag("collection")
		var reply []binary.Node
		for _, coll := range colls {
			reply = append(reply, binary.Node{Tag: "collection", Attrs: binary.Attrs{"name": coll.Attrs["name"]}})
		}
		go c.rtr.Route(&binary.Node{
			Tag:     "iq",
			Attrs:   binary.Attrs{"id": node.Attrs["id"]},
			Content: []binary.Node{{Tag: "sync", Content: reply}},
		})
		return nil
	}

	other := types.JID{User: "2", Device: 0, Server: "s.whatsapp.net"}
	c.upsertMessage(context.Background(), &events.MessageInfo{
		ID:         "m1",
		Chat:       other,
		Sender:     other,
		RawPayload: []byte("history"),
	}, "notify")

	if !c.creds.IsRegistered() {
		t.Fatal("expected test creds to report registered (sanity check)")
	}
	if c.creds.MyAppStateKeyID != "key-1" {
		t.Fatalf("expected app-state key to be adopted from the share, got %q", c.creds.MyAppStateKeyID)
	}
	if c.pendingAppStateSync {
		t.Fatal("expected pendingAppStateSync to clear once the retroactive resync ran")
	}
	if resyncRequests == 0 {
		t.Fatal("expected the key share to trigger a resync request")
	}
}
