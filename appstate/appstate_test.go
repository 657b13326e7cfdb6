package appstate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/waproto"
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

func fixedKey() (SyncKey, KeyGetter) {
	key := SyncKey{KeyID: "key-1", Data: [32]byte{1, 2, 3, 4}}
	return key, func(keyID string) (SyncKey, error) {
		return key, nil
	}
}

func collectionNode(name string, patch *waproto.SyncdPatch, hasMore bool) binary.Node {
	var content []binary.Node
	if patch != nil {
		content = append(content, binary.Node{Tag: "patches", Content: []binary.Node{
			{Tag: "patch", Content: waproto.MarshalPatch(*patch)},
		}})
	}
	attrs := binary.Attrs{"name": name}
	if hasMore {
		attrs["has_more_patches"] = "true"
	}
	return binary.Node{Tag: "collection", Attrs: attrs, Content: content}
}

// TestDecodePatchesVersionMonotonicity covers testable property #3: the
// LT-hash version advances by exactly len(patches) applied.
func TestDecodePatchesVersionMonotonicity(t *testing.T) {
	key, getKey := fixedKey()
	prior := NewLTHashState("regular")

	mutations := []ChatMutation{{Index: []string{"archive", "123@s.whatsapp.net"}, Operation: OpSet}}
	payloads := [][]byte{[]byte("payload-1")}

	patch1, _, err := EncodeSyncdPatch(prior.Version, key, mutations, payloads)
	if err != nil {
		t.Fatalf("encode patch 1: %v", err)
	}
	state1, _, err := DecodePatches("regular", []*waproto.SyncdPatch{patch1}, prior, getKey, true)
	if err != nil {
		t.Fatalf("decode patch 1: %v", err)
	}
	if state1.Version != 1 {
		t.Fatalf("expected version 1, got %d", state1.Version)
	}

	patch2, _, err := EncodeSyncdPatch(state1.Version, key, mutations, payloads)
	if err != nil {
		t.Fatalf("encode patch 2: %v", err)
	}
	state2, _, err := DecodePatches("regular", []*waproto.SyncdPatch{patch1, patch2}, prior, getKey, true)
	if err != nil {
		t.Fatalf("decode both patches: %v", err)
	}
	if state2.Version != prior.Version+2 {
		t.Fatalf("expected version to advance by len(patches)=2, got %d (prior %d)", state2.Version, prior.Version)
	}
}

// TestResyncAppStateIdempotent covers testable property #4: calling
// resyncAppState twice in succession emits the collection's mutations
// only once; the second call is a no-op once the server reports no
// further patches.
func TestResyncAppStateIdempotent(t *testing.T) {
	key, getKey := fixedKey()
	mutations := []ChatMutation{{Index: []string{"archive", "123@s.whatsapp.net"}, Operation: OpSet}}
	payloads := [][]byte{[]byte("payload-1")}
	patch, _, err := EncodeSyncdPatch(0, key, mutations, payloads)
	if err != nil {
		t.Fatalf("encode patch: %v", err)
	}

	ks := newMemStore()
	served := false
	r := router.New(nil)
	r.Send = func(node binary.Node) error {
		sync := node.GetChildByTag("sync")
		colls := sync.GetChildrenByTag("collection")
		var reply []binary.Node
		for _, c := range colls {
			name := c.Attrs["name"]
			if !served {
				reply = append(reply, collectionNode(name, patch, false))
			} else {
				reply = append(reply, collectionNode(name, nil, false))
			}
		}
		served = true
		go r.Route(&binary.Node{
			Tag:     "iq",
			Attrs:   binary.Attrs{"id": node.Attrs["id"]},
			Content: []binary.Node{{Tag: "sync", Content: reply}},
		})
		return nil
	}

	var events []string
	buf := eventbuffer.New()
	buf.AddHandler(func(name string, payload any) { events = append(events, name) })

	idGen := func() string { return "id1" }
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ResyncAppState(ctx, []string{"regular"}, r, ks, getKey, MacVerification{Patch: true, Snapshot: true}, buf, idGen, nil); err != nil {
		t.Fatalf("first resync: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after first resync, got %d", len(events))
	}

	if err := ResyncAppState(ctx, []string{"regular"}, r, ks, getKey, MacVerification{Patch: true, Snapshot: true}, buf, idGen, nil); err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected second resync to be a no-op, got %d total events", len(events))
	}
}

// TestResyncAppStateAbandonsAfterMaxAttempts covers scenario S6: a
// persistent MAC mismatch is retried up to MaxSyncAttempts then
// abandoned, wiping the corrupt collection state without surfacing an
// error from ResyncAppState itself.
func TestResyncAppStateAbandonsAfterMaxAttempts(t *testing.T) {
	key, getKey := fixedKey()
	mutations := []ChatMutation{{Index: []string{"archive", "123@s.whatsapp.net"}, Operation: OpSet}}
	payloads := [][]byte{[]byte("payload-1")}
	patch, _, err := EncodeSyncdPatch(0, key, mutations, payloads)
	if err != nil {
		t.Fatalf("encode patch: %v", err)
	}
	// tamper the aggregate MAC so every decode fails verification.
	patch.SnapshotMAC[0] ^= 0xff

	ks := newMemStore()
	ks.data[keyNamespaceKey("regular")] = mustEncodeEmptyState(t, "regular")

	var sendCount int32
	r := router.New(nil)
	r.Send = func(node binary.Node) error {
		atomic.AddInt32(&sendCount, 1)
		sync := node.GetChildByTag("sync")
		colls := sync.GetChildrenByTag("collection")
		var reply []binary.Node
		for _, c := range colls {
			reply = append(reply, collectionNode(c.Attrs["name"], patch, false))
		}
		go r.Route(&binary.Node{
			Tag:     "iq",
			Attrs:   binary.Attrs{"id": node.Attrs["id"]},
			Content: []binary.Node{{Tag: "sync", Content: reply}},
		})
		return nil
	}

	buf := eventbuffer.New()
	var events int
	buf.AddHandler(func(name string, payload any) { events++ })

	idGen := func() string { return "id1" }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ResyncAppState(ctx, []string{"regular"}, r, ks, getKey, MacVerification{Patch: true, Snapshot: true}, buf, idGen, nil); err != nil {
		t.Fatalf("resync should absorb the MAC failure, not return an error: %v", err)
	}
	if sendCount != MaxSyncAttempts {
		t.Fatalf("expected %d sync rounds before abandoning, got %d", MaxSyncAttempts, sendCount)
	}
	if events != 0 {
		t.Fatalf("expected no mutations dispatched from a collection that never verified, got %d", events)
	}
	if _, ok := ks.data[keyNamespaceKey("regular")]; ok {
		t.Fatalf("expected corrupt collection state to be discarded")
	}
}

func keyNamespaceKey(name string) string {
	return keystore.NamespaceAppStateSyncVersion + "/" + name
}

func mustEncodeEmptyState(t *testing.T, name string) string {
	t.Helper()
	encoded, err := encodeStateJSON(NewLTHashState(name))
	if err != nil {
		t.Fatalf("encode empty state: %v", err)
	}
	return encoded
}
