package signal

import (
	"context"
	"fmt"
	"testing"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/types"
)

type fakeBundle struct {
	identity  *keys.KeyPair
	signedKey *keys.KeyPair
	sig       *[64]byte
}

func newFakeBundle() fakeBundle {
	identity := keys.NewKeyPair()
	signedKey := keys.NewKeyPair()
	return fakeBundle{identity: identity, signedKey: signedKey, sig: identity.Sign(signedKey)}
}

func bundleUserNode(jid string, b fakeBundle) binary.Node {
	return binary.Node{Tag: "user", Attrs: binary.Attrs{"jid": jid}, Content: []binary.Node{
		{Tag: "identity", Content: append([]byte{}, b.identity.Pub[:]...)},
		{Tag: "registration", Content: []byte{0, 0, 0, 1}},
		{Tag: "skey", Content: []binary.Node{
			{Tag: "id", Content: []byte{0, 0, 1}},
			{Tag: "value", Content: append([]byte{}, b.signedKey.Pub[:]...)},
			{Tag: "signature", Content: append([]byte{}, b.sig[:]...)},
		}},
	}}
}

// fakeRelayServer answers the usync and assertSessions queries Relay issues
// against a fixed device/bundle fixture, and records the final message
// stanza Relay sends.
type fakeRelayServer struct {
	rtr     *router.Router
	devices map[string][]uint16 // user -> device ids (0 needs no key-index)
	bundles map[string]fakeBundle
	sent    []binary.Node
	seq     int
}

func newFakeRelayServer() *fakeRelayServer {
	s := &fakeRelayServer{
		rtr:     router.New(nil),
		devices: make(map[string][]uint16),
		bundles: make(map[string]fakeBundle),
	}
	s.rtr.Send = s.handleSend
	return s
}

func (s *fakeRelayServer) idGen() string {
	s.seq++
	return fmt.Sprintf("id-%d", s.seq)
}

func (s *fakeRelayServer) handleSend(node binary.Node) error {
	switch {
	case node.Tag == "message":
		s.sent = append(s.sent, node)
	case node.Attrs["xmlns"] == "usync":
		reply := s.usyncReply(&node)
		go s.rtr.Route(&reply)
	case node.Attrs["xmlns"] == "encrypt" && node.Attrs["type"] == "get":
		reply := s.assertSessionsReply(&node)
		go s.rtr.Route(&reply)
	}
	return nil
}

func (s *fakeRelayServer) usyncReply(query *binary.Node) binary.Node {
	list := query.GetChildByTag("usync").GetChildByTag("list")
	var userNodes []binary.Node
	for _, u := range list.GetChildrenByTag("user") {
		jid, _ := types.ParseJID(u.Attrs["jid"])
		var deviceNodes []binary.Node
		for _, d := range s.devices[jid.User] {
			attrs := binary.Attrs{"id": fmt.Sprintf("%d", d)}
			if d != 0 {
				attrs["key-index"] = "1"
			}
			deviceNodes = append(deviceNodes, binary.Node{Tag: "device", Attrs: attrs})
		}
		userNodes = append(userNodes, binary.Node{
			Tag:   "user",
			Attrs: binary.Attrs{"jid": jid.User + "@" + jid.Server},
			Content: []binary.Node{{
				Tag:     "devices",
				Content: []binary.Node{{Tag: "device-list", Content: deviceNodes}},
			}},
		})
	}
	return binary.Node{
		Tag:     "iq",
		Attrs:   binary.Attrs{"id": query.Attrs["id"]},
		Content: []binary.Node{{Tag: "usync", Content: []binary.Node{{Tag: "list", Content: userNodes}}}},
	}
}

func (s *fakeRelayServer) assertSessionsReply(query *binary.Node) binary.Node {
	key := query.GetChildByTag("key")
	var userNodes []binary.Node
	for _, u := range key.GetChildrenByTag("user") {
		jidStr := u.Attrs["jid"]
		jid, _ := types.ParseJID(jidStr)
		b, ok := s.bundles[jid.ADString()]
		if !ok {
			continue
		}
		userNodes = append(userNodes, bundleUserNode(jidStr, b))
	}
	return binary.Node{
		Tag:     "iq",
		Attrs:   binary.Attrs{"id": query.Attrs["id"]},
		Content: []binary.Node{{Tag: "list", Content: userNodes}},
	}
}

// TestRelayOneToOneSplitsSelfAndOtherDevices covers testable property #5 and
// the builders -> C8 -> C7 -> C1 -> C2 data flow the relay driver was
// previously missing: USync resolves both the sender's other device and the
// peer's devices, AssertSessions establishes sessions with all of them, the
// self device gets the WrapForSelfDevices rewrite, and the assembled stanza
// carries one participant per device plus a device-identity child because
// every session was brand new (pkmsg).
func TestRelayOneToOneSplitsSelfAndOtherDevices(t *testing.T) {
	s := newFakeRelayServer()
	s.devices["alice"] = []uint16{0, 1}
	s.devices["bob"] = []uint16{0, 1}
	s.bundles["alice.1"] = newFakeBundle()
	s.bundles["bob.0"] = newFakeBundle()
	s.bundles["bob.1"] = newFakeBundle()

	var selfWrapCalls int
	deps := RelayDeps{
		Router:         s.rtr,
		KeyStore:       newMemStore(),
		Cipher:         NewCipher(keys.NewKeyPair()),
		Devices:        NewDeviceCache(),
		SenderKeys:     NewSenderKeyMemory(),
		Me:             types.JID{User: "alice", Server: types.DefaultUserServer},
		DeviceIdentity: []byte("device-identity-bytes"),
		IDGen:          s.idGen,
		WrapForSelfDevices: func(raw []byte, destination types.JID) []byte {
			selfWrapCalls++
			return append([]byte("self:"), raw...)
		},
	}

	to := types.JID{User: "bob", Server: types.DefaultUserServer}
	stanza, err := Relay(context.Background(), deps, to, []byte("hello"), RelayOptions{MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if stanza.Tag != "message" || stanza.Attrs["id"] != "msg-1" {
		t.Fatalf("unexpected stanza: %+v", stanza)
	}
	if selfWrapCalls != 1 {
		t.Fatalf("expected WrapForSelfDevices to run once for alice's other device, got %d calls", selfWrapCalls)
	}

	participants := stanza.GetChildByTag("participants").GetChildrenByTag("to")
	if len(participants) != 3 {
		t.Fatalf("expected 3 participant devices (alice.1, bob.0, bob.1), got %d", len(participants))
	}
	if _, ok := stanza.GetOptionalChildByTag("device-identity"); !ok {
		t.Fatal("expected device-identity child since every session was freshly established (pkmsg)")
	}
	if len(s.sent) != 1 {
		t.Fatalf("expected exactly one message stanza sent, got %d", len(s.sent))
	}
}

// TestRelayGroupDistributesSenderKeyOnlyToPendingDevices covers testable
// property #6 wired end to end through the relay driver: the first send
// distributes the sender key to every member device, a second send to the
// same device set redistributes nothing, and a fresh SenderKeyMemory backed
// by the same KeyStore (simulating a process restart) still redistributes
// nothing because the economy is persisted, not just in-process.
func TestRelayGroupDistributesSenderKeyOnlyToPendingDevices(t *testing.T) {
	s := newFakeRelayServer()
	s.devices["carol"] = []uint16{0}
	s.devices["dave"] = []uint16{0}
	s.bundles["carol.0"] = newFakeBundle()
	s.bundles["dave.0"] = newFakeBundle()

	group := types.JID{User: "120363demo", Server: types.GroupServer}
	participants := []types.JID{
		{User: "carol", Server: types.DefaultUserServer},
		{User: "dave", Server: types.DefaultUserServer},
	}

	ks := newMemStore()
	cipher := NewCipher(keys.NewKeyPair())

	deps := RelayDeps{
		Router:     s.rtr,
		KeyStore:   ks,
		Cipher:     cipher,
		Devices:    NewDeviceCache(),
		SenderKeys: NewSenderKeyMemory(),
		Me:         types.JID{User: "alice", Server: types.DefaultUserServer},
		IDGen:      s.idGen,
	}

	stanza1, err := Relay(context.Background(), deps, group, []byte("group hello"), RelayOptions{
		MessageID:         "g-1",
		GroupParticipants: participants,
	})
	if err != nil {
		t.Fatalf("first group relay: %v", err)
	}
	if _, ok := stanza1.GetOptionalChildByTag("enc"); !ok {
		t.Fatal("expected a group payload enc child on the first send")
	}
	firstDistribution := stanza1.GetChildByTag("participants").GetChildrenByTag("to")
	if len(firstDistribution) != 2 {
		t.Fatalf("expected the key distributed to both member devices on first send, got %d", len(firstDistribution))
	}

	stanza2, err := Relay(context.Background(), deps, group, []byte("group hello again"), RelayOptions{
		MessageID:         "g-2",
		GroupParticipants: participants,
	})
	if err != nil {
		t.Fatalf("second group relay: %v", err)
	}
	secondDistribution := stanza2.GetChildByTag("participants").GetChildrenByTag("to")
	if len(secondDistribution) != 0 {
		t.Fatalf("expected no redistribution on second send to the same devices, got %d", len(secondDistribution))
	}

	// Simulate a restart: fresh in-process SenderKeyMemory, same KeyStore.
	restartDeps := deps
	restartDeps.SenderKeys = NewSenderKeyMemory()
	stanza3, err := Relay(context.Background(), restartDeps, group, []byte("after restart"), RelayOptions{
		MessageID:         "g-3",
		GroupParticipants: participants,
	})
	if err != nil {
		t.Fatalf("post-restart group relay: %v", err)
	}
	thirdDistribution := stanza3.GetChildByTag("participants").GetChildrenByTag("to")
	if len(thirdDistribution) != 0 {
		t.Fatalf("expected persisted sender-key memory to survive a fresh SenderKeyMemory, got %d redistributed", len(thirdDistribution))
	}
}

// TestRelayRetryReceiptTargetsOnlyNamedParticipant covers spec §4.7's
// "Retry receipts": a participant-scoped relay must recompute ciphertext
// for exactly one device, ignore the rest of the destination's devices, and
// set device_fanout=false.
func TestRelayRetryReceiptTargetsOnlyNamedParticipant(t *testing.T) {
	s := newFakeRelayServer()
	s.devices["bob"] = []uint16{0, 1}
	s.bundles["bob.1"] = newFakeBundle()

	deps := RelayDeps{
		Router:     s.rtr,
		KeyStore:   newMemStore(),
		Cipher:     NewCipher(keys.NewKeyPair()),
		Devices:    NewDeviceCache(),
		SenderKeys: NewSenderKeyMemory(),
		Me:         types.JID{User: "alice", Server: types.DefaultUserServer},
		IDGen:      s.idGen,
	}

	to := types.JID{User: "bob", Server: types.DefaultUserServer}
	participant := types.JID{User: "bob", Device: 1, Server: types.DefaultUserServer}
	stanza, err := Relay(context.Background(), deps, to, []byte("retry payload"), RelayOptions{
		MessageID:   "m-retry",
		Participant: &participant,
	})
	if err != nil {
		t.Fatalf("retry relay: %v", err)
	}
	if stanza.Attrs["device_fanout"] != "false" {
		t.Fatalf("expected device_fanout=false on a participant-scoped retry, got %q", stanza.Attrs["device_fanout"])
	}
	if stanza.Attrs["participant"] != participant.String() {
		t.Fatalf("expected participant attr %q, got %q", participant.String(), stanza.Attrs["participant"])
	}
	toNodes := stanza.GetChildByTag("participants").GetChildrenByTag("to")
	if len(toNodes) != 1 {
		t.Fatalf("expected exactly one targeted device on a retry, got %d", len(toNodes))
	}
}
