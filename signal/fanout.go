package signal

import (
	"context"
	"fmt"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/types"
)

// USync resolves each user JID's device list, consulting cache first and
// only round-tripping to the server for misses, per spec §4.7.
func USync(ctx context.Context, rtr *router.Router, cache *DeviceCache, idGen func() string, users []types.JID) (map[string][]types.JidWithDevice, error) {
	result := make(map[string][]types.JidWithDevice, len(users))
	var misses []types.JID
	for _, u := range users {
		if devices, ok := cache.Get(u.User); ok {
			result[u.User] = devices
			continue
		}
		misses = append(misses, u)
	}
	if len(misses) == 0 {
		return result, nil
	}

	userNodes := make([]binary.Node, len(misses))
	for i, u := range misses {
		userNodes[i] = binary.Node{Tag: "user", Attrs: binary.Attrs{"jid": u.ToNonAD().String()}}
	}
	query := binary.Node{
		Tag:   "iq",
		Attrs: binary.Attrs{"to": types.ServerJID.String(), "type": "get", "xmlns": "usync"},
		Content: []binary.Node{{
			Tag:   "usync",
			Attrs: binary.Attrs{"mode": "query", "context": "message", "sid": idGen()},
			Content: []binary.Node{
				{Tag: "query"},
				{Tag: "list", Content: userNodes},
			},
		}},
	}

	reply, err := rtr.Query(ctx, query, idGen)
	if err != nil {
		return nil, fmt.Errorf("signal: usync query: %w", err)
	}

	parsed := parseUSyncReply(reply)
	for user, devices := range parsed {
		result[user] = devices
		cache.Set(user, devices)
	}
	return result, nil
}

func parseUSyncReply(reply *binary.Node) map[string][]types.JidWithDevice {
	result := make(map[string][]types.JidWithDevice)
	usync := reply.GetChildByTag("usync")
	if usync == nil {
		return result
	}
	list := usync.GetChildByTag("list")
	if list == nil {
		return result
	}
	for _, userNode := range list.GetChildrenByTag("user") {
		jidStr := userNode.Attrs["jid"]
		jid, err := types.ParseJID(jidStr)
		if err != nil {
			continue
		}
		devicesNode := userNode.GetChildByTag("devices")
		if devicesNode == nil {
			continue
		}
		deviceList := devicesNode.GetChildByTag("device-list")
		if deviceList == nil {
			continue
		}
		var devices []types.JidWithDevice
		for _, d := range deviceList.GetChildrenByTag("device") {
			ag := d.AttrGetter()
			deviceID := ag.Uint64("id")
			_, hasKeyIndex := d.Attrs["key-index"]
			if deviceID != 0 && !hasKeyIndex {
				continue
			}
			devices = append(devices, types.JidWithDevice{User: jid.User, Device: uint16(deviceID)})
		}
		result[jid.User] = devices
	}
	return result
}

// RelayOptions configures one outbound relay per spec §4.7.
type RelayOptions struct {
	MessageID   types.MessageID
	Participant *types.JID // set for retry-receipt relays: target only this device
	Edit        string     // "7" (own delete) or "8" (admin delete), empty otherwise

	// GroupParticipants is the member list Relay resolves devices against
	// for a group destination. Ignored for 1-1 destinations and for a
	// participant-scoped retry, where Participant alone determines the
	// target.
	GroupParticipants []types.JID
}

// BuildParticipantNode wraps one per-device ciphertext as a `to{enc}`
// child, the unit the `participants` list is made of.
func BuildParticipantNode(device types.JID, msgType MessageType, ciphertext []byte) binary.Node {
	return binary.Node{
		Tag:   "to",
		Attrs: binary.Attrs{"jid": device.String()},
		Content: []binary.Node{{
			Tag:     "enc",
			Attrs:   binary.Attrs{"v": "2", "type": string(msgType)},
			Content: ciphertext,
		}},
	}
}

// RelayPlan is the result of the per-recipient encryption fan-out: the
// participant nodes to attach, whether any recipient required a pkmsg
// envelope (which forces inclusion of a device-identity child), and, for a
// group destination, the single shared sender-key payload every member
// decrypts.
type RelayPlan struct {
	Participants  []binary.Node
	NeedsIdentity bool
	GroupPayload  *binary.Node
}

// EncryptToDevices runs assertSessions-then-encrypt against every device
// in devices, skipping ones with no bundle and no existing session.
func EncryptToDevices(ctx context.Context, cipher *Cipher, ks keystore.KeyStore, devices []types.JID, bundles map[string]*PreKeyBundle, plaintext []byte) (RelayPlan, error) {
	var plan RelayPlan
	for _, device := range devices {
		key := device.ADString()
		msgType, ciphertext, err := cipher.EncryptForDevice(ctx, ks, key, bundles[key], plaintext)
		if err != nil {
			return RelayPlan{}, fmt.Errorf("signal: encrypt for %s: %w", key, err)
		}
		if msgType == MessageTypePreKey {
			plan.NeedsIdentity = true
		}
		plan.Participants = append(plan.Participants, BuildParticipantNode(device, msgType, ciphertext))
	}
	return plan, nil
}

// BuildGroupPayloadNode assembles the single shared `enc{type=skmsg}`
// stanza every group member decrypts with the distributed sender key.
func BuildGroupPayloadNode(ciphertext []byte) binary.Node {
	return binary.Node{
		Tag:     "enc",
		Attrs:   binary.Attrs{"v": "2", "type": "skmsg"},
		Content: ciphertext,
	}
}

// AssembleMessageStanza builds the outbound `message` node per spec §4.7
// step 4: attrs.id, type=text, optional edit, participants child, and an
// optional device-identity child.
func AssembleMessageStanza(to types.JID, opts RelayOptions, plan RelayPlan, deviceIdentity []byte) binary.Node {
	attrs := binary.Attrs{
		"id":   string(opts.MessageID),
		"type": "text",
		"to":   to.String(),
	}
	if opts.Edit != "" {
		attrs["edit"] = opts.Edit
	}
	if opts.Participant != nil {
		attrs["device_fanout"] = "false"
		attrs["participant"] = opts.Participant.String()
	}

	content := []binary.Node{{Tag: "participants", Content: plan.Participants}}
	if plan.GroupPayload != nil {
		content = append(content, *plan.GroupPayload)
	}
	if plan.NeedsIdentity && len(deviceIdentity) > 0 {
		content = append(content, binary.Node{Tag: "device-identity", Content: deviceIdentity})
	}

	return binary.Node{Tag: "message", Attrs: attrs, Content: content}
}

// RelayDeps bundles the collaborators Relay needs: the router to send and
// query over, the key store sessions/sender-keys/sender-key-memory persist
// to, the cipher bound to this device's identity, the device cache, the
// group sender-key economy, this device's own identity, and the caller
// hook that stands in for the self-device message-rewrap step spec §4.7
// step 3b calls deviceSentMessage{destinationJid, message} — this module
// has no waE2E protobuf catalogue to build that envelope type literally,
// so WrapForSelfDevices is a caller hook instead (the root package fills it
// from Config.PatchMessageBeforeSending).
type RelayDeps struct {
	Router         *router.Router
	KeyStore       keystore.KeyStore
	Cipher         *Cipher
	Devices        *DeviceCache
	SenderKeys     *SenderKeyMemory
	Me             types.JID
	DeviceIdentity []byte
	IDGen          func() string

	WrapForSelfDevices func(plaintext []byte, destination types.JID) []byte
}

// Relay drives spec §4.7's outbound fanout algorithm end to end: resolve
// devices via USync, prefetch missing sessions via AssertSessions, encrypt
// per recipient (per-device for 1-1, sender-key plus pending-device
// distribution for groups), and assemble the outbound message stanza. It
// does not wait for delivery; callers observe outcome via later receipts.
func Relay(ctx context.Context, deps RelayDeps, to types.JID, plaintext []byte, opts RelayOptions) (binary.Node, error) {
	if opts.MessageID == "" {
		opts.MessageID = types.MessageID(deps.IDGen())
	}

	var plan RelayPlan
	var err error
	if to.Server == types.GroupServer {
		plan, err = relayGroup(ctx, deps, to, plaintext, opts)
	} else {
		plan, err = relayOneToOne(ctx, deps, to, plaintext, opts)
	}
	if err != nil {
		return binary.Node{}, err
	}

	var deviceIdentity []byte
	if plan.NeedsIdentity {
		deviceIdentity = deps.DeviceIdentity
	}
	stanza := AssembleMessageStanza(to, opts, plan, deviceIdentity)
	if deps.Router.Send == nil {
		return binary.Node{}, fmt.Errorf("signal: relay has no sender attached")
	}
	if err := deps.Router.Send(stanza); err != nil {
		return binary.Node{}, fmt.Errorf("signal: send relay stanza: %w", err)
	}
	return stanza, nil
}

// relayOneToOne implements the non-group branch of spec §4.7 step 3: a
// participant-scoped retry targets exactly the named device; otherwise
// devices are {me, peer} plus every USync addition, split into meJids
// (wrapped via WrapForSelfDevices, the deviceSentMessage analogue) and
// otherJids.
func relayOneToOne(ctx context.Context, deps RelayDeps, peer types.JID, plaintext []byte, opts RelayOptions) (RelayPlan, error) {
	if opts.Participant != nil {
		device := *opts.Participant
		bundles, _, err := AssertSessions(ctx, deps.Router, deps.KeyStore, deps.IDGen, []types.JID{device}, false)
		if err != nil {
			return RelayPlan{}, err
		}
		devicePlaintext := plaintext
		if device.User == deps.Me.User && deps.WrapForSelfDevices != nil {
			devicePlaintext = deps.WrapForSelfDevices(plaintext, peer)
		}
		return EncryptToDevices(ctx, deps.Cipher, deps.KeyStore, []types.JID{device}, bundles, devicePlaintext)
	}

	resolved, err := USync(ctx, deps.Router, deps.Devices, deps.IDGen, []types.JID{peer.ToNonAD(), deps.Me.ToNonAD()})
	if err != nil {
		return RelayPlan{}, err
	}
	mine, others := splitDevices(resolved, deps.Me, peer.Server)

	all := append(append([]types.JID{}, mine...), others...)
	bundles, _, err := AssertSessions(ctx, deps.Router, deps.KeyStore, deps.IDGen, all, false)
	if err != nil {
		return RelayPlan{}, err
	}

	var plan RelayPlan
	if len(mine) > 0 {
		selfPlaintext := plaintext
		if deps.WrapForSelfDevices != nil {
			selfPlaintext = deps.WrapForSelfDevices(plaintext, peer)
		}
		selfPlan, err := EncryptToDevices(ctx, deps.Cipher, deps.KeyStore, mine, bundles, selfPlaintext)
		if err != nil {
			return RelayPlan{}, err
		}
		plan.Participants = append(plan.Participants, selfPlan.Participants...)
		plan.NeedsIdentity = plan.NeedsIdentity || selfPlan.NeedsIdentity
	}
	if len(others) > 0 {
		otherPlan, err := EncryptToDevices(ctx, deps.Cipher, deps.KeyStore, others, bundles, plaintext)
		if err != nil {
			return RelayPlan{}, err
		}
		plan.Participants = append(plan.Participants, otherPlan.Participants...)
		plan.NeedsIdentity = plan.NeedsIdentity || otherPlan.NeedsIdentity
	}
	return plan, nil
}

// splitDevices partitions a USync result into the sending device's own
// other devices (meJids) and everyone else's (otherJids), per spec §4.7
// step 3's "split by whether the device's user matches me".
func splitDevices(resolved map[string][]types.JidWithDevice, me types.JID, server string) (mine, others []types.JID) {
	for user, devices := range resolved {
		for _, jd := range devices {
			j := jd.ToJID(server)
			if j.Device == me.Device && user == me.User {
				continue // never relay to the sending device itself
			}
			if user == me.User {
				mine = append(mine, j)
			} else {
				others = append(others, j)
			}
		}
	}
	return
}

// relayGroup implements the group branch of spec §4.7 step 3a: resolve the
// member device set via USync, encrypt the payload under the group's
// current sender key, and distribute that key only to the devices the
// sender-key economy (spec §3, §4.7, testable property #6) doesn't already
// know have it. A participant-scoped retry always redistributes to that
// one device regardless of what sender-key memory says, since a retry
// means the peer asked because it couldn't decrypt.
func relayGroup(ctx context.Context, deps RelayDeps, group types.JID, plaintext []byte, opts RelayOptions) (RelayPlan, error) {
	groupKey := group.String()
	if err := hydrateSenderKeyMemory(ctx, deps.KeyStore, deps.SenderKeys, groupKey); err != nil {
		return RelayPlan{}, err
	}

	ciphertext, distribution, err := deps.Cipher.encryptGroupMessage(ctx, deps.KeyStore, groupKey, plaintext)
	if err != nil {
		return RelayPlan{}, err
	}
	payload := BuildGroupPayloadNode(ciphertext)
	plan := RelayPlan{GroupPayload: &payload}

	var targets []types.JID
	if opts.Participant != nil {
		targets = []types.JID{*opts.Participant}
	} else {
		resolved, err := USync(ctx, deps.Router, deps.Devices, deps.IDGen, opts.GroupParticipants)
		if err != nil {
			return RelayPlan{}, err
		}
		for _, devices := range resolved {
			for _, jd := range devices {
				targets = append(targets, jd.ToJID(types.DefaultUserServer))
			}
		}
	}
	if len(targets) == 0 {
		return plan, nil
	}

	deviceKeys := make([]string, len(targets))
	for i, d := range targets {
		deviceKeys[i] = d.ADString()
	}
	pending := deps.SenderKeys.Pending(groupKey, deviceKeys)
	if opts.Participant != nil {
		pending = deviceKeys
	}
	if len(pending) == 0 {
		return plan, nil
	}

	pendingSet := make(map[string]bool, len(pending))
	for _, k := range pending {
		pendingSet[k] = true
	}
	var pendingDevices []types.JID
	for _, d := range targets {
		if pendingSet[d.ADString()] {
			pendingDevices = append(pendingDevices, d)
		}
	}

	bundles, _, err := AssertSessions(ctx, deps.Router, deps.KeyStore, deps.IDGen, pendingDevices, false)
	if err != nil {
		return RelayPlan{}, err
	}
	distPlan, err := EncryptToDevices(ctx, deps.Cipher, deps.KeyStore, pendingDevices, bundles, distribution)
	if err != nil {
		return RelayPlan{}, err
	}
	plan.Participants = distPlan.Participants
	plan.NeedsIdentity = distPlan.NeedsIdentity

	deps.SenderKeys.MarkReceived(groupKey, pending...)
	if err := persistSenderKeyMemory(ctx, deps.KeyStore, deps.SenderKeys, groupKey, deviceKeys); err != nil {
		return RelayPlan{}, err
	}
	return plan, nil
}
