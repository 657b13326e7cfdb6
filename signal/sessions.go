package signal

import (
	"context"
	"fmt"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/types"
)

// AssertSessions implements spec §4.6's session prefetch: for every device
// in jids that doesn't already have an established session (or
// unconditionally, if force is set), fetch its bundle over a single
// `iq xmlns=encrypt get` and return it keyed by ADString for the caller to
// encrypt against. The second return reports whether the network was hit
// at all, so callers doing a retry-receipt prefetch can tell a no-op
// (session already established) from an actual fetch.
//
// The reply's wire shape is this module's own clean-room convention (see
// DESIGN.md Open Question 10): spec §4.6 names the fields
// (identity, signedPreKey{id,value,sig}, preKey{id,value}, registrationId)
// but not their node layout, so this module mirrors the id/value encoding
// uploadPreKeys already uses on the way out (3-byte big-endian key ids,
// raw 32-byte values) and wraps one `user` node per requested jid inside a
// `list`, matching parseUSyncReply's own `list` convention.
func AssertSessions(ctx context.Context, rtr *router.Router, ks keystore.KeyStore, idGen func() string, jids []types.JID, force bool) (map[string]*PreKeyBundle, bool, error) {
	var toFetch []types.JID
	if force {
		toFetch = jids
	} else {
		for _, jid := range jids {
			has, err := HasSession(ctx, ks, jid.ADString())
			if err != nil {
				return nil, false, err
			}
			if !has {
				toFetch = append(toFetch, jid)
			}
		}
	}
	if len(toFetch) == 0 {
		return nil, false, nil
	}

	userNodes := make([]binary.Node, len(toFetch))
	for i, jid := range toFetch {
		userNodes[i] = binary.Node{Tag: "user", Attrs: binary.Attrs{"jid": jid.String()}}
	}
	query := binary.Node{
		Tag:     "iq",
		Attrs:   binary.Attrs{"to": types.ServerJID.String(), "type": "get", "xmlns": "encrypt"},
		Content: []binary.Node{{Tag: "key", Content: userNodes}},
	}

	reply, err := rtr.Query(ctx, query, idGen)
	if err != nil {
		return nil, false, fmt.Errorf("signal: assertSessions query: %w", err)
	}

	bundles := make(map[string]*PreKeyBundle, len(toFetch))
	list := reply.GetChildByTag("list")
	for _, userNode := range list.GetChildrenByTag("user") {
		jid, err := types.ParseJID(userNode.Attrs["jid"])
		if err != nil {
			continue
		}
		bundle, ok := parseBundle(&userNode)
		if !ok {
			continue
		}
		bundles[jid.ADString()] = bundle
	}
	return bundles, true, nil
}

func parseBundle(userNode *binary.Node) (*PreKeyBundle, bool) {
	var bundle PreKeyBundle

	identity := userNode.GetChildByTag("identity").ContentBytes()
	if len(identity) != 32 {
		return nil, false
	}
	copy(bundle.Identity[:], identity)

	if reg := userNode.GetChildByTag("registration").ContentBytes(); len(reg) == 4 {
		bundle.RegistrationID = uint32(reg[0])<<24 | uint32(reg[1])<<16 | uint32(reg[2])<<8 | uint32(reg[3])
	}

	skey := userNode.GetChildByTag("skey")
	skeyID := skey.GetChildByTag("id").ContentBytes()
	skeyValue := skey.GetChildByTag("value").ContentBytes()
	skeySig := skey.GetChildByTag("signature").ContentBytes()
	if len(skeyID) != 3 || len(skeyValue) != 32 || len(skeySig) != 64 {
		return nil, false
	}
	bundle.SignedPreKeyID = decode3ByteID(skeyID)
	copy(bundle.SignedPreKeyPub[:], skeyValue)
	copy(bundle.SignedPreKeySig[:], skeySig)

	if keyNode, ok := userNode.GetOptionalChildByTag("key"); ok {
		keyID := keyNode.GetChildByTag("id").ContentBytes()
		keyValue := keyNode.GetChildByTag("value").ContentBytes()
		if len(keyID) == 3 && len(keyValue) == 32 {
			bundle.HasPreKey = true
			bundle.PreKeyID = decode3ByteID(keyID)
			copy(bundle.PreKeyPub[:], keyValue)
		}
	}

	return &bundle, true
}

func decode3ByteID(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
