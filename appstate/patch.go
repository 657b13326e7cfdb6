package appstate

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"

	"go.stud.dev/wacore/waproto"
	"go.stud.dev/wacore/werror"
)

// MacVerification independently toggles MAC checking for patches and
// snapshots, per spec §6's `appStateMacVerification = {patch, snapshot}`
// and DESIGN.md Open Question 1 (the two flags do not interact).
type MacVerification struct {
	Patch    bool
	Snapshot bool
}

// LTHashState is the per-collection accumulator state from spec §3.
type LTHashState struct {
	Name          string
	Version       uint64
	Hash          LTHash
	IndexValueMap map[string][]byte // indexMac (as a string key) -> live valueMac
}

// NewLTHashState returns a fresh, empty state for name at version 0.
func NewLTHashState(name string) *LTHashState {
	return &LTHashState{Name: name, IndexValueMap: make(map[string][]byte)}
}

func (s *LTHashState) valueMACs() [][]byte {
	macs := make([][]byte, 0, len(s.IndexValueMap))
	for _, v := range s.IndexValueMap {
		macs = append(macs, v)
	}
	return macs
}

func splitValueBlob(blob []byte) (payload, mac []byte, ok bool) {
	if len(blob) < 32 {
		return nil, nil, false
	}
	split := len(blob) - 32
	return blob[:split], blob[split:], true
}

// DecodeSyncdSnapshot applies a full snapshot to a fresh state, per spec
// §4.8's decodeSyncdSnapshot. getKey resolves the snapshot's key id to
// the key material used to verify and derive MACs.
func DecodeSyncdSnapshot(name string, snap *waproto.SyncdSnapshot, getKey KeyGetter, verifyMAC bool) (*LTHashState, []ChatMutation, error) {
	keyID := string(snap.KeyID.ID)
	key, err := getKey(keyID)
	if err != nil {
		return nil, nil, werror.AppStateError(fmt.Sprintf("resolve app-state key %q", keyID), err)
	}
	dk := deriveKeys(key)

	state := NewLTHashState(name)
	state.Version = snap.Version

	mutations := make([]ChatMutation, 0, len(snap.Records))
	for _, rec := range snap.Records {
		payload, mac, ok := splitValueBlob(rec.Value.Blob)
		if !ok {
			return nil, nil, werror.AppStateError("record value blob too short", nil)
		}
		if verifyMAC {
			expected := computeValueMAC(dk.valueKey, OpSet, rec.Index.Blob, payload, keyID)
			if !hmac.Equal(expected, mac) {
				return nil, nil, werror.AppStateError("snapshot record MAC mismatch", nil)
			}
		}
		indexMAC := string(hmacIndex(dk.indexKey, rec.Index.Blob))
		state.Hash.Add(mac)
		state.IndexValueMap[indexMAC] = mac
		mutations = append(mutations, ChatMutation{Index: decodeIndexBlob(rec.Index.Blob), Operation: OpSet})
	}

	if verifyMAC {
		computed := computeAggregateMAC(dk.snapshotKey, state.valueMACs(), state.Version, keyID)
		if !hmac.Equal(computed, snap.Mac) {
			return nil, nil, werror.AppStateError("snapshot top-level MAC mismatch", nil)
		}
	}

	return state, mutations, nil
}

// DecodePatches applies a run of patches on top of prior, per spec §4.8's
// decodePatches: each patch's record MACs are verified, the LT-hash is
// updated additively, version advances by len(patches) (testable property
// #3), and each patch's own aggregate MAC is checked against the
// resulting state before it's accepted.
func DecodePatches(name string, patches []*waproto.SyncdPatch, prior *LTHashState, getKey KeyGetter, verifyMAC bool) (*LTHashState, []ChatMutation, error) {
	state := &LTHashState{
		Name:          name,
		Version:       prior.Version,
		Hash:          prior.Hash,
		IndexValueMap: copyIndexMap(prior.IndexValueMap),
	}

	var allMutations []ChatMutation
	for _, patch := range patches {
		keyID := string(patch.KeyID.ID)
		key, err := getKey(keyID)
		if err != nil {
			return nil, nil, werror.AppStateError(fmt.Sprintf("resolve app-state key %q", keyID), err)
		}
		dk := deriveKeys(key)

		for _, mut := range patch.Mutations {
			op := Operation(mut.Operation)
			rec := mut.Record
			payload, mac, ok := splitValueBlob(rec.Value.Blob)
			if !ok {
				return nil, nil, werror.AppStateError("patch record value blob too short", nil)
			}
			if verifyMAC {
				expected := computeValueMAC(dk.valueKey, op, rec.Index.Blob, payload, keyID)
				if !hmac.Equal(expected, mac) {
					return nil, nil, werror.AppStateError("patch record MAC mismatch", nil)
				}
			}
			indexMAC := string(hmacIndex(dk.indexKey, rec.Index.Blob))
			if old, existed := state.IndexValueMap[indexMAC]; existed {
				state.Hash.Subtract(old)
				delete(state.IndexValueMap, indexMAC)
			}
			if op == OpSet {
				state.Hash.Add(mac)
				state.IndexValueMap[indexMAC] = mac
			}
			allMutations = append(allMutations, ChatMutation{Index: decodeIndexBlob(rec.Index.Blob), Operation: op})
		}

		state.Version++

		if verifyMAC {
			computed := computeAggregateMAC(dk.snapshotKey, state.valueMACs(), state.Version, keyID)
			if !hmac.Equal(computed, patch.SnapshotMAC) {
				return nil, nil, werror.AppStateError("patch aggregate MAC mismatch", nil)
			}
		}
	}

	return state, allMutations, nil
}

func copyIndexMap(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// hmacIndex derives the canonical index-MAC used as the indexValueMap
// key, independent from the value MAC so index collisions across
// collections can't alias. The MAC is hex-encoded so the map key is valid
// UTF-8 and survives the JSON round-trip in encodeStateJSON/decodeStateJSON.
func hmacIndex(indexKey [32]byte, indexBlob []byte) []byte {
	return []byte(hex.EncodeToString(computeValueMAC(indexKey, OpSet, []byte("index"), indexBlob, "")))
}

// EncodeSyncdPatch builds a patch this module can send via appPatch,
// signing each record with the collection key and updating a
// caller-owned preview of the resulting LT-hash so chatModify can report
// the new state before the round trip completes (spec §4.8 step 3).
func EncodeSyncdPatch(priorVersion uint64, key SyncKey, mutations []ChatMutation, payloads [][]byte) (*waproto.SyncdPatch, *LTHashState, error) {
	if len(mutations) != len(payloads) {
		return nil, nil, fmt.Errorf("appstate: mutations/payloads length mismatch")
	}
	dk := deriveKeys(key)
	keyIDBytes := []byte(key.KeyID)

	state := NewLTHashState("")
	state.Version = priorVersion + 1

	patch := &waproto.SyncdPatch{Version: state.Version, KeyID: waproto.KeyID{ID: keyIDBytes}}
	for i, m := range mutations {
		indexBlob := encodeIndexBlob(m.Index)
		mac := computeValueMAC(dk.valueKey, m.Operation, indexBlob, payloads[i], key.KeyID)
		value := append(append([]byte{}, payloads[i]...), mac...)

		patch.Mutations = append(patch.Mutations, waproto.SyncdMutation{
			Operation: int32(m.Operation),
			Record: waproto.SyncdRecord{
				Index: waproto.SyncdIndex{Blob: indexBlob},
				Value: waproto.SyncdValue{Blob: value},
				KeyID: waproto.KeyID{ID: keyIDBytes},
			},
		})

		indexMAC := string(hmacIndex(dk.indexKey, indexBlob))
		if m.Operation == OpSet {
			state.Hash.Add(mac)
			state.IndexValueMap[indexMAC] = mac
		}
	}
	patch.SnapshotMAC = computeAggregateMAC(dk.snapshotKey, state.valueMACs(), state.Version, key.KeyID)

	return patch, state, nil
}
