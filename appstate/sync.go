package appstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.stud.dev/wacore/binary"
	"go.stud.dev/wacore/eventbuffer"
	"go.stud.dev/wacore/keystore"
	"go.stud.dev/wacore/router"
	"go.stud.dev/wacore/types"
	"go.stud.dev/wacore/waproto"
	"go.stud.dev/wacore/walog"
	"go.stud.dev/wacore/werror"
)

// encodeStateJSON/decodeStateJSON round-trip an LTHashState through JSON
// as a single string value, since keystore.KeyStore.Get decodes stored
// values through json.Unmarshal into `any` and can't reconstruct a typed
// struct on its own.
func encodeStateJSON(state *LTHashState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeStateJSON(encoded string) (*LTHashState, error) {
	var state LTHashState
	if err := json.Unmarshal([]byte(encoded), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// MaxSyncAttempts bounds the per-collection retry loop in ResyncAppState,
// per spec §4.8 ("retried up to MAX_SYNC_ATTEMPTS=2, then abandoned").
const MaxSyncAttempts = 2

// AllCollections lists every app-state collection this module tracks.
// Names match the public protocol's well-known collection set.
var AllCollections = []string{
	"critical_block",
	"critical_unblock_low",
	"regular_high",
	"regular_low",
	"regular",
}

// loadState reads the persisted LTHashState for name, or a fresh empty
// one if none exists yet (version 0, per spec §4.8's `state.version==0`
// triggering `return_snapshot`).
func loadState(ctx context.Context, ks keystore.KeyStore, name string) (*LTHashState, error) {
	raw, ok, err := ks.Get(ctx, keystore.NamespaceAppStateSyncVersion, name)
	if err != nil {
		return nil, fmt.Errorf("appstate: load state %q: %w", name, err)
	}
	if !ok {
		return NewLTHashState(name), nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("appstate: stored state %q has unexpected shape", name)
	}
	state, err := decodeStateJSON(encoded)
	if err != nil {
		return nil, fmt.Errorf("appstate: decode state %q: %w", name, err)
	}
	state.Name = name
	return state, nil
}

func saveState(ctx context.Context, ks keystore.KeyStore, state *LTHashState) error {
	encoded, err := encodeStateJSON(state)
	if err != nil {
		return fmt.Errorf("appstate: encode state %q: %w", state.Name, err)
	}
	return ks.Put(ctx, keystore.NamespaceAppStateSyncVersion, state.Name, encoded)
}

func discardState(ctx context.Context, ks keystore.KeyStore, name string) error {
	return ks.Delete(ctx, keystore.NamespaceAppStateSyncVersion, name)
}

// buildSyncRequest assembles the `iq set w:sync:app:state` query for the
// given collection states, one `<collection>` child per name.
func buildSyncRequest(states map[string]*LTHashState, idGen func() string) binary.Node {
	collections := make([]binary.Node, 0, len(states))
	for name, state := range states {
		collections = append(collections, binary.Node{
			Tag: "collection",
			Attrs: binary.Attrs{
				"name":            name,
				"version":         strconv.FormatUint(state.Version, 10),
				"return_snapshot": strconv.FormatBool(state.Version == 0),
			},
		})
	}
	return binary.Node{
		Tag: "iq",
		Attrs: binary.Attrs{
			"id":   idGen(),
			"to":   types.ServerJID.String(),
			"type": "set",
			"xmlns": "w:sync:app:state",
		},
		Content: []binary.Node{{Tag: "sync", Content: collections}},
	}
}

type collectionResponse struct {
	name           string
	patches        []*waproto.SyncdPatch
	snapshot       *waproto.SyncdSnapshot
	hasMorePatches bool
}

// parseSyncResponse decodes one reply to buildSyncRequest, per collection.
func parseSyncResponse(reply *binary.Node) (map[string]collectionResponse, error) {
	sync := reply.GetChildByTag("sync")
	if sync.Tag == "" {
		return nil, fmt.Errorf("appstate: sync reply has no <sync> child")
	}
	out := make(map[string]collectionResponse)
	for _, coll := range sync.GetChildrenByTag("collection") {
		coll := coll
		ag := coll.AttrGetter()
		name := ag.String("name")
		if !ag.OK() {
			return nil, fmt.Errorf("appstate: collection reply missing name: %w", ag.Error())
		}
		resp := collectionResponse{name: name, hasMorePatches: coll.Attrs["has_more_patches"] == "true"}

		if snapNode, ok := coll.GetOptionalChildByTag("snapshot"); ok {
			snap, err := waproto.UnmarshalSnapshot(snapNode.ContentBytes())
			if err != nil {
				return nil, werror.AppStateError(fmt.Sprintf("unmarshal snapshot for %q", name), err)
			}
			resp.snapshot = &snap
		}
		if patchesNode, ok := coll.GetOptionalChildByTag("patches"); ok {
			for _, p := range patchesNode.GetChildrenByTag("patch") {
				patch, err := waproto.UnmarshalPatch(p.ContentBytes())
				if err != nil {
					return nil, werror.AppStateError(fmt.Sprintf("unmarshal patch for %q", name), err)
				}
				resp.patches = append(resp.patches, &patch)
			}
		}
		out[name] = resp
	}
	return out, nil
}

// irrecoverable reports whether err should stop retrying a collection
// immediately rather than counting toward MaxSyncAttempts, per spec §4.8:
// "attempts[name] >= 2 or e.statusCode==404 or e is type-error". Only the
// attempt count and a 404 status are checked; no error is classed as a
// type error, so every other failure counts toward MaxSyncAttempts.
func irrecoverable(err error, attempts int) bool {
	if attempts >= MaxSyncAttempts {
		return true
	}
	var werr *werror.Error
	if ok := asWerror(err, &werr); ok {
		if werr.StatusCode() == 404 {
			return true
		}
	}
	return false
}

func asWerror(err error, target **werror.Error) bool {
	for err != nil {
		if e, ok := err.(*werror.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ResyncAppState runs the retry loop from spec §4.8, fetching and
// decoding patches/snapshots for each named collection until every one
// has caught up (hasMorePatches == false) or been abandoned as
// irrecoverable. Decoded mutations are dispatched through buf via
// ProcessSyncAction in wire order within each collection; the order in
// which collections are dispatched is not defined.
func ResyncAppState(ctx context.Context, names []string, rtr *router.Router, ks keystore.KeyStore, getKey KeyGetter, macVerify MacVerification, buf *eventbuffer.Buffer, idGen func() string, log walog.Logger) error {
	if log == nil {
		log = walog.Noop()
	}
	return ks.Transaction(ctx, func(ctx context.Context) error {
		toHandle := make(map[string]bool, len(names))
		for _, n := range names {
			toHandle[n] = true
		}
		attempts := make(map[string]int)
		var allMutations []ChatMutation

		for len(toHandle) > 0 {
			states := make(map[string]*LTHashState, len(toHandle))
			for name := range toHandle {
				state, err := loadState(ctx, ks, name)
				if err != nil {
					return err
				}
				states[name] = state
			}

			req := buildSyncRequest(states, idGen)
			reply, err := rtr.Query(ctx, req, idGen)
			if err != nil {
				return fmt.Errorf("appstate: sync query: %w", err)
			}
			responses, err := parseSyncResponse(reply)
			if err != nil {
				return err
			}

			for name := range toHandle {
				resp, ok := responses[name]
				if !ok {
					continue
				}
				state := states[name]
				mutations, err := applyCollectionResponse(ctx, name, resp, state, ks, getKey, macVerify)
				if err != nil {
					log.Warnf("appstate: collection %q sync failed: %v", name, err)
					if discardErr := discardState(ctx, ks, name); discardErr != nil {
						return discardErr
					}
					attempts[name]++
					if irrecoverable(err, attempts[name]) {
						delete(toHandle, name)
					}
					continue
				}
				allMutations = append(allMutations, mutations...)
				if !resp.hasMorePatches {
					delete(toHandle, name)
				}
			}
		}

		for _, m := range allMutations {
			ProcessSyncAction(buf, m)
		}
		return nil
	})
}

// applyCollectionResponse decodes one collection's snapshot (if present)
// and patches, persisting the resulting state and returning the
// accumulated mutations in wire order.
func applyCollectionResponse(ctx context.Context, name string, resp collectionResponse, state *LTHashState, ks keystore.KeyStore, getKey KeyGetter, macVerify MacVerification) ([]ChatMutation, error) {
	var mutations []ChatMutation

	if resp.snapshot != nil {
		newState, muts, err := DecodeSyncdSnapshot(name, resp.snapshot, getKey, macVerify.Snapshot)
		if err != nil {
			return nil, err
		}
		state = newState
		mutations = append(mutations, muts...)
	}
	if len(resp.patches) > 0 {
		newState, muts, err := DecodePatches(name, resp.patches, state, getKey, macVerify.Patch)
		if err != nil {
			return nil, err
		}
		state = newState
		mutations = append(mutations, muts...)
	}
	if err := saveState(ctx, ks, state); err != nil {
		return nil, err
	}
	return mutations, nil
}

// SendPatch implements appPatch from spec §4.8: resync the collection to
// the server's current version, encode and sign the new patch against the
// resulting state, send it, and persist the post-patch state. When
// emitOwnEvents is set the caller sees the patch's own mutations
// immediately instead of waiting for the next resync round trip.
func SendPatch(ctx context.Context, name string, mutations []ChatMutation, payloads [][]byte, rtr *router.Router, ks keystore.KeyStore, getKey KeyGetter, key SyncKey, macVerify MacVerification, buf *eventbuffer.Buffer, idGen func() string, emitOwnEvents bool, log walog.Logger) error {
	if err := ResyncAppState(ctx, []string{name}, rtr, ks, getKey, macVerify, buf, idGen, log); err != nil {
		return err
	}

	return ks.Transaction(ctx, func(ctx context.Context) error {
		prior, err := loadState(ctx, ks, name)
		if err != nil {
			return err
		}
		patch, newState, err := EncodeSyncdPatch(prior.Version, key, mutations, payloads)
		if err != nil {
			return err
		}
		newState.Name = name

		req := binary.Node{
			Tag: "iq",
			Attrs: binary.Attrs{
				"id":    idGen(),
				"to":    types.ServerJID.String(),
				"type":  "set",
				"xmlns": "w:sync:app:state",
			},
			Content: []binary.Node{{
				Tag:     "sync",
				Content: []binary.Node{{Tag: "collection", Attrs: binary.Attrs{"name": name, "version": strconv.FormatUint(prior.Version, 10)}, Content: waproto.MarshalPatch(*patch)}},
			}},
		}
		if _, err := rtr.Query(ctx, req, idGen); err != nil {
			return fmt.Errorf("appstate: send patch for %q: %w", name, err)
		}

		if err := saveState(ctx, ks, newState); err != nil {
			return err
		}

		if emitOwnEvents {
			_, muts, err := DecodePatches(name, []*waproto.SyncdPatch{patch}, prior, getKey, macVerify.Patch)
			if err != nil {
				return err
			}
			for _, m := range muts {
				ProcessSyncAction(buf, m)
			}
		}
		return nil
	})
}
