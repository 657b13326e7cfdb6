package appstate

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// computeValueMAC derives the per-record MAC appended to a SyncdValue's
// blob, over the operation byte, canonical index bytes, payload, and key
// id. This module's own clean-room convention: the retrieved pack
// contains no app-state reference implementation to ground the exact
// byte layout against, so the scheme only needs to be internally
// consistent (patches this module writes must verify under the same
// rule it uses to check patches it reads). See DESIGN.md Open Question 4.
func computeValueMAC(key [32]byte, op Operation, indexBlob, payload []byte, keyID string) []byte {
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte{byte(op)})
	h.Write(indexBlob)
	h.Write(payload)
	h.Write([]byte(keyID))
	return h.Sum(nil)
}

// computeAggregateMAC is the recomputed tag checked against both a
// snapshot's top-level Mac and a patch's SnapshotMAC field, per spec
// §4.8: "a recomputed tag over the sorted valueMac set + version +
// keyId".
func computeAggregateMAC(key [32]byte, valueMACs [][]byte, version uint64, keyID string) []byte {
	sorted := append([][]byte(nil), valueMACs...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	h := hmac.New(sha256.New, key[:])
	for _, mac := range sorted {
		h.Write(mac)
	}
	var verBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], version)
	h.Write(verBuf[:])
	h.Write([]byte(keyID))
	return h.Sum(nil)
}

// encodeIndexBlob packs an index's string components as a repeated-string
// protobuf field (field 1), matching waproto/appstate.go's comment that
// SyncdIndex.Blob is "protobuf-encoded string array".
func encodeIndexBlob(parts []string) []byte {
	var b []byte
	for _, p := range parts {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(p))
	}
	return b
}

// decodeIndexBlob is the inverse of encodeIndexBlob.
func decodeIndexBlob(blob []byte) []string {
	var parts []string
	data := blob
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			break
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			break
		}
		data = data[n:]
		if num == 1 {
			parts = append(parts, string(val))
		}
	}
	return parts
}
