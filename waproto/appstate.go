package waproto

import "google.golang.org/protobuf/encoding/protowire"

// KeyID identifies the app-state-sync key used to derive MAC/encryption
// keys for a patch or snapshot.
type KeyID struct {
	ID []byte // field 1
}

// SyncdIndex is the canonical index bytes (pre-MAC) identifying a mutation
// target, e.g. ["mute", "<chatjid>"].
type SyncdIndex struct {
	Blob []byte // field 1, protobuf-encoded string array — opaque here
}

// SyncdValue carries the mutation payload plus the blob's own MAC lane.
type SyncdValue struct {
	Blob []byte // field 1: payload || valueMac(32 bytes)
}

// SyncdRecord is one (index, value) pair inside a mutation.
type SyncdRecord struct {
	Index SyncdIndex // field 1
	Value SyncdValue // field 2
	KeyID KeyID      // field 3
}

// SyncdMutation is one additive/removal operation in a patch.
type SyncdMutation struct {
	Operation int32       // field 1: 0=SET, 1=REMOVE
	Record    SyncdRecord // field 2
}

// SyncdPatch is one app-state patch: a batch of mutations, MAC-protected.
type SyncdPatch struct {
	Version      uint64          // field 1
	Mutations    []SyncdMutation // field 2
	SnapshotMAC  []byte          // field 3
	KeyID        KeyID           // field 4
}

// SyncdSnapshot is a full collection snapshot.
type SyncdSnapshot struct {
	Version uint64        // field 1
	Records []SyncdRecord // field 2
	Mac     []byte        // field 3
	KeyID   KeyID         // field 4
}

func marshalKeyID(b []byte, k KeyID) []byte {
	if len(k.ID) == 0 {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, k.ID)
}

func unmarshalKeyID(data []byte) (KeyID, error) {
	var k KeyID
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return k, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return k, protowire.ParseError(n)
		}
		data = data[n:]
		if num == 1 {
			k.ID = val
		}
	}
	return k, nil
}

func marshalRecord(r SyncdRecord) []byte {
	var b []byte
	if len(r.Index.Blob) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Index.Blob)
	}
	if len(r.Value.Blob) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value.Blob)
	}
	keyBytes := marshalKeyID(nil, r.KeyID)
	if len(keyBytes) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, keyBytes)
	}
	return b
}

func unmarshalRecord(data []byte) (SyncdRecord, error) {
	var r SyncdRecord
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			r.Index.Blob = val
		case 2:
			r.Value.Blob = val
		case 3:
			kid, err := unmarshalKeyID(val)
			if err != nil {
				return r, err
			}
			r.KeyID = kid
		}
	}
	return r, nil
}

// MarshalMutation and UnmarshalMutation encode a single mutation, used by
// appstate when constructing a patch to send (encodeSyncdPatch).
func MarshalMutation(m SyncdMutation) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Operation))
	rec := marshalRecord(m.Record)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, rec)
	return b
}

func UnmarshalMutation(data []byte) (SyncdMutation, error) {
	var m SyncdMutation
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			data = data[n:]
			if num == 1 {
				m.Operation = int32(v)
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			data = data[n:]
			if num == 2 {
				rec, err := unmarshalRecord(val)
				if err != nil {
					return m, err
				}
				m.Record = rec
			}
		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return m, protowire.ParseError(skip)
			}
			data = data[skip:]
		}
	}
	return m, nil
}

// MarshalPatch encodes a full SyncdPatch.
func MarshalPatch(p SyncdPatch) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Version)
	for _, mut := range p.Mutations {
		nested := MarshalMutation(mut)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	if len(p.SnapshotMAC) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p.SnapshotMAC)
	}
	keyBytes := marshalKeyID(nil, p.KeyID)
	if len(keyBytes) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, keyBytes)
	}
	return b
}

// UnmarshalPatch decodes a SyncdPatch.
func UnmarshalPatch(data []byte) (SyncdPatch, error) {
	var p SyncdPatch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
			if num == 1 {
				p.Version = v
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 2:
				mut, err := UnmarshalMutation(val)
				if err != nil {
					return p, err
				}
				p.Mutations = append(p.Mutations, mut)
			case 3:
				p.SnapshotMAC = val
			case 4:
				kid, err := unmarshalKeyID(val)
				if err != nil {
					return p, err
				}
				p.KeyID = kid
			}
		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return p, protowire.ParseError(skip)
			}
			data = data[skip:]
		}
	}
	return p, nil
}

// MarshalSnapshot / UnmarshalSnapshot mirror Patch for the full-state case.
func MarshalSnapshot(s SyncdSnapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Version)
	for _, rec := range s.Records {
		nested := marshalRecord(rec)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	if len(s.Mac) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Mac)
	}
	keyBytes := marshalKeyID(nil, s.KeyID)
	if len(keyBytes) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, keyBytes)
	}
	return b
}

func UnmarshalSnapshot(data []byte) (SyncdSnapshot, error) {
	var s SyncdSnapshot
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, protowire.ParseError(n)
			}
			data = data[n:]
			if num == 1 {
				s.Version = v
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return s, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 2:
				rec, err := unmarshalRecord(val)
				if err != nil {
					return s, err
				}
				s.Records = append(s.Records, rec)
			case 3:
				s.Mac = val
			case 4:
				kid, err := unmarshalKeyID(val)
				if err != nil {
					return s, err
				}
				s.KeyID = kid
			}
		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return s, protowire.ParseError(skip)
			}
			data = data[skip:]
		}
	}
	return s, nil
}
