package waproto

import "google.golang.org/protobuf/encoding/protowire"

// ClientPayload is sent inside the encrypted ClientFinish message. When the
// connection has no `me` yet it carries registration fields (identity +
// signed pre-key + registration id); once paired it carries the login
// fields (clientId/serverToken/clientToken), per spec §4.2.
type ClientPayload struct {
	RegistrationID   uint32 // field 1
	IdentityKey      []byte // field 2 (registration only)
	SignedPreKeyID   uint32 // field 3 (registration only)
	SignedPreKeyPub  []byte // field 4 (registration only)
	SignedPreKeySig  []byte // field 5 (registration only)
	ClientID         []byte // field 6 (login only)
	ServerToken      []byte // field 7 (login only)
	ClientToken      []byte // field 8 (login only)
	IsLogin          bool   // field 9
	Platform         string // field 10
	Pushname         string // field 11
}

func (m *ClientPayload) Marshal() ([]byte, error) {
	var b []byte
	if m.RegistrationID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	}
	if len(m.IdentityKey) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.IdentityKey)
	}
	if m.SignedPreKeyID != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	}
	if len(m.SignedPreKeyPub) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SignedPreKeyPub)
	}
	if len(m.SignedPreKeySig) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SignedPreKeySig)
	}
	if len(m.ClientID) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ClientID)
	}
	if len(m.ServerToken) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ServerToken)
	}
	if len(m.ClientToken) > 0 {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ClientToken)
	}
	if m.IsLogin {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Platform != "" {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(m.Platform))
	}
	if m.Pushname != "" {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(m.Pushname))
	}
	return b, nil
}

func UnmarshalClientPayload(data []byte) (*ClientPayload, error) {
	m := &ClientPayload{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 1:
				m.RegistrationID = uint32(v)
			case 3:
				m.SignedPreKeyID = uint32(v)
			case 9:
				m.IsLogin = v != 0
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 2:
				m.IdentityKey = val
			case 4:
				m.SignedPreKeyPub = val
			case 5:
				m.SignedPreKeySig = val
			case 6:
				m.ClientID = val
			case 7:
				m.ServerToken = val
			case 8:
				m.ClientToken = val
			case 10:
				m.Platform = string(val)
			case 11:
				m.Pushname = string(val)
			}
		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return nil, protowire.ParseError(skip)
			}
			data = data[skip:]
		}
	}
	return m, nil
}
