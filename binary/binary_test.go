package binary

import (
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, n Node) Node {
	t.Helper()
	data, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}

func TestRoundTripSimple(t *testing.T) {
	n := Node{Tag: "iq", Attrs: Attrs{"id": "abc123", "type": "get", "xmlns": "w:p"}}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, n)
	}
}

func TestRoundTripBinaryContent(t *testing.T) {
	n := Node{Tag: "enc", Attrs: Attrs{"type": "msg", "v": "2"}, Content: []byte{0x01, 0x02, 0xff, 0x00, 0xAB}}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, n)
	}
}

func TestRoundTripNestedChildren(t *testing.T) {
	n := Node{
		Tag:   "message",
		Attrs: Attrs{"id": "m1", "to": "1234@s.whatsapp.net"},
		Content: []Node{
			{Tag: "participants", Content: []Node{
				{Tag: "to", Attrs: Attrs{"jid": "1234:1@s.whatsapp.net"}, Content: []Node{
					{Tag: "enc", Attrs: Attrs{"type": "pkmsg"}, Content: []byte("ciphertext-1")},
				}},
				{Tag: "to", Attrs: Attrs{"jid": "1234:2@s.whatsapp.net"}, Content: []Node{
					{Tag: "enc", Attrs: Attrs{"type": "msg"}, Content: []byte("ciphertext-2")},
				}},
			}},
			{Tag: "device-identity", Content: []byte("signed-identity")},
		},
	}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", out, n)
	}
}

func TestRoundTripEmptyContentChildList(t *testing.T) {
	n := Node{Tag: "list", Content: []Node{}}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, n)
	}
}

func TestRoundTripLargeAttrCountUsesList16(t *testing.T) {
	attrs := Attrs{}
	for i := 0; i < 200; i++ {
		attrs[string(rune('a'+i%26))+string(rune('A'+i/26))] = "v"
	}
	n := Node{Tag: "big", Attrs: attrs}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch for large attr set")
	}
}

func TestRoundTripLongRawString(t *testing.T) {
	// A tag/attr value that isn't in the static token table must fall back
	// to raw length-prefixed encoding, including lengths needing the
	// 20-bit length form.
	long := make([]byte, 70000)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	n := Node{Tag: "custom-unknown-tag", Attrs: Attrs{"blob": string(long)}}
	out := roundTrip(t, n)
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip mismatch for long raw string")
	}
}

func TestPackUnpackUncompressed(t *testing.T) {
	n := Node{Tag: "ping"}
	marshaled, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	packed, err := Pack(marshaled, false)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	unpacked, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	out, err := Unmarshal(unpacked)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip via Pack/Unpack mismatch: got %+v want %+v", out, n)
	}
}

func TestPackUnpackCompressed(t *testing.T) {
	n := Node{Tag: "iq", Attrs: Attrs{"type": "get", "xmlns": "w:sync:app:state"}, Content: []byte("some payload bytes to compress")}
	marshaled, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	packed, err := Pack(marshaled, true)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed[0] != 2 {
		t.Fatalf("expected compression flag 2, got %d", packed[0])
	}
	unpacked, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	out, err := Unmarshal(unpacked)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(n, out) {
		t.Fatalf("round trip via compressed Pack/Unpack mismatch: got %+v want %+v", out, n)
	}
}

func TestUnmarshalToleratesUnknownToken(t *testing.T) {
	// A single byte past the end of the static table and below the
	// discriminator bytes (236 and up) should decode to a placeholder instead
	// of erroring (spec §4.1: "decode must tolerate unknown token
	// indices").
	data := []byte{tagList8, 1, 230} // list of size 1, tag byte 230 (reserved gap)
	n, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal should tolerate unknown token index, got error: %v", err)
	}
	if n.Tag == "" {
		t.Fatalf("expected placeholder tag, got empty string")
	}
}
