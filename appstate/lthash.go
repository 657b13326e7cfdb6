// Package appstate implements the app-state sync engine (C9): the
// LT-hash accumulator, patch/snapshot decoding with MAC verification, and
// translation of mutations into public events. Grounded on spec §4.8/§4.9
// and the dispatch idiom visible in the retrieved pack's
// notification.go-style handlers (one function per inbound notification
// shape, feeding a shared event sink).
package appstate

import (
	"crypto/sha512"
)

// hashWords is the accumulator width: 128 bytes as 64 little-endian
// uint16 words, per spec §3's "128-byte accumulator".
const hashWords = 64

// LTHash is the additively-homomorphic accumulator described in spec §3:
// hash = Σ H(valueMac_i) − Σ_removed H(prevValueMac_i), computed as
// wraparound addition/subtraction over fixed-width words so the sum is
// order-independent (commutative, associative mod 2^16 per word).
type LTHash [hashWords]uint16

// hashToWords expands item into the accumulator's word width via SHA-512
// (64 bytes) concatenated with SHA-512 of its own output (another 64
// bytes), giving 128 bytes without pulling in an XOF library the pack
// doesn't otherwise use.
func hashToWords(item []byte) [hashWords]uint16 {
	var words [hashWords]uint16
	h1 := sha512.Sum512(item)
	h2 := sha512.Sum512(h1[:])
	var buf [128]byte
	copy(buf[:64], h1[:])
	copy(buf[64:], h2[:])
	for i := 0; i < hashWords; i++ {
		words[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return words
}

// Add folds item's hash into the accumulator (wraparound addition).
func (h *LTHash) Add(item []byte) {
	words := hashToWords(item)
	for i := range h {
		h[i] += words[i]
	}
}

// Subtract removes item's hash from the accumulator (wraparound
// subtraction), used when a SET overwrites a previously live value or a
// REMOVE deletes one.
func (h *LTHash) Subtract(item []byte) {
	words := hashToWords(item)
	for i := range h {
		h[i] -= words[i]
	}
}

// Bytes renders the accumulator in its 128-byte wire form.
func (h LTHash) Bytes() []byte {
	out := make([]byte, hashWords*2)
	for i, w := range h {
		out[2*i] = byte(w)
		out[2*i+1] = byte(w >> 8)
	}
	return out
}

// Equal compares two accumulators.
func (h LTHash) Equal(other LTHash) bool {
	return h == other
}
