package signal

import (
	"context"
	"fmt"

	"go.mau.fi/util/random"

	"go.stud.dev/wacore/keystore"
)

// groupSenderKey is the persisted chain key a group's sender-key
// distribution (spec §4.7 step 3a) ratchets forward, the group analogue of
// session's per-device chain key. It lives under keystore.NamespaceSenderKey
// keyed by the group JID string.
type groupSenderKey struct {
	ChainKey [32]byte
}

// loadOrCreateGroupKey returns the sender key for group, generating and
// persisting a fresh one if none exists yet.
func loadOrCreateGroupKey(ctx context.Context, ks keystore.KeyStore, group string) (*groupSenderKey, error) {
	v, ok, err := ks.Get(ctx, keystore.NamespaceSenderKey, group)
	if err != nil {
		return nil, err
	}
	if ok {
		if key, ok := v.(*groupSenderKey); ok {
			return key, nil
		}
	}
	key := &groupSenderKey{}
	copy(key.ChainKey[:], random.Bytes(32))
	if err := ks.Put(ctx, keystore.NamespaceSenderKey, group, key); err != nil {
		return nil, err
	}
	return key, nil
}

// encryptGroupMessage implements spec §4.7 step 3a: ratchet the group's
// sender key forward one step, seal plaintext under the resulting message
// key, and persist the advanced chain key. distribution is the pre-ratchet
// chain key, the payload a newly-pending device needs to derive the same
// message key once it receives it (see relayGroup in fanout.go).
func (c *Cipher) encryptGroupMessage(ctx context.Context, ks keystore.KeyStore, group string, plaintext []byte) (ciphertext, distribution []byte, err error) {
	key, err := loadOrCreateGroupKey(ctx, ks, group)
	if err != nil {
		return nil, nil, err
	}
	distribution = append([]byte{}, key.ChainKey[:]...)

	messageKey := ratchet(&key.ChainKey)
	ciphertext, err = seal(messageKey, 0, plaintext)
	if err != nil {
		return nil, nil, err
	}
	if err := ks.Put(ctx, keystore.NamespaceSenderKey, group, key); err != nil {
		return nil, nil, fmt.Errorf("signal: persist group sender key %s: %w", group, err)
	}
	return ciphertext, distribution, nil
}

// hydrateSenderKeyMemory loads which devices are already known (from a
// prior process) to hold group's current sender key, so restarts don't
// redistribute it to every member again.
func hydrateSenderKeyMemory(ctx context.Context, ks keystore.KeyStore, mem *SenderKeyMemory, group string) error {
	v, ok, err := ks.Get(ctx, keystore.NamespaceSenderKeyMemory, group)
	if err != nil || !ok {
		return err
	}
	devices, _ := v.([]string)
	if len(devices) > 0 {
		mem.MarkReceived(group, devices...)
	}
	return nil
}

// persistSenderKeyMemory writes the subset of all that has received
// group's current sender key, per spec §4.7's "persisted
// sender-key-memory[jid]".
func persistSenderKeyMemory(ctx context.Context, ks keystore.KeyStore, mem *SenderKeyMemory, group string, all []string) error {
	var received []string
	for _, d := range all {
		if mem.HasReceived(group, d) {
			received = append(received, d)
		}
	}
	return ks.Put(ctx, keystore.NamespaceSenderKeyMemory, group, received)
}
