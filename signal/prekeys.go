package signal

import (
	"context"
	"fmt"
	"strconv"

	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/keystore"
)

// GenerateOrGetPreKeys ensures rangeSize unuploaded pre-keys exist,
// generating fresh ones from creds.NextPreKeyID as needed, and returns
// the full batch covering [creds.FirstUnuploadedPreKeyID, lastPreKeyID]
// plus lastPreKeyID itself, per spec §4.6.
func GenerateOrGetPreKeys(ctx context.Context, ks keystore.KeyStore, creds *keystore.Creds, rangeSize int) ([]*keys.PreKey, uint32, error) {
	if rangeSize <= 0 {
		return nil, 0, fmt.Errorf("signal: rangeSize must be positive")
	}

	unuploaded := int(creds.NextPreKeyID - creds.FirstUnuploadedPreKeyID)
	if toGenerate := rangeSize - unuploaded; toGenerate > 0 {
		fresh := keys.GeneratePreKeyBatch(creds.NextPreKeyID, toGenerate)
		for _, pk := range fresh {
			if err := ks.Put(ctx, keystore.NamespacePreKey, preKeyRecordKey(pk.KeyID), pk); err != nil {
				return nil, 0, fmt.Errorf("signal: persist pre-key %d: %w", pk.KeyID, err)
			}
		}
		creds.NextPreKeyID += uint32(toGenerate)
	}

	lastPreKeyID := creds.FirstUnuploadedPreKeyID + uint32(rangeSize) - 1
	batch := make([]*keys.PreKey, 0, rangeSize)
	for id := creds.FirstUnuploadedPreKeyID; id <= lastPreKeyID; id++ {
		v, ok, err := ks.Get(ctx, keystore.NamespacePreKey, preKeyRecordKey(id))
		if err != nil {
			return nil, 0, fmt.Errorf("signal: load pre-key %d: %w", id, err)
		}
		if !ok {
			return nil, 0, fmt.Errorf("signal: pre-key %d missing from store", id)
		}
		pk, _ := v.(*keys.PreKey)
		batch = append(batch, pk)
	}
	return batch, lastPreKeyID, nil
}

// MarkPreKeysUploaded advances FirstUnuploadedPreKeyID once the server has
// confirmed receipt of the batch ending at lastPreKeyID, preserving the
// invariant firstUnuploadedPreKeyId <= nextPreKeyId.
func MarkPreKeysUploaded(creds *keystore.Creds, lastPreKeyID uint32) {
	if next := lastPreKeyID + 1; next > creds.FirstUnuploadedPreKeyID {
		creds.FirstUnuploadedPreKeyID = next
	}
}

func preKeyRecordKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
