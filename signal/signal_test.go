package signal

import (
	"context"
	"testing"
	"time"

	"go.stud.dev/wacore/internal/keys"
	"go.stud.dev/wacore/keystore"
)

type memStore struct {
	data map[string]any
}

func newMemStore() *memStore { return &memStore{data: make(map[string]any)} }

func (m *memStore) Get(_ context.Context, ns, key string) (any, bool, error) {
	v, ok := m.data[ns+"/"+key]
	return v, ok, nil
}
func (m *memStore) Put(_ context.Context, ns, key string, value any) error {
	m.data[ns+"/"+key] = value
	return nil
}
func (m *memStore) Delete(_ context.Context, ns, key string) error {
	delete(m.data, ns+"/"+key)
	return nil
}
func (m *memStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestGenerateOrGetPreKeysFillsRangeAndRespectsInvariant(t *testing.T) {
	ks := newMemStore()
	creds := &keystore.Creds{}

	batch, last, err := GenerateOrGetPreKeys(context.Background(), ks, creds, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 10 {
		t.Fatalf("expected 10 pre-keys, got %d", len(batch))
	}
	if last != 9 {
		t.Fatalf("expected lastPreKeyID=9, got %d", last)
	}
	if creds.NextPreKeyID != 10 {
		t.Fatalf("expected NextPreKeyID=10, got %d", creds.NextPreKeyID)
	}

	MarkPreKeysUploaded(creds, last)
	if creds.FirstUnuploadedPreKeyID != 10 {
		t.Fatalf("expected FirstUnuploadedPreKeyID=10 after upload, got %d", creds.FirstUnuploadedPreKeyID)
	}
	if !creds.Valid() {
		t.Fatal("expected invariant firstUnuploadedPreKeyId <= nextPreKeyId to hold")
	}

	// A second call should only top up the shortfall, not regenerate
	// everything already unuploaded.
	batch2, last2, err := GenerateOrGetPreKeys(context.Background(), ks, creds, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch2) != 5 || last2 != 14 {
		t.Fatalf("expected 5 keys up to id 14, got %d keys up to %d", len(batch2), last2)
	}
}

func TestEncryptForDeviceEstablishesThenReuses(t *testing.T) {
	ks := newMemStore()
	alice := keys.NewKeyPair()
	bob := keys.NewKeyPair()
	bobSignedPreKey := keys.NewKeyPair()

	sig := bob.Sign(bobSignedPreKey)
	bundle := &PreKeyBundle{
		Identity:        *bob.Pub,
		SignedPreKeyID:  1,
		SignedPreKeyPub: *bobSignedPreKey.Pub,
		SignedPreKeySig: *sig,
	}

	cipher := NewCipher(alice)
	ctx := context.Background()

	msgType, ct1, err := cipher.EncryptForDevice(ctx, ks, "bob.0", bundle, []byte("hello"))
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	if msgType != MessageTypePreKey {
		t.Fatalf("expected pkmsg on first contact, got %s", msgType)
	}
	if len(ct1) == 0 {
		t.Fatal("expected non-empty ciphertext")
	}

	has, err := HasSession(ctx, ks, "bob.0")
	if err != nil || !has {
		t.Fatalf("expected established session after first encrypt, has=%v err=%v", has, err)
	}

	msgType2, ct2, err := cipher.EncryptForDevice(ctx, ks, "bob.0", bundle, []byte("world"))
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if msgType2 != MessageTypeNormal {
		t.Fatalf("expected msg on established session, got %s", msgType2)
	}
	if len(ct2) == 0 {
		t.Fatal("expected non-empty ciphertext")
	}
}

func TestBundleVerifyRejectsTamperedSignature(t *testing.T) {
	bob := keys.NewKeyPair()
	signedPreKey := keys.NewKeyPair()
	sig := bob.Sign(signedPreKey)

	bundle := PreKeyBundle{
		Identity:        *bob.Pub,
		SignedPreKeyPub: *signedPreKey.Pub,
		SignedPreKeySig: *sig,
	}
	if !bundle.Verify() {
		t.Fatal("expected valid signature to verify")
	}

	bundle.SignedPreKeySig[0] ^= 0xFF
	if bundle.Verify() {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestSenderKeyMemoryEconomyProperty(t *testing.T) {
	m := NewSenderKeyMemory()
	group := "group1@g.us"
	devices := []string{"a.0", "a.1", "b.0"}

	pending := m.Pending(group, devices)
	if len(pending) != 3 {
		t.Fatalf("expected all 3 devices pending initially, got %d", len(pending))
	}
	m.MarkReceived(group, devices...)

	// Testable property #6: resending to a subset must not re-flag any
	// already-seen device as pending.
	subsetPending := m.Pending(group, []string{"a.0", "a.1"})
	if len(subsetPending) != 0 {
		t.Fatalf("expected no pending devices for already-seen subset, got %v", subsetPending)
	}

	// A new device must be reported pending.
	withNew := m.Pending(group, []string{"a.0", "c.0"})
	if len(withNew) != 1 || withNew[0] != "c.0" {
		t.Fatalf("expected only the new device pending, got %v", withNew)
	}
}

func TestDeviceCacheTTLExpiry(t *testing.T) {
	c := NewDeviceCache()
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	c.Set("alice", nil)
	if _, ok := c.Get("alice"); !ok {
		t.Fatal("expected fresh cache entry to be present")
	}

	fakeNow = fakeNow.Add(6 * time.Minute)
	if _, ok := c.Get("alice"); ok {
		t.Fatal("expected cache entry to expire after TTL")
	}
}
