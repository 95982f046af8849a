package pin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"device-security-service/internal/hashing"
	"device-security-service/internal/models"
	"device-security-service/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return NewStore(mem, hashing.NewHasher(), 6), mem
}

func TestSetupAndVerify(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Setup(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := store.Verify(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("Verify with correct pin failed: %v", err)
	}

	if err := store.Verify(ctx, "device-1", "654321"); !errors.Is(err, ErrIncorrectPIN) {
		t.Fatalf("Verify with wrong pin: got %v, want ErrIncorrectPIN", err)
	}
}

func TestSetupRejectsMalformedPIN(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, pin := range []string{"", "12345", "1234567", "12345a", "12 456"} {
		if err := store.Setup(ctx, "device-1", pin); !errors.Is(err, ErrInvalidPIN) {
			t.Errorf("Setup(%q): got %v, want ErrInvalidPIN", pin, err)
		}
	}

	// Nothing should have been written.
	exists, err := store.Exists(ctx, "device-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Fatal("credential stored despite invalid pin")
	}
}

func TestVerifyWithoutCredential(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Verify(context.Background(), "device-1", "123456")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestVerifyRejectsMalformedBeforeLookup(t *testing.T) {
	store, _ := newTestStore(t)

	// Validation applies even when no credential exists.
	err := store.Verify(context.Background(), "device-1", "12a")
	if !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("got %v, want ErrInvalidPIN", err)
	}
}

func TestStoredDigestMatchesSaltedSHA256(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	if err := store.Setup(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	blob, err := mem.Get(ctx, "credential:device-1")
	if err != nil {
		t.Fatalf("reading stored record: %v", err)
	}

	var record models.CredentialRecord
	if err := json.Unmarshal(blob, &record); err != nil {
		t.Fatalf("decoding stored record: %v", err)
	}

	if len(record.Salt) != 32 {
		t.Fatalf("salt length = %d hex chars, want 32", len(record.Salt))
	}
	if _, err := hex.DecodeString(record.Salt); err != nil {
		t.Fatalf("salt is not hex: %v", err)
	}

	want := sha256.Sum256([]byte("123456" + record.Salt))
	if record.PINHash != hex.EncodeToString(want[:]) {
		t.Fatal("stored hash does not match sha256(pin+salt)")
	}
}

func TestSetupGeneratesFreshSalt(t *testing.T) {
	store, mem := newTestStore(t)
	ctx := context.Background()

	salts := make(map[string]bool)
	for _, device := range []string{"device-1", "device-2"} {
		if err := store.Setup(ctx, device, "123456"); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		blob, err := mem.Get(ctx, "credential:"+device)
		if err != nil {
			t.Fatalf("reading stored record: %v", err)
		}
		var record models.CredentialRecord
		if err := json.Unmarshal(blob, &record); err != nil {
			t.Fatalf("decoding stored record: %v", err)
		}
		salts[record.Salt] = true
	}

	if len(salts) != 2 {
		t.Fatal("two setups reused the same salt")
	}
}

func TestUpdateRequiresCurrentPIN(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Setup(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := store.Update(ctx, "device-1", "000000", "222222"); !errors.Is(err, ErrIncorrectPIN) {
		t.Fatalf("Update with wrong current pin: got %v, want ErrIncorrectPIN", err)
	}

	// Old pin still valid after the failed update.
	if err := store.Verify(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("original pin no longer verifies: %v", err)
	}

	if err := store.Update(ctx, "device-1", "123456", "222222"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := store.Verify(ctx, "device-1", "222222"); err != nil {
		t.Fatalf("new pin does not verify: %v", err)
	}
	if err := store.Verify(ctx, "device-1", "123456"); !errors.Is(err, ErrIncorrectPIN) {
		t.Fatalf("old pin still verifies after update: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Setup(ctx, "device-1", "123456"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := store.Delete(ctx, "device-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "device-1"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}

	if err := store.Verify(ctx, "device-1", "123456"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured after delete", err)
	}
}
