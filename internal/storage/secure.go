package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"device-security-service/internal/encryption"
)

// SecureKV wraps any KV with envelope encryption. Values are sealed on
// Put and opened on Get; the underlying store only ever sees ciphertext.
type SecureKV struct {
	inner      KV
	manager    *encryption.EncryptionManager
	keyPurpose string
}

func NewSecureKV(inner KV, manager *encryption.EncryptionManager, keyPurpose string) *SecureKV {
	return &SecureKV{
		inner:      inner,
		manager:    manager,
		keyPurpose: keyPurpose,
	}
}

func (s *SecureKV) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := s.manager.Encrypt(ctx, value, s.keyPurpose)
	if err != nil {
		return fmt.Errorf("secure put: %w", err)
	}

	blob, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("secure put: %w", err)
	}

	return s.inner.Put(ctx, key, blob)
}

func (s *SecureKV) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var sealed encryption.EncryptedData
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return nil, fmt.Errorf("secure get: corrupt envelope: %w", err)
	}

	value, err := s.manager.Decrypt(ctx, &sealed)
	if err != nil {
		return nil, fmt.Errorf("secure get: %w", err)
	}

	return value, nil
}

func (s *SecureKV) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SecureKV) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}
