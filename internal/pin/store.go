package pin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-security-service/internal/hashing"
	"device-security-service/internal/models"
	"device-security-service/internal/storage"
	"device-security-service/internal/util"
)

var (
	// ErrInvalidPIN is returned when the candidate PIN fails validation.
	ErrInvalidPIN = errors.New("pin must be the configured number of digits")
	// ErrNotConfigured is returned when the device has no stored credential.
	ErrNotConfigured = errors.New("pin not configured")
	// ErrIncorrectPIN is returned when verification fails against the
	// stored credential.
	ErrIncorrectPIN = errors.New("incorrect pin")
)

const credentialKeyPrefix = "credential:"

// Store manages the per-device PIN credential. The credential is written
// atomically as one record so hash and salt can never go out of sync.
type Store struct {
	kv     storage.KV
	hasher *hashing.Hasher
	length int

	now func() time.Time
}

func NewStore(kv storage.KV, hasher *hashing.Hasher, pinLength int) *Store {
	return &Store{
		kv:     kv,
		hasher: hasher,
		length: pinLength,
		now:    time.Now,
	}
}

// Setup validates and stores a new credential, replacing any existing one.
func (s *Store) Setup(ctx context.Context, deviceID, pin string) error {
	if err := s.validate(pin); err != nil {
		return err
	}

	result, err := s.hasher.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}

	record := models.CredentialRecord{
		DeviceID:    deviceID,
		PINHash:     result.Hash,
		Salt:        result.Salt,
		LastChanged: s.now().UTC(),
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := s.kv.Put(ctx, credentialKey(deviceID), blob); err != nil {
		util.Error("Failed to store credential",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to store credential: %w", err)
	}

	return nil
}

// Verify checks a candidate PIN against the stored credential. A
// malformed candidate is rejected before any storage read.
func (s *Store) Verify(ctx context.Context, deviceID, pin string) error {
	if err := s.validate(pin); err != nil {
		return err
	}

	record, err := s.get(ctx, deviceID)
	if err != nil {
		return err
	}

	match, err := s.hasher.VerifyPIN(pin, &hashing.HashResult{
		Hash: record.PINHash,
		Salt: record.Salt,
	})
	if err != nil {
		return fmt.Errorf("failed to verify pin: %w", err)
	}
	if !match {
		return ErrIncorrectPIN
	}

	return nil
}

// Update replaces the credential after verifying the current PIN. The old
// credential stays in place until the new one is fully written.
func (s *Store) Update(ctx context.Context, deviceID, currentPIN, newPIN string) error {
	if err := s.validate(newPIN); err != nil {
		return err
	}

	if err := s.Verify(ctx, deviceID, currentPIN); err != nil {
		return err
	}

	return s.Setup(ctx, deviceID, newPIN)
}

// Delete removes the credential. Deleting a device that has none is a no-op.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	if err := s.kv.Delete(ctx, credentialKey(deviceID)); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Exists reports whether the device has a configured PIN.
func (s *Store) Exists(ctx context.Context, deviceID string) (bool, error) {
	ok, err := s.kv.Exists(ctx, credentialKey(deviceID))
	if err != nil {
		return false, fmt.Errorf("failed to check credential: %w", err)
	}
	return ok, nil
}

// LastChanged returns when the credential was last set or updated.
func (s *Store) LastChanged(ctx context.Context, deviceID string) (time.Time, error) {
	record, err := s.get(ctx, deviceID)
	if err != nil {
		return time.Time{}, err
	}
	return record.LastChanged, nil
}

func (s *Store) get(ctx context.Context, deviceID string) (*models.CredentialRecord, error) {
	blob, err := s.kv.Get(ctx, credentialKey(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotConfigured
		}
		util.Error("Failed to read credential",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	record := &models.CredentialRecord{}
	if err := json.Unmarshal(blob, record); err != nil {
		return nil, fmt.Errorf("corrupt credential record: %w", err)
	}
	if record.PINHash == "" || record.Salt == "" {
		return nil, ErrNotConfigured
	}

	return record, nil
}

// ValidatePIN checks format only: exact configured length, digits only.
func (s *Store) ValidatePIN(pin string) error {
	return s.validate(pin)
}

func (s *Store) validate(pin string) error {
	if len(pin) != s.length {
		return ErrInvalidPIN
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

func credentialKey(deviceID string) string {
	return credentialKeyPrefix + deviceID
}
