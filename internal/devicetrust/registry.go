package devicetrust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-security-service/internal/models"
	"device-security-service/internal/storage"
	"device-security-service/internal/util"
)

const (
	knownDevicesKey     = "trusted_devices"
	deviceInfoKeyPrefix = "device_info:"
)

// ErrUnknownDevice is returned when info is requested for a device that
// was never marked known.
var ErrUnknownDevice = errors.New("device not known")

// Registry tracks which installs have completed first-time setup. A
// device stays known until it is explicitly forgotten; membership is
// what distinguishes a returning install from a fresh one.
type Registry struct {
	store storage.SetStore

	now func() time.Time
}

func NewRegistry(store storage.SetStore) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
	}
}

// IsNewDevice reports whether this install has never been marked known.
func (r *Registry) IsNewDevice(ctx context.Context, deviceID string) (bool, error) {
	known, err := r.store.SIsMember(ctx, knownDevicesKey, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to check device trust: %w", err)
	}
	return !known, nil
}

// MarkKnown registers the install. Marking an already-known device
// refreshes its info but is otherwise a no-op.
func (r *Registry) MarkKnown(ctx context.Context, info models.DeviceInfo) error {
	if info.DeviceID == "" {
		return errors.New("device id is required")
	}

	if info.TrustedAt.IsZero() {
		info.TrustedAt = r.now().UTC()
	}

	blob, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode device info: %w", err)
	}

	if err := r.store.Put(ctx, deviceInfoKey(info.DeviceID), blob); err != nil {
		return fmt.Errorf("failed to store device info: %w", err)
	}

	if err := r.store.SAdd(ctx, knownDevicesKey, info.DeviceID); err != nil {
		return fmt.Errorf("failed to mark device known: %w", err)
	}

	util.Info("Device marked as known",
		zap.String("device_id", info.DeviceID),
		zap.String("platform", info.Platform))

	return nil
}

// Forget removes the install from the known set, forcing it back through
// first-time setup.
func (r *Registry) Forget(ctx context.Context, deviceID string) error {
	if err := r.store.SRem(ctx, knownDevicesKey, deviceID); err != nil {
		return fmt.Errorf("failed to forget device: %w", err)
	}
	if err := r.store.Delete(ctx, deviceInfoKey(deviceID)); err != nil {
		return fmt.Errorf("failed to delete device info: %w", err)
	}
	return nil
}

// GetInfo returns the stored device info for a known install.
func (r *Registry) GetInfo(ctx context.Context, deviceID string) (*models.DeviceInfo, error) {
	blob, err := r.store.Get(ctx, deviceInfoKey(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("failed to read device info: %w", err)
	}

	info := &models.DeviceInfo{}
	if err := json.Unmarshal(blob, info); err != nil {
		return nil, fmt.Errorf("corrupt device info: %w", err)
	}
	return info, nil
}

// KnownDevices lists all registered install IDs.
func (r *Registry) KnownDevices(ctx context.Context) ([]string, error) {
	devices, err := r.store.SMembers(ctx, knownDevicesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list known devices: %w", err)
	}
	return devices, nil
}

func deviceInfoKey(deviceID string) string {
	return deviceInfoKeyPrefix + deviceID
}
