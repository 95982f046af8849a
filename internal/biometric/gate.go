package biometric

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"device-security-service/internal/storage"
	"device-security-service/internal/util"
)

// ErrUnavailable is returned when biometric authentication cannot be
// offered: no hardware, nothing enrolled, or no fingerprint support.
var ErrUnavailable = errors.New("biometric authentication unavailable")

const enabledKeyPrefix = "biometric_enabled:"

// Method identifies a biometric modality reported by the platform.
type Method string

const (
	MethodFingerprint Method = "fingerprint"
	MethodFace        Method = "face"
	MethodIris        Method = "iris"
)

// Platform abstracts the device biometric stack. Implementations bridge
// to the mobile client; tests use fakes.
type Platform interface {
	HasHardware(ctx context.Context) (bool, error)
	IsEnrolled(ctx context.Context) (bool, error)
	SupportedMethods(ctx context.Context) ([]Method, error)
	Authenticate(ctx context.Context, prompt, fallbackLabel string) (*Result, error)
}

// Capability describes what the device can offer right now.
type Capability struct {
	Available bool     `json:"available"`
	Enrolled  bool     `json:"enrolled"`
	Methods   []Method `json:"methods,omitempty"`
}

// Result is the outcome of one authentication prompt. A user-cancelled
// prompt is a non-success result, not an error.
type Result struct {
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Method    Method `json:"method,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Gate decides whether biometric unlock may run for a device and runs
// the prompt when it may. Only fingerprint counts toward availability;
// face and iris enrollments do not qualify a device.
type Gate struct {
	platform      Platform
	prefs         storage.KV
	prompt        string
	fallbackLabel string
}

func NewGate(platform Platform, prefs storage.KV, prompt, fallbackLabel string) *Gate {
	return &Gate{
		platform:      platform,
		prefs:         prefs,
		prompt:        prompt,
		fallbackLabel: fallbackLabel,
	}
}

// Capability probes the platform. Available is true only when hardware
// exists, at least one biometric is enrolled, and fingerprint is among
// the supported methods.
func (g *Gate) Capability(ctx context.Context) (*Capability, error) {
	hasHardware, err := g.platform.HasHardware(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe biometric hardware: %w", err)
	}
	if !hasHardware {
		return &Capability{}, nil
	}

	enrolled, err := g.platform.IsEnrolled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check biometric enrollment: %w", err)
	}

	methods, err := g.platform.SupportedMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list biometric methods: %w", err)
	}

	capability := &Capability{
		Enrolled: enrolled,
		Methods:  methods,
	}
	capability.Available = enrolled && hasFingerprint(methods)

	return capability, nil
}

// Enabled reports whether the device opted in to biometric unlock.
func (g *Gate) Enabled(ctx context.Context, deviceID string) (bool, error) {
	ok, err := g.prefs.Exists(ctx, enabledKey(deviceID))
	if err != nil {
		return false, fmt.Errorf("failed to read biometric preference: %w", err)
	}
	return ok, nil
}

// Enable opts the device in. Capability is re-checked at enable time so
// a stale preference can never be written for an incapable device.
func (g *Gate) Enable(ctx context.Context, deviceID string) error {
	capability, err := g.Capability(ctx)
	if err != nil {
		return err
	}
	if !capability.Available {
		return ErrUnavailable
	}

	if err := g.prefs.Put(ctx, enabledKey(deviceID), []byte("1")); err != nil {
		return fmt.Errorf("failed to store biometric preference: %w", err)
	}

	util.Info("Biometric unlock enabled",
		zap.String("device_id", deviceID))
	return nil
}

// Disable opts the device out. Disabling when never enabled is a no-op.
func (g *Gate) Disable(ctx context.Context, deviceID string) error {
	if err := g.prefs.Delete(ctx, enabledKey(deviceID)); err != nil {
		return fmt.Errorf("failed to clear biometric preference: %w", err)
	}
	return nil
}

// Authenticate runs the biometric prompt for an opted-in, capable
// device. The caller distinguishes cancellation (Result.Cancelled) from
// rejection (Success false without Cancelled); neither is an error.
func (g *Gate) Authenticate(ctx context.Context, deviceID string) (*Result, error) {
	enabled, err := g.Enabled(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrUnavailable
	}

	capability, err := g.Capability(ctx)
	if err != nil {
		return nil, err
	}
	if !capability.Available {
		return nil, ErrUnavailable
	}

	result, err := g.platform.Authenticate(ctx, g.prompt, g.fallbackLabel)
	if err != nil {
		return nil, fmt.Errorf("biometric prompt failed: %w", err)
	}

	return result, nil
}

func hasFingerprint(methods []Method) bool {
	for _, m := range methods {
		if m == MethodFingerprint {
			return true
		}
	}
	return false
}

func enabledKey(deviceID string) string {
	return enabledKeyPrefix + deviceID
}
