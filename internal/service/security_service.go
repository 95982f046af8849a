package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-security-service/internal/authflow"
	"device-security-service/internal/biometric"
	"device-security-service/internal/config"
	"device-security-service/internal/devicetrust"
	"device-security-service/internal/events"
	"device-security-service/internal/lockout"
	"device-security-service/internal/models"
	"device-security-service/internal/pin"
	"device-security-service/internal/storage"
	"device-security-service/internal/util"
)

const sessionKeyPrefix = "session:"

// SecurityService is the facade over the device security components. It
// orchestrates them per operation and records the security event trail;
// the components themselves stay policy-pure.
type SecurityService struct {
	cfg      *config.Config
	sessions authflow.SessionProvider
	pins     *pin.Store
	lockouts *lockout.Policy
	devices  *devicetrust.Registry
	gate     *biometric.Gate
	flow     *authflow.Controller
	recorder *events.Recorder
}

func NewSecurityService(
	cfg *config.Config,
	sessions authflow.SessionProvider,
	pins *pin.Store,
	lockouts *lockout.Policy,
	devices *devicetrust.Registry,
	gate *biometric.Gate,
	recorder *events.Recorder,
) *SecurityService {
	return &SecurityService{
		cfg:      cfg,
		sessions: sessions,
		pins:     pins,
		lockouts: lockouts,
		devices:  devices,
		gate:     gate,
		flow:     authflow.NewController(sessions, pins, lockouts, devices, gate),
		recorder: recorder,
	}
}

// SessionStore reports identity sessions recorded in the shared plain
// store by the identity service. This service never writes those keys.
type SessionStore struct {
	kv storage.KV
}

func NewSessionStore(kv storage.KV) *SessionStore {
	return &SessionStore{kv: kv}
}

func (s *SessionStore) HasSession(ctx context.Context, deviceID string) (bool, error) {
	ok, err := s.kv.Exists(ctx, sessionKeyPrefix+deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return ok, nil
}

// ===================== PIN =====================

// SetupPIN stores a new credential for the device, replacing any
// existing one, and clears the lockout counter.
func (s *SecurityService) SetupPIN(ctx context.Context, deviceID, platform, candidate string) error {
	if err := s.pins.Setup(ctx, deviceID, candidate); err != nil {
		return err
	}
	if err := s.lockouts.Reset(ctx, deviceID); err != nil {
		return err
	}

	util.Info("PIN configured",
		zap.String("device_id", deviceID))
	s.recorder.Record(ctx, models.EventPINSetup, deviceID, platform, "")
	return nil
}

// VerifyPIN runs one flow-level verification attempt: lockout checked
// first, counter tracked on failure, reset on success.
func (s *SecurityService) VerifyPIN(ctx context.Context, deviceID, platform, candidate string) (authflow.State, error) {
	state, err := s.flow.SubmitPIN(ctx, deviceID, candidate)

	var locked *lockout.LockedError
	switch {
	case err == nil:
		s.recorder.Record(ctx, models.EventPINVerified, deviceID, platform, "")
	case errors.As(err, &locked):
		s.recorder.Record(ctx, models.EventLockoutEngaged, deviceID, platform,
			fmt.Sprintf("remaining_seconds=%d", locked.RemainingSeconds))
	case errors.Is(err, pin.ErrIncorrectPIN):
		s.recorder.Record(ctx, models.EventPINFailed, deviceID, platform, "")
	}

	return state, err
}

// UpdatePIN replaces the credential after verifying the current PIN. A
// wrong current PIN here never touches the lockout counter.
func (s *SecurityService) UpdatePIN(ctx context.Context, deviceID, platform, currentPIN, newPIN string) error {
	if err := s.pins.Update(ctx, deviceID, currentPIN, newPIN); err != nil {
		return err
	}

	s.recorder.Record(ctx, models.EventPINUpdated, deviceID, platform, "")
	return nil
}

// DeletePIN removes the credential.
func (s *SecurityService) DeletePIN(ctx context.Context, deviceID, platform string) error {
	if err := s.pins.Delete(ctx, deviceID); err != nil {
		return err
	}

	s.recorder.Record(ctx, models.EventPINDeleted, deviceID, platform, "")
	return nil
}

// ForgotPIN is the local half of the reset flow: the credential goes
// away and the lockout counter clears, while device trust persists so
// the reinstalled PIN does not retrigger the new-device challenge.
func (s *SecurityService) ForgotPIN(ctx context.Context, deviceID, platform string) error {
	if err := s.pins.Delete(ctx, deviceID); err != nil {
		return err
	}
	if err := s.lockouts.Reset(ctx, deviceID); err != nil {
		return err
	}

	s.recorder.Record(ctx, models.EventPINDeleted, deviceID, platform, "forgot_pin")
	return nil
}

// HasPIN reports credential existence.
func (s *SecurityService) HasPIN(ctx context.Context, deviceID string) (bool, error) {
	return s.pins.Exists(ctx, deviceID)
}

// PINLastChanged returns when the credential was last set or updated.
func (s *SecurityService) PINLastChanged(ctx context.Context, deviceID string) (time.Time, error) {
	return s.pins.LastChanged(ctx, deviceID)
}

// ===================== BIOMETRIC =====================

// BiometricStatus returns the policy view of a capability report plus
// the stored preference flag.
func (s *SecurityService) BiometricStatus(ctx context.Context, deviceID string, report *biometric.ClientReport) (*biometric.Capability, bool, error) {
	gate := s.gateFor(report)

	capability, err := gate.Capability(ctx)
	if err != nil {
		return nil, false, err
	}

	enabled, err := gate.Enabled(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}

	return capability, enabled, nil
}

// EnableBiometric opts the device in, validating its capability report
// against the fingerprint-only policy.
func (s *SecurityService) EnableBiometric(ctx context.Context, deviceID, platform string, report *biometric.ClientReport) error {
	if err := s.gateFor(report).Enable(ctx, deviceID); err != nil {
		if errors.Is(err, biometric.ErrUnavailable) {
			s.recorder.Record(ctx, models.EventBiometricFailed, deviceID, platform, "enable_on_incapable_device")
		}
		return err
	}

	s.recorder.Record(ctx, models.EventBiometricEnabled, deviceID, platform, "")
	return nil
}

// DisableBiometric opts the device out.
func (s *SecurityService) DisableBiometric(ctx context.Context, deviceID, platform string) error {
	if err := s.gate.Disable(ctx, deviceID); err != nil {
		return err
	}

	s.recorder.Record(ctx, models.EventBiometricDisabled, deviceID, platform, "")
	return nil
}

// ===================== DEVICE TRUST =====================

// IsNewDevice reports whether the install has never completed a full
// authentication.
func (s *SecurityService) IsNewDevice(ctx context.Context, deviceID string) (bool, error) {
	return s.devices.IsNewDevice(ctx, deviceID)
}

// DeviceInfo returns the stored install record.
func (s *SecurityService) DeviceInfo(ctx context.Context, deviceID string) (*models.DeviceInfo, error) {
	return s.devices.GetInfo(ctx, deviceID)
}

// MarkDeviceKnown registers the install; repeat calls refresh its info.
func (s *SecurityService) MarkDeviceKnown(ctx context.Context, info models.DeviceInfo) error {
	wasNew, err := s.devices.IsNewDevice(ctx, info.DeviceID)
	if err != nil {
		return err
	}

	if err := s.devices.MarkKnown(ctx, info); err != nil {
		return err
	}

	if wasNew {
		s.recorder.Record(ctx, models.EventDeviceTrusted, info.DeviceID, info.Platform, "")
	}
	return nil
}

// ===================== LOCKOUT =====================

// LockoutStatus re-derives the countdown from the stored timestamp.
func (s *SecurityService) LockoutStatus(ctx context.Context, deviceID string) (*models.LockoutStatus, error) {
	status, lapsed, err := s.lockouts.Status(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if lapsed {
		s.recorder.Record(ctx, models.EventLockoutExpired, deviceID, "", "")
	}
	return status, nil
}

// ===================== FLOW =====================

// EvaluateFlow computes the device's authentication state. When the
// request carries a biometric report, the silent-biometric branch is
// judged against it; without one the branch never passes.
func (s *SecurityService) EvaluateFlow(ctx context.Context, deviceID string, report *biometric.ClientReport) (authflow.State, error) {
	if report == nil {
		return s.flow.Evaluate(ctx, deviceID)
	}

	controller := authflow.NewController(s.sessions, s.pins, s.lockouts, s.devices, s.gateFor(report))
	return controller.Evaluate(ctx, deviceID)
}

func (s *SecurityService) gateFor(report *biometric.ClientReport) *biometric.Gate {
	if report == nil {
		return s.gate
	}
	return s.gate.WithPlatform(report)
}
