package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"device-security-service/internal/biometric"
	"device-security-service/internal/devicetrust"
	"device-security-service/internal/lockout"
	"device-security-service/internal/pin"
	"device-security-service/internal/util"
)

// ErrVerificationInFlight is returned when a PIN submission arrives while
// another one is still being verified for the same device.
var ErrVerificationInFlight = errors.New("verification already in progress")

// SessionProvider reports whether an identity session exists for a
// device. The identity provider itself is an external collaborator.
type SessionProvider interface {
	HasSession(ctx context.Context, deviceID string) (bool, error)
}

// Controller sequences the security components into the single login
// decision, re-evaluated on every launch or auth event.
type Controller struct {
	sessions SessionProvider
	pins     *pin.Store
	lockouts *lockout.Policy
	devices  *devicetrust.Registry
	gate     *biometric.Gate

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewController(
	sessions SessionProvider,
	pins *pin.Store,
	lockouts *lockout.Policy,
	devices *devicetrust.Registry,
	gate *biometric.Gate,
) *Controller {
	return &Controller{
		sessions: sessions,
		pins:     pins,
		lockouts: lockouts,
		devices:  devices,
		gate:     gate,
		inFlight: make(map[string]bool),
	}
}

// Evaluate computes the device's flow state from scratch: session
// presence, credential existence, device trust, then a silent biometric
// attempt when one is allowed. Biometric failures and declines fall
// through to the PIN prompt; they never block the flow.
func (c *Controller) Evaluate(ctx context.Context, deviceID string) (State, error) {
	hasSession, err := c.sessions.HasSession(ctx, deviceID)
	if err != nil {
		return StateLoading, fmt.Errorf("failed to check session: %w", err)
	}
	if !hasSession {
		return Transition(StateLoading, EventSessionAbsent{}), nil
	}

	hasPIN, err := c.pins.Exists(ctx, deviceID)
	if err != nil {
		return StateLoading, err
	}

	event := EventSessionPresent{HasPIN: hasPIN}

	if hasPIN {
		isNew, err := c.devices.IsNewDevice(ctx, deviceID)
		if err != nil {
			return StateLoading, err
		}
		event.NewDevice = isNew

		if !isNew {
			event.BiometricPassed = c.silentBiometric(ctx, deviceID)
		}
	}

	return Transition(StateLoading, event), nil
}

// SubmitPIN runs one verification attempt. The lockout is checked before
// the credential is touched; a locked device never reaches VerifyPIN.
// Success resets the lockout counter; failure records the attempt and
// surfaces a *lockout.LockedError on the attempt that crossed the
// threshold.
func (c *Controller) SubmitPIN(ctx context.Context, deviceID, candidate string) (State, error) {
	if !c.begin(deviceID) {
		return StateNeedsPIN, ErrVerificationInFlight
	}
	defer c.end(deviceID)

	status, _, err := c.lockouts.Status(ctx, deviceID)
	if err != nil {
		return StateNeedsPIN, err
	}
	if status.Locked {
		return StateNeedsPIN, &lockout.LockedError{
			RemainingSeconds: status.RemainingSeconds,
			FailedAttempts:   status.FailedAttempts,
		}
	}

	err = c.pins.Verify(ctx, deviceID, candidate)
	switch {
	case err == nil:
		if err := c.lockouts.Reset(ctx, deviceID); err != nil {
			return StateNeedsPIN, err
		}
		return Transition(StateNeedsPIN, EventPINAccepted{}), nil

	case errors.Is(err, pin.ErrIncorrectPIN):
		if _, trackErr := c.lockouts.RecordFailure(ctx, deviceID); trackErr != nil {
			var locked *lockout.LockedError
			if errors.As(trackErr, &locked) {
				return Transition(StateNeedsPIN, EventPINRejected{}), locked
			}
			return StateNeedsPIN, trackErr
		}
		return Transition(StateNeedsPIN, EventPINRejected{}), err

	default:
		// Validation and not-configured failures are not login attempts.
		return StateNeedsPIN, err
	}
}

func (c *Controller) silentBiometric(ctx context.Context, deviceID string) bool {
	enabled, err := c.gate.Enabled(ctx, deviceID)
	if err != nil || !enabled {
		return false
	}

	result, err := c.gate.Authenticate(ctx, deviceID)
	if err != nil {
		// Fall back to the PIN prompt; the cause is logged, not surfaced.
		if !errors.Is(err, biometric.ErrUnavailable) {
			util.Warn("Silent biometric attempt failed",
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
		return false
	}

	return result.Success
}

func (c *Controller) begin(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[deviceID] {
		return false
	}
	c.inFlight[deviceID] = true
	return true
}

func (c *Controller) end(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, deviceID)
}
