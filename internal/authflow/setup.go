package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"device-security-service/internal/biometric"
	"device-security-service/internal/devicetrust"
	"device-security-service/internal/lockout"
	"device-security-service/internal/models"
	"device-security-service/internal/pin"
)

// ErrPINMismatch is returned when the confirmation entry differs from the
// first entry; the flow restarts at the create step.
var ErrPINMismatch = errors.New("pins do not match")

// SetupStep is the position within the first-time PIN setup flow.
type SetupStep int

const (
	// StepCreate collects the first PIN entry.
	StepCreate SetupStep = iota
	// StepConfirm collects the second entry and persists on match.
	StepConfirm
	// StepBiometric offers optional biometric enrollment.
	StepBiometric
	// StepDone means setup finished.
	StepDone
)

func (s SetupStep) String() string {
	switch s {
	case StepCreate:
		return "create"
	case StepConfirm:
		return "confirm"
	case StepBiometric:
		return "biometric"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// SetupFlow drives create -> confirm -> optional biometric enrollment for
// one device. Nothing is persisted until the confirm step matches; a
// mismatch clears the held entry and restarts at create.
type SetupFlow struct {
	pins     *pin.Store
	devices  *devicetrust.Registry
	lockouts *lockout.Policy
	gate     *biometric.Gate
	info     models.DeviceInfo

	mu         sync.Mutex
	step       SetupStep
	firstEntry string
}

func NewSetupFlow(
	pins *pin.Store,
	devices *devicetrust.Registry,
	lockouts *lockout.Policy,
	gate *biometric.Gate,
	info models.DeviceInfo,
) *SetupFlow {
	return &SetupFlow{
		pins:     pins,
		devices:  devices,
		lockouts: lockouts,
		gate:     gate,
		info:     info,
		step:     StepCreate,
	}
}

// Step returns the current position.
func (f *SetupFlow) Step() SetupStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Enter feeds one PIN entry to the flow. At the create step the entry is
// validated and held in memory; at the confirm step it must equal the
// first entry byte for byte, and on match the credential is persisted,
// the device marked known, and the lockout counter cleared.
func (f *SetupFlow) Enter(ctx context.Context, candidate string) (SetupStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepCreate:
		if err := f.pins.ValidatePIN(candidate); err != nil {
			return f.step, err
		}
		f.firstEntry = candidate
		f.step = StepConfirm
		return f.step, nil

	case StepConfirm:
		if candidate != f.firstEntry {
			f.restart()
			return f.step, ErrPINMismatch
		}

		if err := f.pins.Setup(ctx, f.info.DeviceID, candidate); err != nil {
			f.restart()
			return f.step, err
		}
		if err := f.devices.MarkKnown(ctx, f.info); err != nil {
			return f.step, err
		}
		if err := f.lockouts.Reset(ctx, f.info.DeviceID); err != nil {
			return f.step, err
		}

		f.firstEntry = ""
		f.step = StepBiometric
		return f.step, nil

	default:
		return f.step, fmt.Errorf("setup flow is at step %s, not expecting a pin", f.step)
	}
}

// EnableBiometric opts in during the biometric step. Incapable hardware
// surfaces biometric.ErrUnavailable and the flow still completes.
func (f *SetupFlow) EnableBiometric(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != StepBiometric {
		return fmt.Errorf("setup flow is at step %s, not expecting biometric enrollment", f.step)
	}

	err := f.gate.Enable(ctx, f.info.DeviceID)
	f.step = StepDone
	return err
}

// Skip declines biometric enrollment and completes the flow.
func (f *SetupFlow) Skip() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step == StepBiometric {
		f.step = StepDone
	}
}

// Reset abandons the flow and clears anything held in memory.
func (f *SetupFlow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restart()
}

func (f *SetupFlow) restart() {
	f.firstEntry = ""
	f.step = StepCreate
}
