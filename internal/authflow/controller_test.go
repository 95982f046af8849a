package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-security-service/internal/biometric"
	"device-security-service/internal/devicetrust"
	"device-security-service/internal/hashing"
	"device-security-service/internal/lockout"
	"device-security-service/internal/models"
	"device-security-service/internal/pin"
	"device-security-service/internal/storage"
)

type fakeSessions struct {
	present bool
}

func (f *fakeSessions) HasSession(ctx context.Context, deviceID string) (bool, error) {
	return f.present, nil
}

type fixture struct {
	controller *Controller
	sessions   *fakeSessions
	pins       *pin.Store
	lockouts   *lockout.Policy
	devices    *devicetrust.Registry
	gate       *biometric.Gate
	platform   *scriptedPlatform
}

type scriptedPlatform struct {
	hardware bool
	enrolled bool
	methods  []biometric.Method
	result   *biometric.Result
}

func (p *scriptedPlatform) HasHardware(ctx context.Context) (bool, error) { return p.hardware, nil }
func (p *scriptedPlatform) IsEnrolled(ctx context.Context) (bool, error)  { return p.enrolled, nil }
func (p *scriptedPlatform) SupportedMethods(ctx context.Context) ([]biometric.Method, error) {
	return p.methods, nil
}
func (p *scriptedPlatform) Authenticate(ctx context.Context, prompt, fallbackLabel string) (*biometric.Result, error) {
	return p.result, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	secure := storage.NewMemory()
	plain := storage.NewMemory()

	pins := pin.NewStore(secure, hashing.NewHasher(), 6)
	lockouts := lockout.NewPolicy(plain, 5, 5*time.Minute)
	devices := devicetrust.NewRegistry(plain)
	platform := &scriptedPlatform{
		hardware: true,
		enrolled: true,
		methods:  []biometric.Method{biometric.MethodFingerprint},
		result:   &biometric.Result{Success: true, Method: biometric.MethodFingerprint},
	}
	gate := biometric.NewGate(platform, plain, "Authenticate to continue", "Use PIN")
	sessions := &fakeSessions{present: true}

	return &fixture{
		controller: NewController(sessions, pins, lockouts, devices, gate),
		sessions:   sessions,
		pins:       pins,
		lockouts:   lockouts,
		devices:    devices,
		gate:       gate,
		platform:   platform,
	}
}

func TestEvaluateWithoutSession(t *testing.T) {
	fx := newFixture(t)
	fx.sessions.present = false

	state, err := fx.controller.Evaluate(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state != StateUnauthenticated {
		t.Fatalf("state = %v, want Unauthenticated", state)
	}
}

func TestEvaluateWithoutPIN(t *testing.T) {
	fx := newFixture(t)

	state, err := fx.controller.Evaluate(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state != StateNoPIN {
		t.Fatalf("state = %v, want NoPIN", state)
	}
}

func TestEvaluateOnNewDevice(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	state, err := fx.controller.Evaluate(ctx, "device-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state != StateNewDevice {
		t.Fatalf("state = %v, want NewDevice", state)
	}
}

func TestEvaluateKnownDeviceWithoutBiometric(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := fx.devices.MarkKnown(ctx, models.DeviceInfo{DeviceID: "device-1"}); err != nil {
		t.Fatalf("MarkKnown failed: %v", err)
	}

	state, err := fx.controller.Evaluate(ctx, "device-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state != StateNeedsPIN {
		t.Fatalf("state = %v, want NeedsPIN", state)
	}
}

func TestEvaluateSilentBiometric(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := fx.devices.MarkKnown(ctx, models.DeviceInfo{DeviceID: "device-1"}); err != nil {
		t.Fatalf("MarkKnown failed: %v", err)
	}
	if err := fx.gate.Enable(ctx, "device-1"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	state, err := fx.controller.Evaluate(ctx, "device-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state != StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", state)
	}
}

func TestEvaluateBiometricDeclineFallsThrough(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.platform.result = &biometric.Result{Cancelled: true}

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := fx.devices.MarkKnown(ctx, models.DeviceInfo{DeviceID: "device-1"}); err != nil {
		t.Fatalf("MarkKnown failed: %v", err)
	}
	if err := fx.gate.Enable(ctx, "device-1"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	state, err := fx.controller.Evaluate(ctx, "device-1")
	if err != nil {
		t.Fatalf("decline surfaced as error: %v", err)
	}
	if state != StateNeedsPIN {
		t.Fatalf("state = %v, want NeedsPIN after biometric decline", state)
	}
}

func TestSubmitPINSuccessResetsLockout(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	// Two failures, then the right PIN.
	for i := 0; i < 2; i++ {
		if _, err := fx.controller.SubmitPIN(ctx, "device-1", "000000"); !errors.Is(err, pin.ErrIncorrectPIN) {
			t.Fatalf("wrong pin: got %v, want ErrIncorrectPIN", err)
		}
	}

	state, err := fx.controller.SubmitPIN(ctx, "device-1", "482913")
	if err != nil {
		t.Fatalf("SubmitPIN failed: %v", err)
	}
	if state != StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", state)
	}

	status, _, err := fx.lockouts.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FailedAttempts != 0 {
		t.Fatalf("counter = %d after success, want 0", status.FailedAttempts)
	}
}

func TestSubmitPINThresholdCrossingSurfacesLock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = fx.controller.SubmitPIN(ctx, "device-1", "000000")
	}

	var locked *lockout.LockedError
	if !errors.As(lastErr, &locked) {
		t.Fatalf("fifth failure: got %v, want *LockedError", lastErr)
	}
	if locked.RemainingSeconds < 299 || locked.RemainingSeconds > 300 {
		t.Fatalf("RemainingSeconds = %d, want ~300", locked.RemainingSeconds)
	}
}

func TestSubmitPINRefusedWhileLocked(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		fx.controller.SubmitPIN(ctx, "device-1", "000000")
	}

	// Even the correct PIN is refused while the lock holds, and the
	// refusal does not advance the counter.
	_, err := fx.controller.SubmitPIN(ctx, "device-1", "482913")
	var locked *lockout.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("got %v, want *LockedError while locked", err)
	}

	status, _, err := fx.lockouts.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FailedAttempts != 5 {
		t.Fatalf("counter = %d, want 5 (refused attempt must not count)", status.FailedAttempts)
	}
}

func TestSubmitPINWithoutCredential(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.controller.SubmitPIN(context.Background(), "device-1", "482913")
	if !errors.Is(err, pin.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}

	// A not-configured failure is not a login attempt.
	status, _, statusErr := fx.lockouts.Status(context.Background(), "device-1")
	if statusErr != nil {
		t.Fatalf("Status failed: %v", statusErr)
	}
	if status.FailedAttempts != 0 {
		t.Fatalf("counter = %d, want 0", status.FailedAttempts)
	}
}

func TestSubmitPINRejectsReentrantCalls(t *testing.T) {
	fx := newFixture(t)

	if !fx.controller.begin("device-1") {
		t.Fatal("first begin refused")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = fx.controller.SubmitPIN(context.Background(), "device-1", "482913")
	}()
	wg.Wait()

	if !errors.Is(err, ErrVerificationInFlight) {
		t.Fatalf("got %v, want ErrVerificationInFlight", err)
	}

	fx.controller.end("device-1")

	// Other devices are unaffected by the guard.
	if _, err := fx.controller.SubmitPIN(context.Background(), "device-2", "482913"); errors.Is(err, ErrVerificationInFlight) {
		t.Fatal("guard leaked across devices")
	}
}

func TestUpdatePINDoesNotCountAsLoginFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.pins.Setup(ctx, "device-1", "482913"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := fx.pins.Update(ctx, "device-1", "000000", "111111"); !errors.Is(err, pin.ErrIncorrectPIN) {
		t.Fatalf("Update with wrong current: got %v, want ErrIncorrectPIN", err)
	}

	status, _, err := fx.lockouts.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FailedAttempts != 0 {
		t.Fatalf("counter = %d after update failure, want 0", status.FailedAttempts)
	}
}
