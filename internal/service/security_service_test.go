package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-security-service/internal/authflow"
	"device-security-service/internal/biometric"
	"device-security-service/internal/bucketing"
	"device-security-service/internal/config"
	"device-security-service/internal/devicetrust"
	"device-security-service/internal/events"
	"device-security-service/internal/hashing"
	"device-security-service/internal/lockout"
	"device-security-service/internal/models"
	"device-security-service/internal/pin"
	"device-security-service/internal/storage"
)

type recordedSink struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (s *recordedSink) Name() string { return "test" }

func (s *recordedSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordedSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

func (s *recordedSink) hasType(eventType string) bool {
	for _, t := range s.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.PINLength = 6
	cfg.Security.MaxFailedAttempts = 5
	cfg.Security.LockoutDuration = 5 * time.Minute
	cfg.Bucketing.DeviceBuckets = 64
	cfg.Bucketing.EventBuckets = 16
	return cfg
}

func newTestService(t *testing.T) (*SecurityService, *recordedSink, *storage.Memory) {
	t.Helper()

	cfg := testConfig()
	secure := storage.NewMemory()
	plain := storage.NewMemory()

	sink := &recordedSink{}
	recorder := events.NewRecorder(bucketing.NewBucketingManager(cfg), time.Second, false, sink)

	platform := &biometric.ClientReport{
		Hardware: true,
		Enrolled: true,
		Methods:  []biometric.Method{biometric.MethodFingerprint},
		Outcome:  &biometric.Result{Success: true, Method: biometric.MethodFingerprint},
	}

	svc := NewSecurityService(
		cfg,
		NewSessionStore(plain),
		pin.NewStore(secure, hashing.NewHasher(), cfg.Security.PINLength),
		lockout.NewPolicy(plain, cfg.Security.MaxFailedAttempts, cfg.Security.LockoutDuration),
		devicetrust.NewRegistry(plain),
		biometric.NewGate(platform, plain, "Authenticate to continue", "Use PIN"),
		recorder,
	)

	return svc, sink, plain
}

func signIn(t *testing.T, plain *storage.Memory, deviceID string) {
	t.Helper()
	if err := plain.Put(context.Background(), "session:"+deviceID, []byte("1")); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
}

func TestSetupVerifyLifecycleEmitsEvents(t *testing.T) {
	svc, sink, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetupPIN(ctx, "device-1", "android", "482913"); err != nil {
		t.Fatalf("SetupPIN failed: %v", err)
	}

	hasPIN, err := svc.HasPIN(ctx, "device-1")
	if err != nil {
		t.Fatalf("HasPIN failed: %v", err)
	}
	if !hasPIN {
		t.Fatal("HasPIN false after setup")
	}

	state, err := svc.VerifyPIN(ctx, "device-1", "android", "482913")
	if err != nil {
		t.Fatalf("VerifyPIN failed: %v", err)
	}
	if state != authflow.StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", state)
	}

	if _, err := svc.VerifyPIN(ctx, "device-1", "android", "000000"); !errors.Is(err, pin.ErrIncorrectPIN) {
		t.Fatalf("wrong pin: got %v, want ErrIncorrectPIN", err)
	}

	for _, want := range []string{models.EventPINSetup, models.EventPINVerified, models.EventPINFailed} {
		if !sink.hasType(want) {
			t.Errorf("event %q not recorded; got %v", want, sink.types())
		}
	}
}

func TestLockoutEngagedEventCarriesCountdown(t *testing.T) {
	svc, sink, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetupPIN(ctx, "device-1", "android", "482913"); err != nil {
		t.Fatalf("SetupPIN failed: %v", err)
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = svc.VerifyPIN(ctx, "device-1", "android", "000000")
	}

	var locked *lockout.LockedError
	if !errors.As(lastErr, &locked) {
		t.Fatalf("got %v, want *LockedError", lastErr)
	}
	if !sink.hasType(models.EventLockoutEngaged) {
		t.Fatalf("lockout_engaged not recorded; got %v", sink.types())
	}

	status, err := svc.LockoutStatus(ctx, "device-1")
	if err != nil {
		t.Fatalf("LockoutStatus failed: %v", err)
	}
	if !status.Locked || status.RemainingSeconds <= 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestForgotPINClearsCredentialAndLockout(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetupPIN(ctx, "device-1", "android", "482913"); err != nil {
		t.Fatalf("SetupPIN failed: %v", err)
	}
	if err := svc.MarkDeviceKnown(ctx, models.DeviceInfo{DeviceID: "device-1"}); err != nil {
		t.Fatalf("MarkDeviceKnown failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		svc.VerifyPIN(ctx, "device-1", "android", "000000")
	}

	if err := svc.ForgotPIN(ctx, "device-1", "android"); err != nil {
		t.Fatalf("ForgotPIN failed: %v", err)
	}

	hasPIN, err := svc.HasPIN(ctx, "device-1")
	if err != nil {
		t.Fatalf("HasPIN failed: %v", err)
	}
	if hasPIN {
		t.Fatal("credential survived ForgotPIN")
	}

	status, err := svc.LockoutStatus(ctx, "device-1")
	if err != nil {
		t.Fatalf("LockoutStatus failed: %v", err)
	}
	if status.Locked || status.FailedAttempts != 0 {
		t.Fatalf("lockout survived ForgotPIN: %+v", status)
	}

	// Trust persists through the reset flow.
	isNew, err := svc.IsNewDevice(ctx, "device-1")
	if err != nil {
		t.Fatalf("IsNewDevice failed: %v", err)
	}
	if isNew {
		t.Fatal("device trust lost on ForgotPIN")
	}
}

func TestMarkDeviceKnownEmitsOnce(t *testing.T) {
	svc, sink, _ := newTestService(t)
	ctx := context.Background()

	info := models.DeviceInfo{DeviceID: "device-1", Platform: "ios"}
	for i := 0; i < 3; i++ {
		if err := svc.MarkDeviceKnown(ctx, info); err != nil {
			t.Fatalf("MarkDeviceKnown failed: %v", err)
		}
	}

	count := 0
	for _, eventType := range sink.types() {
		if eventType == models.EventDeviceTrusted {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("device_trusted recorded %d times, want 1", count)
	}
}

func TestEnableBiometricHonorsReport(t *testing.T) {
	svc, sink, _ := newTestService(t)
	ctx := context.Background()

	faceOnly := &biometric.ClientReport{
		Hardware: true,
		Enrolled: true,
		Methods:  []biometric.Method{biometric.MethodFace},
	}
	if err := svc.EnableBiometric(ctx, "device-1", "ios", faceOnly); !errors.Is(err, biometric.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable for face-only report", err)
	}
	if !sink.hasType(models.EventBiometricFailed) {
		t.Fatal("failed enable not recorded")
	}

	fingerprint := &biometric.ClientReport{
		Hardware: true,
		Enrolled: true,
		Methods:  []biometric.Method{biometric.MethodFingerprint},
	}
	if err := svc.EnableBiometric(ctx, "device-1", "ios", fingerprint); err != nil {
		t.Fatalf("EnableBiometric failed: %v", err)
	}

	_, enabled, err := svc.BiometricStatus(ctx, "device-1", fingerprint)
	if err != nil {
		t.Fatalf("BiometricStatus failed: %v", err)
	}
	if !enabled {
		t.Fatal("preference flag not set")
	}

	if err := svc.DisableBiometric(ctx, "device-1", "ios"); err != nil {
		t.Fatalf("DisableBiometric failed: %v", err)
	}
	if !sink.hasType(models.EventBiometricDisabled) {
		t.Fatal("disable not recorded")
	}
}

func TestEvaluateFlowSequencing(t *testing.T) {
	svc, _, plain := newTestService(t)
	ctx := context.Background()

	// No session anywhere yet.
	state, err := svc.EvaluateFlow(ctx, "device-1", nil)
	if err != nil {
		t.Fatalf("EvaluateFlow failed: %v", err)
	}
	if state != authflow.StateUnauthenticated {
		t.Fatalf("state = %v, want Unauthenticated", state)
	}

	signIn(t, plain, "device-1")

	state, err = svc.EvaluateFlow(ctx, "device-1", nil)
	if err != nil {
		t.Fatalf("EvaluateFlow failed: %v", err)
	}
	if state != authflow.StateNoPIN {
		t.Fatalf("state = %v, want NoPIN", state)
	}

	if err := svc.SetupPIN(ctx, "device-1", "android", "482913"); err != nil {
		t.Fatalf("SetupPIN failed: %v", err)
	}

	state, err = svc.EvaluateFlow(ctx, "device-1", nil)
	if err != nil {
		t.Fatalf("EvaluateFlow failed: %v", err)
	}
	if state != authflow.StateNewDevice {
		t.Fatalf("state = %v, want NewDevice", state)
	}

	if err := svc.MarkDeviceKnown(ctx, models.DeviceInfo{DeviceID: "device-1"}); err != nil {
		t.Fatalf("MarkDeviceKnown failed: %v", err)
	}

	state, err = svc.EvaluateFlow(ctx, "device-1", nil)
	if err != nil {
		t.Fatalf("EvaluateFlow failed: %v", err)
	}
	if state != authflow.StateNeedsPIN {
		t.Fatalf("state = %v, want NeedsPIN", state)
	}

	// With an opted-in device and a successful on-device prompt in the
	// report, the silent branch admits the device.
	report := &biometric.ClientReport{
		Hardware: true,
		Enrolled: true,
		Methods:  []biometric.Method{biometric.MethodFingerprint},
		Outcome:  &biometric.Result{Success: true, Method: biometric.MethodFingerprint},
	}
	if err := svc.EnableBiometric(ctx, "device-1", "android", report); err != nil {
		t.Fatalf("EnableBiometric failed: %v", err)
	}

	state, err = svc.EvaluateFlow(ctx, "device-1", report)
	if err != nil {
		t.Fatalf("EvaluateFlow failed: %v", err)
	}
	if state != authflow.StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", state)
	}
}
