package lockout

import (
	"context"
	"errors"
	"testing"
	"time"

	"device-security-service/internal/storage"
)

func newTestPolicy(t *testing.T) (*Policy, *time.Time) {
	t.Helper()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := NewPolicy(storage.NewMemory(), 5, 5*time.Minute)
	policy.now = func() time.Time { return current }

	return policy, &current
}

func TestStatusForUnknownDevice(t *testing.T) {
	policy, _ := newTestPolicy(t)

	status, expired, err := policy.Status(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Locked || status.FailedAttempts != 0 || expired {
		t.Fatalf("unexpected status for fresh device: %+v expired=%v", status, expired)
	}
}

func TestLockEngagesAtThreshold(t *testing.T) {
	policy, _ := newTestPolicy(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		status, err := policy.RecordFailure(ctx, "device-1")
		if err != nil {
			t.Fatalf("failure %d: unexpected error %v", i, err)
		}
		if status.FailedAttempts != i {
			t.Fatalf("failure %d: counter = %d", i, status.FailedAttempts)
		}
	}

	_, err := policy.RecordFailure(ctx, "device-1")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("fifth failure: got %v, want *LockedError", err)
	}
	if locked.RemainingSeconds != 300 {
		t.Fatalf("RemainingSeconds = %d, want 300", locked.RemainingSeconds)
	}

	status, _, err := policy.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Locked {
		t.Fatal("device not locked after threshold")
	}
}

func TestRemainingSecondsCountsDown(t *testing.T) {
	policy, current := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		policy.RecordFailure(ctx, "device-1")
	}

	*current = current.Add(2 * time.Minute)

	status, _, err := policy.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Locked {
		t.Fatal("lock released early")
	}
	if status.RemainingSeconds != 180 {
		t.Fatalf("RemainingSeconds = %d, want 180", status.RemainingSeconds)
	}
}

func TestLazyExpiryResetsCounter(t *testing.T) {
	policy, current := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		policy.RecordFailure(ctx, "device-1")
	}

	*current = current.Add(5*time.Minute + time.Second)

	status, expired, err := policy.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Locked {
		t.Fatal("lock still active after duration elapsed")
	}
	if !expired {
		t.Fatal("lapsed lock not reported as expired")
	}
	if status.FailedAttempts != 0 {
		t.Fatalf("counter = %d after expiry, want 0", status.FailedAttempts)
	}

	// The next failure starts a fresh allowance, not an immediate re-lock.
	result, err := policy.RecordFailure(ctx, "device-1")
	if err != nil {
		t.Fatalf("failure after expiry: %v", err)
	}
	if result.FailedAttempts != 1 {
		t.Fatalf("counter = %d after expiry failure, want 1", result.FailedAttempts)
	}
}

func TestFailureAfterLapsedLockRestartsCounter(t *testing.T) {
	policy, current := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		policy.RecordFailure(ctx, "device-1")
	}

	// Skip the Status read: RecordFailure itself must notice the lapse.
	*current = current.Add(10 * time.Minute)

	status, err := policy.RecordFailure(ctx, "device-1")
	if err != nil {
		t.Fatalf("failure after lapse: %v", err)
	}
	if status.FailedAttempts != 1 {
		t.Fatalf("counter = %d, want 1", status.FailedAttempts)
	}
}

func TestResetClearsCounter(t *testing.T) {
	policy, _ := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		policy.RecordFailure(ctx, "device-1")
	}

	if err := policy.Reset(ctx, "device-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	status, _, err := policy.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.FailedAttempts != 0 {
		t.Fatalf("counter = %d after reset, want 0", status.FailedAttempts)
	}
}

func TestDevicesAreIsolated(t *testing.T) {
	policy, _ := newTestPolicy(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		policy.RecordFailure(ctx, "device-1")
	}

	status, _, err := policy.Status(ctx, "device-2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Locked || status.FailedAttempts != 0 {
		t.Fatalf("device-2 affected by device-1 lock: %+v", status)
	}
}
