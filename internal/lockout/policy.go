package lockout

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

const lockoutKeyPrefix = "lockout:"

// LockedError reports that a device is locked out. RemainingSeconds is
// always at least 1 while the lock holds.
type LockedError struct {
	RemainingSeconds int
	FailedAttempts   int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("device locked, retry in %d seconds", e.RemainingSeconds)
}

// Policy tracks failed attempts per device and engages a timed lock at
// the configured threshold. Expiry is lazy: no timers run; a lapsed lock
// is cleared on the next read and the attempt counter starts over.
type Policy struct {
	store       storage.KV
	maxAttempts int
	duration    time.Duration

	now func() time.Time
}

func NewPolicy(store storage.KV, maxAttempts int, duration time.Duration) *Policy {
	return &Policy{
		store:       store,
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
	}
}

// Status evaluates the device's lockout state. The second return value
// reports that a lapsed lock was cleared during this call.
func (p *Policy) Status(ctx context.Context, deviceID string) (*models.LockoutStatus, bool, error) {
	state, err := p.get(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		return &models.LockoutStatus{}, false, nil
	}

	if !state.LockoutUntil.IsZero() {
		now := p.now()
		if now.Before(state.LockoutUntil) {
			return &models.LockoutStatus{
				Locked:           true,
				FailedAttempts:   state.FailedAttempts,
				RemainingSeconds: remainingSeconds(state.LockoutUntil.Sub(now)),
			}, false, nil
		}

		// Lock lapsed: clear it so the device gets a fresh allowance.
		if err := p.store.Delete(ctx, lockoutKey(deviceID)); err != nil {
			return nil, false, fmt.Errorf("failed to clear lapsed lockout: %w", err)
		}
		util.Info("Lockout expired",
			zap.String("device_id", deviceID))
		return &models.LockoutStatus{}, true, nil
	}

	return &models.LockoutStatus{
		FailedAttempts: state.FailedAttempts,
	}, false, nil
}

// RecordFailure increments the attempt counter and engages the lock when
// the threshold is reached, returning a *LockedError in that case.
func (p *Policy) RecordFailure(ctx context.Context, deviceID string) (*models.LockoutStatus, error) {
	state, err := p.get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &models.LockoutState{DeviceID: deviceID}
	}

	// A stale lock means the counter restarts at this failure.
	if !state.LockoutUntil.IsZero() && !p.now().Before(state.LockoutUntil) {
		state.FailedAttempts = 0
		state.LockoutUntil = time.Time{}
	}

	state.FailedAttempts++

	if state.FailedAttempts >= p.maxAttempts {
		state.LockoutUntil = p.now().Add(p.duration)
	}

	if err := p.put(ctx, deviceID, state); err != nil {
		return nil, err
	}

	if !state.LockoutUntil.IsZero() {
		util.Warn("Lockout engaged",
			zap.String("device_id", deviceID),
			zap.Int("failed_attempts", state.FailedAttempts))
		return nil, &LockedError{
			RemainingSeconds: remainingSeconds(p.duration),
			FailedAttempts:   state.FailedAttempts,
		}
	}

	return &models.LockoutStatus{
		FailedAttempts: state.FailedAttempts,
	}, nil
}

// Reset clears the attempt counter and any active lock.
func (p *Policy) Reset(ctx context.Context, deviceID string) error {
	if err := p.store.Delete(ctx, lockoutKey(deviceID)); err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}

func (p *Policy) get(ctx context.Context, deviceID string) (*models.LockoutState, error) {
	blob, err := p.store.Get(ctx, lockoutKey(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lockout state: %w", err)
	}

	state := &models.LockoutState{}
	if err := json.Unmarshal(blob, state); err != nil {
		return nil, fmt.Errorf("corrupt lockout state: %w", err)
	}
	return state, nil
}

func (p *Policy) put(ctx context.Context, deviceID string, state *models.LockoutState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode lockout state: %w", err)
	}
	if err := p.store.Put(ctx, lockoutKey(deviceID), blob); err != nil {
		return fmt.Errorf("failed to store lockout state: %w", err)
	}
	return nil
}

func remainingSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func lockoutKey(deviceID string) string {
	return lockoutKeyPrefix + deviceID
}
