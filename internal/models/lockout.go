package models

import "time"

// LockoutState is the persisted lockout counter for a device.
// LockoutUntil is the zero time when no lock is active.
type LockoutState struct {
	DeviceID       string    `json:"device_id"`
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until,omitempty"`
}

// LockoutStatus is the evaluated view of LockoutState at a point in time.
type LockoutStatus struct {
	Locked           bool `json:"locked"`
	FailedAttempts   int  `json:"failed_attempts"`
	RemainingSeconds int  `json:"remaining_seconds,omitempty"`
}
