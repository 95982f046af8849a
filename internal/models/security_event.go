package models

import (
	"time"
)

// Security event types emitted by the service.
const (
	EventPINSetup          = "pin_setup"
	EventPINVerified       = "pin_verified"
	EventPINFailed         = "pin_failed"
	EventPINUpdated        = "pin_updated"
	EventPINDeleted        = "pin_deleted"
	EventLockoutEngaged    = "lockout_engaged"
	EventLockoutExpired    = "lockout_expired"
	EventBiometricEnabled  = "biometric_enabled"
	EventBiometricDisabled = "biometric_disabled"
	EventBiometricFailed   = "biometric_failed"
	EventDeviceTrusted     = "device_trusted"
)

type SecurityEvent struct {
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	DeviceID    string    `db:"device_id" json:"device_id"`
	EventDate   string    `db:"event_date" json:"event_date"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	EventType   string    `db:"event_type" json:"event_type"`
	Platform    string    `db:"platform" json:"platform,omitempty"`
	RiskScore   int       `db:"risk_score" json:"risk_score"`
	Details     string    `db:"details" json:"details,omitempty"`
}
