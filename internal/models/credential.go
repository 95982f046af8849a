package models

import "time"

// CredentialRecord is the persisted PIN credential. Hash and salt are
// hex-encoded; either both exist or the device has no PIN configured.
type CredentialRecord struct {
	DeviceID    string    `json:"device_id" db:"device_id"`
	PINHash     string    `json:"pin_hash" db:"pin_hash"`
	Salt        string    `json:"salt" db:"salt"`
	LastChanged time.Time `json:"last_changed" db:"last_changed"`
}
