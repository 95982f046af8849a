package models

import "time"

// DeviceInfo identifies a single app install. DeviceID is an opaque
// per-install identifier generated by the client, not a hardware serial.
type DeviceInfo struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	TrustedAt  time.Time `json:"trusted_at,omitempty"`
}
