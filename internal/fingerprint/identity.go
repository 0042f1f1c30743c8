package fingerprint

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DeviceIdentity is the device-owned record binding a fingerprint hash to a
// shorter-lived session identifier. It persists until the device clears its
// storage or the user explicitly signs out.
type DeviceIdentity struct {
	FingerprintHash string    `json:"fingerprint_hash"`
	SessionID       string    `json:"session_id"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// NewDeviceIdentity mints an identity for a first-time device.
func NewDeviceIdentity(fingerprintHash string, now time.Time) (DeviceIdentity, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return DeviceIdentity{}, err
	}
	return DeviceIdentity{
		FingerprintHash: fingerprintHash,
		SessionID:       sessionID,
		FirstSeen:       now,
		LastSeen:        now,
	}, nil
}

// Touch records device activity.
func (d *DeviceIdentity) Touch(now time.Time) {
	d.LastSeen = now
}

func newSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
