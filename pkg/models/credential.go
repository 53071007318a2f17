package models

import (
	"time"
)

// Credential holds the secrets a source authenticates with. Which fields
// are populated depends on the source's AuthKind.
type Credential struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`

	APIKey string `json:"api_key,omitempty"`

	DeviceID   string `json:"device_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// IsExpiringSoon reports whether the credential expires within window of now.
// Credentials without an expiry never expire.
func (c *Credential) IsExpiringSoon(now time.Time, window time.Duration) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(now.Add(window))
}

// HasRefreshToken reports whether a refresh is possible
func (c *Credential) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// PairingStatus is the state of a device pairing session
type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingCompleted PairingStatus = "completed"
	PairingExpired   PairingStatus = "expired"
)

// PairingSession is a short-lived, single-use session that binds a device
// to a user through a 6-digit code.
type PairingSession struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	DeviceInfo map[string]string `json:"device_info"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Status     PairingStatus     `json:"status"`
}
