package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// DefaultDeviceTokenTTL is the lifetime of an issued device token
const DefaultDeviceTokenTTL = 30 * 24 * time.Hour

const refreshPrefix = "refresh:"

var (
	// ErrInvalidDeviceToken is returned for malformed or forged tokens
	ErrInvalidDeviceToken = errors.New(errors.ErrorTypeAuthentication, "invalid device token")
	// ErrDeviceMismatch is returned when a token was issued to another device
	ErrDeviceMismatch = errors.New(errors.ErrorTypeAuthentication, "device token issued to another device")
	// ErrDeviceTokenExpired is returned for tokens older than their TTL
	ErrDeviceTokenExpired = errors.New(errors.ErrorTypeAuthentication, "device token expired")
)

// DeviceTokenPair is an issued access and refresh token for a paired device
type DeviceTokenPair struct {
	DeviceID     string    `json:"device_id"`
	DeviceType   string    `json:"device_type"`
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DeviceTokens issues and validates self-signed device tokens. A token is
// base64url(deviceId:deviceType:userId:timestamp) + "." + hex(HMAC-SHA256)
// of the encoded payload.
type DeviceTokens struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewDeviceTokens creates a device token issuer signing with secret
func NewDeviceTokens(secret string, ttl time.Duration, clk clock.Clock) (*DeviceTokens, error) {
	if secret == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "device token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultDeviceTokenTTL
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &DeviceTokens{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

// Issue generates a new token pair for a device
func (d *DeviceTokens) Issue(deviceID, deviceType, userID string) (*DeviceTokenPair, error) {
	if deviceID == "" || userID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "device_id and user_id are required")
	}
	if strings.Contains(deviceID, ":") || strings.Contains(deviceType, ":") || strings.Contains(userID, ":") {
		return nil, errors.New(errors.ErrorTypeValidation, "device identifiers must not contain ':'")
	}

	now := d.clock.Now().UTC()
	payload := fmt.Sprintf("%s:%s:%s:%s", deviceID, deviceType, userID, now.Format(time.RFC3339Nano))

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to generate refresh nonce")
	}

	return &DeviceTokenPair{
		DeviceID:     deviceID,
		DeviceType:   deviceType,
		UserID:       userID,
		Token:        d.sign(payload),
		RefreshToken: d.sign(refreshPrefix + payload + ":" + hex.EncodeToString(nonce)),
		CreatedAt:    now,
		ExpiresAt:    now.Add(d.ttl),
	}, nil
}

// Validate checks the token's signature, that it was issued to deviceID and
// that it has not outlived the TTL.
func (d *DeviceTokens) Validate(token, deviceID string) error {
	payload, err := d.verify(token)
	if err != nil {
		return err
	}
	if strings.HasPrefix(payload, refreshPrefix) {
		return ErrInvalidDeviceToken
	}
	return d.checkClaims(payload, deviceID)
}

// Refresh exchanges a refresh token for a new token pair
func (d *DeviceTokens) Refresh(refreshToken, deviceID string) (*DeviceTokenPair, error) {
	payload, err := d.verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(payload, refreshPrefix) {
		return nil, ErrInvalidDeviceToken
	}

	// Strip the prefix and the trailing nonce to recover the access payload
	inner := strings.TrimPrefix(payload, refreshPrefix)
	idx := strings.LastIndex(inner, ":")
	if idx < 0 {
		return nil, ErrInvalidDeviceToken
	}
	inner = inner[:idx]

	if err := d.checkClaims(inner, deviceID); err != nil {
		return nil, err
	}

	parts := strings.SplitN(inner, ":", 4)
	return d.Issue(parts[0], parts[1], parts[2])
}

func (d *DeviceTokens) checkClaims(payload, deviceID string) error {
	parts := strings.SplitN(payload, ":", 4)
	if len(parts) != 4 {
		return ErrInvalidDeviceToken
	}
	if !hmac.Equal([]byte(parts[0]), []byte(deviceID)) {
		return ErrDeviceMismatch
	}
	issued, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return ErrInvalidDeviceToken
	}
	if d.clock.Now().After(issued.Add(d.ttl)) {
		return ErrDeviceTokenExpired
	}
	return nil
}

func (d *DeviceTokens) sign(payload string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + d.signature(encoded)
}

func (d *DeviceTokens) signature(encoded string) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks the signature and returns the decoded payload
func (d *DeviceTokens) verify(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" || strings.Contains(sig, ".") {
		return "", ErrInvalidDeviceToken
	}
	if !hmac.Equal([]byte(sig), []byte(d.signature(encoded))) {
		return "", ErrInvalidDeviceToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidDeviceToken
	}
	return string(raw), nil
}
