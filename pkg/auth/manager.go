// Package auth is the credential manager. It authenticates sources with
// OAuth2 code exchange, self-issued device tokens, API keys or nothing at
// all, refreshes expiring credentials and hands connectors a refresh
// callback bound to their source.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/tributary/pkg/clients"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// DefaultRefreshThreshold is how close to expiry a credential is refreshed
const DefaultRefreshThreshold = time.Hour

// CredentialStore persists refreshed credentials
type CredentialStore interface {
	UpdateCredential(ctx context.Context, sourceID uuid.UUID, cred *models.Credential) error
	SetSourceStatus(ctx context.Context, sourceID uuid.UUID, status models.SourceStatus) error
}

// Credentials is the input to Authenticate. Which fields are read depends
// on the auth kind.
type Credentials struct {
	// OAuth2
	Code         string     `json:"code,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`

	// API key
	APIKey string `json:"api_key,omitempty"`

	// Device
	DeviceID    string `json:"device_id,omitempty"`
	DeviceType  string `json:"device_type,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Token       string `json:"token,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// AuthResult is the outcome of Authenticate
type AuthResult struct {
	Authenticated bool               `json:"authenticated"`
	Kind          models.AuthKind    `json:"auth_kind"`
	Credential    *models.Credential `json:"-"`
	Message       string             `json:"message,omitempty"`
}

// Manager is the credential manager
type Manager struct {
	providers map[string]*OAuthProvider
	devices   *DeviceTokens
	pairing   *PairingStore
	threshold time.Duration
	clock     clock.Clock
	group     singleflight.Group
	logger    *zap.Logger
}

// NewManager creates a credential manager. Device authentication is only
// available when cfg.DeviceTokenSecret is set.
func NewManager(cfg config.AuthConfig, clk clock.Clock, httpClient *http.Client) (*Manager, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}

	m := &Manager{
		providers: make(map[string]*OAuthProvider, len(cfg.Providers)),
		threshold: threshold,
		clock:     clk,
		logger:    logger.Get().With(zap.String("component", "credential_manager")),
	}
	for name, p := range cfg.Providers {
		m.providers[name] = NewOAuthProvider(name, p, httpClient)
	}

	if cfg.DeviceTokenSecret != "" {
		devices, err := NewDeviceTokens(cfg.DeviceTokenSecret, cfg.DeviceTokenTTL, clk)
		if err != nil {
			return nil, err
		}
		m.devices = devices
		m.pairing = NewPairingStore(devices, cfg.PairingTTL, clk)
	}
	return m, nil
}

// Provider returns the OAuth provider registered for sourceType
func (m *Manager) Provider(sourceType string) (*OAuthProvider, bool) {
	p, ok := m.providers[sourceType]
	return p, ok
}

// Devices returns the device token issuer, or nil when device auth is disabled
func (m *Manager) Devices() *DeviceTokens { return m.devices }

// Pairing returns the pairing store, or nil when device auth is disabled
func (m *Manager) Pairing() *PairingStore { return m.pairing }

// Threshold returns the proactive refresh window
func (m *Manager) Threshold() time.Duration { return m.threshold }

// Authenticate establishes a credential for a source of sourceType
func (m *Manager) Authenticate(ctx context.Context, sourceType string, kind models.AuthKind, creds Credentials) (*AuthResult, error) {
	switch kind {
	case models.AuthKindOAuth2:
		return m.authenticateOAuth(ctx, sourceType, creds)
	case models.AuthKindDeviceToken:
		return m.authenticateDevice(sourceType, creds)
	case models.AuthKindAPIKey:
		if creds.APIKey == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "api_key is required")
		}
		return &AuthResult{
			Authenticated: true,
			Kind:          kind,
			Credential:    &models.Credential{APIKey: creds.APIKey},
		}, nil
	case models.AuthKindNone, "":
		return &AuthResult{Authenticated: true, Kind: models.AuthKindNone, Credential: &models.Credential{}}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported auth kind %q", kind)
	}
}

func (m *Manager) authenticateOAuth(ctx context.Context, sourceType string, creds Credentials) (*AuthResult, error) {
	// A pre-obtained access token needs no provider
	if creds.Code == "" && creds.RefreshToken == "" && creds.AccessToken != "" {
		return &AuthResult{
			Authenticated: true,
			Kind:          models.AuthKindOAuth2,
			Credential: &models.Credential{
				AccessToken: creds.AccessToken,
				TokenType:   "Bearer",
				ExpiresAt:   creds.ExpiresAt,
				Scopes:      creds.Scopes,
			},
		}, nil
	}

	provider, ok := m.providers[sourceType]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no OAuth provider configured for %s", sourceType)
	}

	var (
		cred *models.Credential
		err  error
	)
	switch {
	case creds.Code != "":
		cred, err = provider.Exchange(ctx, creds.Code)
	case creds.RefreshToken != "":
		cred, err = provider.Refresh(ctx, &models.Credential{RefreshToken: creds.RefreshToken, Scopes: creds.Scopes})
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "code, refresh_token or access_token is required")
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("oauth source authenticated",
		zap.String("source", sourceType),
		zap.Time("expires_at", expiresAt(cred)))
	return &AuthResult{Authenticated: true, Kind: models.AuthKindOAuth2, Credential: cred}, nil
}

func (m *Manager) authenticateDevice(sourceType string, creds Credentials) (*AuthResult, error) {
	if m.devices == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "device authentication requires auth.device_token_secret")
	}

	var (
		pair *DeviceTokenPair
		err  error
	)
	switch {
	case creds.PairingCode != "":
		pair, err = m.pairing.Complete(creds.PairingCode, creds.UserID)
	case creds.Token != "" && creds.DeviceID != "":
		if verr := m.devices.Validate(creds.Token, creds.DeviceID); verr != nil {
			return &AuthResult{Kind: models.AuthKindDeviceToken, Message: verr.Error()}, nil
		}
		return &AuthResult{
			Authenticated: true,
			Kind:          models.AuthKindDeviceToken,
			Credential: &models.Credential{
				AccessToken: creds.Token,
				TokenType:   "Device",
				DeviceID:    creds.DeviceID,
				DeviceType:  creds.DeviceType,
				UserID:      creds.UserID,
			},
		}, nil
	case creds.RefreshToken != "" && creds.DeviceID != "":
		pair, err = m.devices.Refresh(creds.RefreshToken, creds.DeviceID)
	case creds.DeviceID != "" && creds.UserID != "":
		deviceType := creds.DeviceType
		if deviceType == "" {
			deviceType = defaultDeviceType(sourceType)
		}
		pair, err = m.devices.Issue(creds.DeviceID, deviceType, creds.UserID)
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "device_id with user_id, token, refresh_token or pairing_code is required")
	}
	if err != nil {
		return nil, err
	}

	return &AuthResult{Authenticated: true, Kind: models.AuthKindDeviceToken, Credential: deviceCredential(pair)}, nil
}

// Refresh obtains a fresh credential. Device credentials are re-issued
// from their refresh token, everything else goes to the OAuth provider
// registered for sourceType.
func (m *Manager) Refresh(ctx context.Context, sourceType string, cred *models.Credential) (*models.Credential, error) {
	if cred == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "no credential to refresh")
	}

	if cred.DeviceID != "" {
		if m.devices == nil {
			return nil, errors.New(errors.ErrorTypeConfig, "device authentication is disabled")
		}
		pair, err := m.devices.Refresh(cred.RefreshToken, cred.DeviceID)
		if err != nil {
			return nil, err
		}
		return deviceCredential(pair), nil
	}

	provider, ok := m.providers[sourceType]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no OAuth provider configured for %s", sourceType)
	}
	return provider.Refresh(ctx, cred)
}

// RefreshSource refreshes src's credential and persists it. Concurrent
// refreshes of the same source share one provider call. A rejected refresh
// marks the source as errored.
func (m *Manager) RefreshSource(ctx context.Context, src *models.Source, store CredentialStore) (*models.Credential, error) {
	v, err, _ := m.group.Do(src.ID.String(), func() (interface{}, error) {
		cred, err := m.Refresh(ctx, src.SourceType, src.Credential)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeAuthentication) {
				if serr := store.SetSourceStatus(ctx, src.ID, models.SourceStatusError); serr != nil {
					m.logger.Warn("failed to mark source errored", zap.String("source_id", src.ID.String()), zap.Error(serr))
				}
			}
			return nil, err
		}
		if err := store.UpdateCredential(ctx, src.ID, cred); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to persist refreshed credential")
		}
		return cred, nil
	})
	if err != nil {
		return nil, err
	}

	cred := v.(*models.Credential)
	src.Credential = cred
	m.logger.Debug("source credential refreshed",
		zap.String("source_id", src.ID.String()),
		zap.Time("expires_at", expiresAt(cred)))
	return cred, nil
}

// ValidToken returns an access token for src, refreshing it first when it
// expires within the threshold. Sources without OAuth return their stored
// token or API key unchanged.
func (m *Manager) ValidToken(ctx context.Context, src *models.Source, store CredentialStore) (string, error) {
	cred := src.Credential
	if cred == nil {
		return "", errors.Newf(errors.ErrorTypeAuthentication, "source %s has no credential", src.ID)
	}

	switch src.AuthKind {
	case models.AuthKindAPIKey:
		return cred.APIKey, nil
	case models.AuthKindOAuth2:
	default:
		return cred.AccessToken, nil
	}

	if IsExpiringSoon(cred, m.threshold, m.clock.Now()) && cred.HasRefreshToken() {
		fresh, err := m.RefreshSource(ctx, src, store)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues(src.SourceType, "on_demand", "failure").Inc()
			return "", err
		}
		metrics.TokenRefreshes.WithLabelValues(src.SourceType, "on_demand", "success").Inc()
		return fresh.AccessToken, nil
	}
	return cred.AccessToken, nil
}

// BindRefresher returns a refresh callback for src suitable for
// clients.AuthTransport.
func (m *Manager) BindRefresher(src *models.Source, store CredentialStore) clients.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		cred, err := m.RefreshSource(ctx, src, store)
		if err != nil {
			return "", err
		}
		return cred.AccessToken, nil
	}
}

// IsExpiringSoon reports whether cred expires within window of now
func IsExpiringSoon(cred *models.Credential, window time.Duration, now time.Time) bool {
	return cred.IsExpiringSoon(now, window)
}

func deviceCredential(pair *DeviceTokenPair) *models.Credential {
	expiry := pair.ExpiresAt
	return &models.Credential{
		AccessToken:  pair.Token,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Device",
		ExpiresAt:    &expiry,
		DeviceID:     pair.DeviceID,
		DeviceType:   pair.DeviceType,
		UserID:       pair.UserID,
	}
}

func defaultDeviceType(sourceType string) string {
	if strings.Contains(strings.ToLower(sourceType), "mac") {
		return "mac"
	}
	return "ios"
}
