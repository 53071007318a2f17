package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// tokenEndpoint serves an OAuth2 token endpoint. Refresh grants for the
// refresh token "revoked" are rejected with invalid_grant.
func tokenEndpoint(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600,"scope":"calendar.read email"}`))
		case "refresh_token":
			switch r.PostForm.Get("refresh_token") {
			case "revoked":
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			case "flaky":
				w.WriteHeader(http.StatusBadGateway)
			default:
				// Providers commonly omit the refresh token on refresh
				_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeSourceStore struct {
	mu       sync.Mutex
	sources  []*models.Source
	updated  map[uuid.UUID]*models.Credential
	statuses map[uuid.UUID]models.SourceStatus
}

func newFakeSourceStore(sources ...*models.Source) *fakeSourceStore {
	return &fakeSourceStore{
		sources:  sources,
		updated:  make(map[uuid.UUID]*models.Credential),
		statuses: make(map[uuid.UUID]models.SourceStatus),
	}
}

func (f *fakeSourceStore) UpdateCredential(_ context.Context, id uuid.UUID, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = cred
	return nil
}

func (f *fakeSourceStore) SetSourceStatus(_ context.Context, id uuid.UUID, status models.SourceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeSourceStore) ListExpiringSources(_ context.Context, before time.Time) ([]*models.Source, error) {
	var out []*models.Source
	for _, s := range f.sources {
		if s.Credential != nil && s.Credential.ExpiresAt != nil && s.Credential.ExpiresAt.Before(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, tokenURL string) (*Manager, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	m, err := NewManager(config.AuthConfig{
		DeviceTokenSecret: "test-secret",
		PairingTTL:        300 * time.Second,
		RefreshThreshold:  time.Hour,
		Providers: map[string]config.OAuthProviderConfig{
			"google": {ClientID: "client", ClientSecret: "secret", TokenURL: tokenURL, AuthURL: tokenURL + "/auth"},
		},
	}, clk, nil)
	require.NoError(t, err)
	return m, clk
}

func oauthSource(refreshToken string, expiresAt time.Time) *models.Source {
	return &models.Source{
		ID:         uuid.New(),
		SourceType: "google",
		AuthKind:   models.AuthKindOAuth2,
		Status:     models.SourceStatusActive,
		Credential: &models.Credential{
			AccessToken:  "access-0",
			RefreshToken: refreshToken,
			ExpiresAt:    &expiresAt,
		},
	}
}

func TestAuthenticateOAuthCodeExchange(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	m, _ := newTestManager(t, srv.URL)

	res, err := m.Authenticate(context.Background(), "google", models.AuthKindOAuth2, Credentials{Code: "good-code"})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "access-1", res.Credential.AccessToken)
	assert.Equal(t, "refresh-1", res.Credential.RefreshToken)
	assert.Equal(t, []string{"calendar.read", "email"}, res.Credential.Scopes)
	require.NotNil(t, res.Credential.ExpiresAt)

	_, err = m.Authenticate(context.Background(), "google", models.AuthKindOAuth2, Credentials{Code: "bad-code"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	_, err = m.Authenticate(context.Background(), "unknown", models.AuthKindOAuth2, Credentials{Code: "good-code"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestAuthenticateOAuthPassthrough(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:1")
	res, err := m.Authenticate(context.Background(), "unknown", models.AuthKindOAuth2, Credentials{AccessToken: "pre-obtained"})
	require.NoError(t, err)
	assert.Equal(t, "pre-obtained", res.Credential.AccessToken)
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	m, _ := newTestManager(t, srv.URL)

	cred, err := m.Refresh(context.Background(), "google", &models.Credential{RefreshToken: "keep-me", Scopes: []string{"calendar.read"}})
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, "keep-me", cred.RefreshToken)
	assert.Equal(t, []string{"calendar.read"}, cred.Scopes)

	_, err = m.Refresh(context.Background(), "google", &models.Credential{RefreshToken: "revoked"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	_, err = m.Refresh(context.Background(), "google", &models.Credential{RefreshToken: "flaky"})
	assert.True(t, errors.IsRetryable(err))
}

func TestAuthenticateDevice(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:1")
	ctx := context.Background()

	issued, err := m.Authenticate(ctx, "apple_health", models.AuthKindDeviceToken, Credentials{DeviceID: "device-a", UserID: "user-1"})
	require.NoError(t, err)
	require.True(t, issued.Authenticated)
	assert.Equal(t, "ios", issued.Credential.DeviceType)

	mac, err := m.Authenticate(ctx, "mac_messages", models.AuthKindDeviceToken, Credentials{DeviceID: "device-m", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "mac", mac.Credential.DeviceType)

	valid, err := m.Authenticate(ctx, "apple_health", models.AuthKindDeviceToken, Credentials{DeviceID: "device-a", Token: issued.Credential.AccessToken})
	require.NoError(t, err)
	assert.True(t, valid.Authenticated)

	wrong, err := m.Authenticate(ctx, "apple_health", models.AuthKindDeviceToken, Credentials{DeviceID: "device-b", Token: issued.Credential.AccessToken})
	require.NoError(t, err)
	assert.False(t, wrong.Authenticated)
	assert.NotEmpty(t, wrong.Message)

	refreshed, err := m.Authenticate(ctx, "apple_health", models.AuthKindDeviceToken, Credentials{DeviceID: "device-a", RefreshToken: issued.Credential.RefreshToken})
	require.NoError(t, err)
	assert.True(t, refreshed.Authenticated)

	session, err := m.Pairing().Start(map[string]string{"device_id": "device-p"})
	require.NoError(t, err)
	paired, err := m.Authenticate(ctx, "apple_health", models.AuthKindDeviceToken, Credentials{PairingCode: session.Code, UserID: "user-2"})
	require.NoError(t, err)
	assert.Equal(t, "device-p", paired.Credential.DeviceID)
}

func TestAuthenticateAPIKeyAndNone(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:1")
	ctx := context.Background()

	_, err := m.Authenticate(ctx, "weather", models.AuthKindAPIKey, Credentials{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	res, err := m.Authenticate(ctx, "weather", models.AuthKindAPIKey, Credentials{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "k", res.Credential.APIKey)

	res, err = m.Authenticate(ctx, "public", models.AuthKindNone, Credentials{})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
}

func TestValidTokenRefreshesWithinThreshold(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	m, _ := newTestManager(t, srv.URL)
	ctx := context.Background()

	fresh := oauthSource("refresh-1", epoch.Add(2*time.Hour))
	expiring := oauthSource("refresh-1", epoch.Add(10*time.Minute))
	store := newFakeSourceStore(fresh, expiring)

	tok, err := m.ValidToken(ctx, fresh, store)
	require.NoError(t, err)
	assert.Equal(t, "access-0", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))

	tok, err = m.ValidToken(ctx, expiring, store)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, "refresh-1", store.updated[expiring.ID].RefreshToken)
	assert.Equal(t, "access-2", expiring.Credential.AccessToken)
}

func TestBindRefresherMarksSourceErroredOnRejection(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	m, _ := newTestManager(t, srv.URL)

	src := oauthSource("revoked", epoch.Add(time.Minute))
	store := newFakeSourceStore(src)

	_, err := m.BindRefresher(src, store)(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.SourceStatusError, store.statuses[src.ID])
	assert.Empty(t, store.updated)
}

func TestRefresherRecordsActivity(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	m, clk := newTestManager(t, srv.URL)

	good := oauthSource("refresh-1", epoch.Add(30*time.Minute))
	bad := oauthSource("revoked", epoch.Add(30*time.Minute))
	later := oauthSource("refresh-1", epoch.Add(3*time.Hour))
	noRefresh := oauthSource("", epoch.Add(10*time.Minute))
	store := newFakeSourceStore(good, bad, later, noRefresh)

	activities := ledger.NewMemoryStore()
	r := NewRefresher(m, store, ledger.New(activities, clk), clk)

	report, err := r.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Failed)

	rows, err := activities.ListActivities(context.Background(), ledger.Filter{Type: models.ActivityTokenRefresh})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ActivityCompleted, rows[0].Status)
	assert.Equal(t, 1, rows[0].Metadata["sources_refreshed"])
	assert.Equal(t, 1, rows[0].Metadata["sources_failed"])
}
