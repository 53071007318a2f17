package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

type fakeSourceRegistry struct {
	*fakeSourceStore
}

func (f *fakeSourceRegistry) FindByInstance(_ context.Context, sourceType, instanceName string) (*models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sources {
		if s.SourceType == sourceType && s.InstanceName == instanceName {
			return s, nil
		}
	}
	return nil, errors.New(errors.ErrorTypeNotFound, "source not found")
}

func (f *fakeSourceRegistry) Create(_ context.Context, src *models.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	f.sources = append(f.sources, src)
	return nil
}

type fakeStreamRegistry struct {
	mu      sync.Mutex
	streams []*models.Stream
}

func (f *fakeStreamRegistry) FindBySource(_ context.Context, sourceID uuid.UUID, name string) (*models.ScheduledStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.SourceID == sourceID && s.StreamName == name {
			return &models.ScheduledStream{Stream: s}, nil
		}
	}
	return nil, errors.New(errors.ErrorTypeNotFound, "stream not found")
}

func (f *fakeStreamRegistry) Create(_ context.Context, s *models.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	f.streams = append(f.streams, s)
	return nil
}

func (f *fakeStreamRegistry) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.ID == id {
			s.Enabled = enabled
			return nil
		}
	}
	return errors.New(errors.ErrorTypeNotFound, "stream not found")
}

func newTestProvisioner(t *testing.T, tokenURL string) (*Provisioner, *fakeSourceRegistry, *fakeStreamRegistry) {
	t.Helper()
	m, _ := newTestManager(t, tokenURL)
	catalog, err := config.NewCatalog(
		&models.StreamConfig{Name: "google_calendar", Source: "google", CronSchedule: "*/30 * * * *"},
		&models.StreamConfig{Name: "google_gmail", Source: "google"},
		&models.StreamConfig{Name: "google_drive", Source: "google", Disabled: true},
		&models.StreamConfig{Name: "ios_mic", Source: "ios", IngestionMode: models.IngestionPush},
	)
	require.NoError(t, err)

	sources := &fakeSourceRegistry{newFakeSourceStore()}
	streams := &fakeStreamRegistry{}
	return NewProvisioner(m, sources, streams, catalog), sources, streams
}

func streamNames(streams []*models.Stream) []string {
	var out []string
	for _, s := range streams {
		out = append(out, s.StreamName)
	}
	return out
}

func TestConnectCreatesSourceAndCatalogStreams(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	p, sources, streams := newTestProvisioner(t, srv.URL)

	res, err := p.Connect(context.Background(), ConnectRequest{
		SourceType:   "google",
		InstanceName: "work",
		AuthKind:     models.AuthKindOAuth2,
		Credentials:  Credentials{Code: "good-code"},
	})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, models.PlatformCloud, res.Source.Platform)
	assert.Equal(t, models.SourceStatusAuthenticated, res.Source.Status)
	assert.Equal(t, "access-1", res.Source.Credential.AccessToken)
	assert.Len(t, sources.sources, 1)
	assert.ElementsMatch(t, []string{"google_calendar", "google_gmail"}, streamNames(res.Streams))
	assert.Len(t, streams.streams, 2)
	for _, s := range streams.streams {
		assert.Equal(t, res.Source.ID, s.SourceID)
		assert.True(t, s.Enabled)
	}
}

func TestConnectRejectedCredentialsCreateNothing(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	p, sources, streams := newTestProvisioner(t, srv.URL)

	_, err := p.Connect(context.Background(), ConnectRequest{
		SourceType:  "google",
		AuthKind:    models.AuthKindOAuth2,
		Credentials: Credentials{Code: "bad-code"},
	})
	require.Error(t, err)
	assert.Empty(t, sources.sources)
	assert.Empty(t, streams.streams)
}

func TestConnectExistingSourceReactivates(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	p, sources, streams := newTestProvisioner(t, srv.URL)
	ctx := context.Background()

	first, err := p.Connect(ctx, ConnectRequest{SourceType: "google", InstanceName: "work", AuthKind: models.AuthKindOAuth2, Credentials: Credentials{Code: "good-code"}})
	require.NoError(t, err)

	// Deactivation disables every stream of the source
	first.Source.Status = models.SourceStatusInactive
	for _, s := range streams.streams {
		s.Enabled = false
	}

	again, err := p.Connect(ctx, ConnectRequest{SourceType: "google", InstanceName: "work", AuthKind: models.AuthKindOAuth2, Credentials: Credentials{Code: "good-code"}})
	require.NoError(t, err)

	assert.False(t, again.Created)
	assert.Equal(t, first.Source.ID, again.Source.ID)
	assert.Len(t, sources.sources, 1)
	assert.Len(t, streams.streams, 2)
	assert.Equal(t, models.SourceStatusAuthenticated, sources.statuses[first.Source.ID])
	assert.Equal(t, "access-1", sources.updated[first.Source.ID].AccessToken)
	for _, s := range streams.streams {
		assert.True(t, s.Enabled)
	}
}

func TestConnectKeepsUserDisabledStreamsOnActiveSource(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(t, &hits)
	p, _, streams := newTestProvisioner(t, srv.URL)
	ctx := context.Background()

	_, err := p.Connect(ctx, ConnectRequest{SourceType: "google", InstanceName: "work", AuthKind: models.AuthKindOAuth2, Credentials: Credentials{Code: "good-code"}})
	require.NoError(t, err)
	streams.streams[0].Enabled = false

	_, err = p.Connect(ctx, ConnectRequest{SourceType: "google", InstanceName: "work", AuthKind: models.AuthKindOAuth2, Credentials: Credentials{Code: "good-code"}})
	require.NoError(t, err)
	assert.False(t, streams.streams[0].Enabled)
}

func TestConnectPairingCreatesDeviceSource(t *testing.T) {
	p, sources, streams := newTestProvisioner(t, "http://127.0.0.1:1")

	session, err := p.manager.Pairing().Start(map[string]string{"device_id": "phone-7"})
	require.NoError(t, err)

	res, err := p.Connect(context.Background(), ConnectRequest{
		SourceType:  "ios",
		AuthKind:    models.AuthKindDeviceToken,
		Credentials: Credentials{PairingCode: session.Code, UserID: "user-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "phone-7", res.Source.InstanceName)
	assert.Equal(t, models.PlatformDevice, res.Source.Platform)
	assert.NotEmpty(t, res.Source.Credential.AccessToken)
	assert.Len(t, sources.sources, 1)
	assert.Equal(t, []string{"ios_mic"}, streamNames(streams.streams))
}

func TestConnectRequiresSourceType(t *testing.T) {
	p, _, _ := newTestProvisioner(t, "http://127.0.0.1:1")
	_, err := p.Connect(context.Background(), ConnectRequest{AuthKind: models.AuthKindNone})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
