//go:build integration

package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

var (
	sharedDB     *DB
	sharedDBOnce sync.Once
	sharedDBErr  error
)

// testDB returns a migrated database in a throwaway PostgreSQL container,
// shared by every test in the run
func testDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	sharedDBOnce.Do(func() {
		sharedDB, sharedDBErr = startPostgres()
	})
	require.NoError(t, sharedDBErr)
	return sharedDB
}

func startPostgres() (*DB, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "tributary",
				"POSTGRES_USER":     "tributary",
				"POSTGRES_PASSWORD": "test_password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, err
	}

	db, err := NewConnection(ctx, config.DatabaseConfig{
		URL:            fmt.Sprintf("postgres://tributary:test_password@%s:%s/tributary?sslmode=disable", host, port.Port()),
		MaxConnections: 5,
	})
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(zap.NewNop()); err != nil {
		return nil, err
	}
	return db, nil
}

func TestRepositoriesRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	sources := NewSourceRepository(db, nil)
	streams := NewStreamRepository(db, nil)

	expires := time.Now().Add(30 * time.Minute).UTC()
	google := &models.Source{
		SourceType:   "google",
		InstanceName: "calendar-" + uuid.NewString(),
		Platform:     models.PlatformCloud,
		AuthKind:     models.AuthKindOAuth2,
		Credential:   &models.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: &expires},
		Status:       models.SourceStatusActive,
	}
	require.NoError(t, sources.Create(ctx, google))

	stream := &models.Stream{SourceID: google.ID, StreamName: "google_calendar", Enabled: true, CronSchedule: "*/30 * * * *"}
	require.NoError(t, streams.Create(ctx, stream))

	loaded, err := sources.Get(ctx, google.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt", loaded.Credential.RefreshToken)

	expiring, err := sources.ListExpiringSources(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, sourceIDs(expiring), google.ID)

	schedulable, err := streams.ListSchedulable(ctx)
	require.NoError(t, err)
	var found bool
	for _, ss := range schedulable {
		if ss.Stream.ID == stream.ID {
			found = true
			assert.Nil(t, ss.Stream.LastSuccessfulIngestionAt)
			assert.Equal(t, google.ID, ss.Source.ID)
		}
	}
	assert.True(t, found)

	syncedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, streams.UpdateSyncSuccess(ctx, stream.ID, `{"events":"tok-2"}`, syncedAt))
	ss, err := streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"events":"tok-2"}`, ss.Stream.SyncCursor)
	require.NotNil(t, ss.Stream.LastSuccessfulIngestionAt)
	assert.WithinDuration(t, syncedAt, *ss.Stream.LastSuccessfulIngestionAt, time.Millisecond)
	assert.Equal(t, SyncStatusSuccess, ss.Stream.LastSyncStatus)

	require.NoError(t, sources.Deactivate(ctx, google.ID))
	ss, err = streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.False(t, ss.Stream.Enabled)
	assert.Equal(t, models.SourceStatusInactive, ss.Source.Status)

	require.NoError(t, streams.SetEnabled(ctx, stream.ID, true))
	ss, err = streams.FindBySource(ctx, google.ID, "google_calendar")
	require.NoError(t, err)
	assert.Equal(t, stream.ID, ss.Stream.ID)
	assert.True(t, ss.Stream.Enabled)

	byName, err := sources.FindByInstance(ctx, "google", google.InstanceName)
	require.NoError(t, err)
	assert.Equal(t, google.ID, byName.ID)

	_, err = streams.FindBySource(ctx, google.ID, "google_gmail")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	_, err = streams.Get(ctx, uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestActivityRepositoryBacksLedger(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	l := ledger.New(NewActivityRepository(db), nil)

	a, err := l.Start(ctx, ledger.Entry{Type: models.ActivityIngestion, Name: "sync_google_calendar", Metadata: map[string]any{"attempt": 0}})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, a, ledger.Outcome{RecordsProcessed: 12, OutputPath: "raw/x.json.gz"}))

	got, err := l.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivityCompleted, got.Status)
	assert.EqualValues(t, 12, got.RecordsProcessed)
	assert.Equal(t, "raw/x.json.gz", got.OutputPath)

	failed, err := l.Start(ctx, ledger.Entry{Type: models.ActivityIngestion, Name: "sync_long_error"})
	require.NoError(t, err)
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, l.Fail(ctx, failed, errors.New(errors.ErrorTypeConnection, string(long)), nil))
	got, err = l.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.ErrorMessage), models.MaxErrorMessageLength)

	list, err := l.List(ctx, ledger.Filter{Type: models.ActivityIngestion, Status: models.ActivityCompleted, Limit: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}

func TestRecordWriterFiltersColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS stream_ios_mic (
		id TEXT PRIMARY KEY,
		source_id UUID NOT NULL,
		duration DOUBLE PRECISION,
		audio_data_path TEXT,
		audio_data_stored_at TIMESTAMPTZ)`)
	require.NoError(t, err)

	w := NewRecordWriter(db, time.Minute, nil)
	n, err := w.WriteRecords(ctx, "stream_ios_mic", []map[string]any{
		{"id": uuid.NewString(), "source_id": uuid.New(), "duration": 3.5, "audio_data_path": "assets/a.m4a", "not_a_column": true},
		{"id": uuid.NewString(), "source_id": uuid.New()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = w.WriteRecords(ctx, "stream_missing", []map[string]any{{"id": "x"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchema))
	assert.Contains(t, err.Error(), "UndefinedTable")
}

func sourceIDs(src []*models.Source) []uuid.UUID {
	ids := make([]uuid.UUID, len(src))
	for i, s := range src {
		ids[i] = s.ID
	}
	return ids
}
