package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/models"
	"github.com/ajitpratap0/tributary/pkg/storage"
	"github.com/ajitpratap0/tributary/pkg/storage/objectstore"
)

var epoch = time.Date(2024, 7, 1, 6, 0, 0, 0, time.UTC)

type syncUpdate struct {
	cursor string
	at     time.Time
}

type fakeStreams struct {
	mu        sync.Mutex
	streams   map[uuid.UUID]*models.ScheduledStream
	successes []syncUpdate
	failures  []string
	processed []time.Time
}

func newFakeStreams(ss ...*models.ScheduledStream) *fakeStreams {
	f := &fakeStreams{streams: map[uuid.UUID]*models.ScheduledStream{}}
	for _, s := range ss {
		f.streams[s.Stream.ID] = s
	}
	return f
}

func (f *fakeStreams) Get(_ context.Context, id uuid.UUID) (*models.ScheduledStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.streams[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "stream %s not found", id)
	}
	return ss, nil
}

func (f *fakeStreams) UpdateSyncSuccess(_ context.Context, _ uuid.UUID, cursor string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, syncUpdate{cursor: cursor, at: at})
	return nil
}

func (f *fakeStreams) UpdateSyncFailure(_ context.Context, _ uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, message)
	return nil
}

func (f *fakeStreams) UpdateLastProcessed(_ context.Context, _ uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, at)
	return nil
}

type fakeCredentials struct{}

func (fakeCredentials) UpdateCredential(context.Context, uuid.UUID, *models.Credential) error {
	return nil
}

func (fakeCredentials) SetSourceStatus(context.Context, uuid.UUID, models.SourceStatus) error {
	return nil
}

type capturedProcess struct {
	streamID uuid.UUID
	key      string
}

type fakeNext struct {
	mu    sync.Mutex
	tasks []capturedProcess
}

func (f *fakeNext) DispatchProcess(_ context.Context, streamID uuid.UUID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, capturedProcess{streamID: streamID, key: key})
	return nil
}

type fetchOutcome struct {
	res *core.FetchResult
	err error
}

type scriptedSync struct {
	results []fetchOutcome
	ranges  []core.TimeRange
}

func (s *scriptedSync) FullSyncRange(time.Time) core.TimeRange { return core.Unbounded("") }

func (s *scriptedSync) IncrementalSyncRange(n time.Time) core.TimeRange {
	return core.Bounded(n.Add(-time.Hour), n)
}

func (s *scriptedSync) FetchData(_ context.Context, r core.TimeRange) (*core.FetchResult, error) {
	s.ranges = append(s.ranges, r)
	out := s.results[0]
	s.results = s.results[1:]
	return out.res, out.err
}

type captureWriter struct {
	mu    sync.Mutex
	table string
	rows  []map[string]any
}

func (c *captureWriter) WriteRecords(_ context.Context, table string, rows []map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	c.rows = append(c.rows, rows...)
	return len(rows), nil
}

// fixture wires handlers against in-memory stores
type fixture struct {
	clock      *testclock.Clock
	registry   *registry.Registry
	catalog    *config.Catalog
	objects    *objectstore.MemoryStore
	stager     *storage.Stager
	activities *ledger.MemoryStore
	ledger     *ledger.Ledger
	streams    *fakeStreams
	next       *fakeNext
	writer     *captureWriter
	stream     *models.ScheduledStream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	catalog, err := config.NewCatalog(
		&models.StreamConfig{Name: "google_calendar", Source: "google", CronSchedule: "*/30 * * * *"},
		&models.StreamConfig{Name: "ios_mic", Source: "ios", IngestionMode: models.IngestionPush,
			Storage: models.StorageConfig{ObjectFields: []string{"audio_data"}, Base64Fields: []string{"audio_data"}}},
	)
	require.NoError(t, err)

	objects := objectstore.NewMemoryStore("test")
	activities := ledger.NewMemoryStore()
	ss := &models.ScheduledStream{
		Stream: &models.Stream{ID: uuid.New(), StreamName: "google_calendar", Enabled: true},
		Source: &models.Source{
			ID:           uuid.New(),
			SourceType:   "google",
			InstanceName: "work calendar",
			Platform:     models.PlatformCloud,
			AuthKind:     models.AuthKindAPIKey,
			Credential:   &models.Credential{APIKey: "key-1"},
			Status:       models.SourceStatusActive,
		},
	}
	ss.Stream.SourceID = ss.Source.ID

	return &fixture{
		clock:      clk,
		registry:   registry.NewRegistry(),
		catalog:    catalog,
		objects:    objects,
		stager:     storage.NewStager(objects, "raw", clk),
		activities: activities,
		ledger:     ledger.New(activities, clk),
		streams:    newFakeStreams(ss),
		next:       &fakeNext{},
		writer:     &captureWriter{},
		stream:     ss,
	}
}

func (f *fixture) registerSync(t *testing.T, s core.Sync) {
	t.Helper()
	name := registry.ImplementationName("google", "google_calendar", registry.RoleSync)
	require.NoError(t, f.registry.RegisterSync(name, func(deps core.SyncDeps) (core.Sync, error) {
		if deps.AccessToken != "key-1" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "unexpected token")
		}
		return s, nil
	}))
}

func (f *fixture) syncHandler(t *testing.T) *SyncHandler {
	t.Helper()
	manager, err := auth.NewManager(config.AuthConfig{}, f.clock, nil)
	require.NoError(t, err)
	return NewSyncHandler(SyncDeps{
		Streams:     f.streams,
		Credentials: fakeCredentials{},
		Auth:        manager,
		Registry:    f.registry,
		Catalog:     f.catalog,
		Stager:      f.stager,
		Ledger:      f.ledger,
		Next:        f.next,
		Clock:       f.clock,
	})
}

func (f *fixture) processHandler() *ProcessHandler {
	return NewProcessHandler(ProcessDeps{
		Streams:  f.streams,
		Registry: f.registry,
		Catalog:  f.catalog,
		Stager:   f.stager,
		Router:   storage.NewRouter(f.objects, f.writer, 4, f.clock),
		Ledger:   f.ledger,
		Clock:    f.clock,
	})
}

func (f *fixture) activitiesOf(t *testing.T, typ models.ActivityType) []*models.PipelineActivity {
	t.Helper()
	out, err := f.activities.ListActivities(context.Background(), ledger.Filter{Type: typ})
	require.NoError(t, err)
	return out
}

// rejectCompleteStore refuses to persist the completed status
type rejectCompleteStore struct {
	*ledger.MemoryStore
}

func (s rejectCompleteStore) UpdateActivity(ctx context.Context, a *models.PipelineActivity) error {
	if a.Status == models.ActivityCompleted {
		return errors.New(errors.ErrorTypeConnection, "activity store unavailable")
	}
	return s.MemoryStore.UpdateActivity(ctx, a)
}
