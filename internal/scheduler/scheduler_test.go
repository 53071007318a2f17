package scheduler

import (
	"context"
	"sync"
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

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestShouldSync(t *testing.T) {
	last := t0

	due, err := ShouldSync("*/30 * * * *", &last, t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.True(t, due)

	due, err = ShouldSync("*/30 * * * *", &last, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, due)

	due, err = ShouldSync("0 6 * * *", nil, t0)
	require.NoError(t, err)
	assert.True(t, due, "never synced is always due")

	_, err = ShouldSync("every half hour", &last, t0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNextRun(t *testing.T) {
	last := t0.Add(5 * time.Minute)
	next, err := NextRun("*/30 * * * *", &last, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Minute), next)
}

type fakeStreams struct {
	streams []*models.ScheduledStream
	err     error
}

func (f *fakeStreams) ListSchedulable(context.Context) ([]*models.ScheduledStream, error) {
	return f.streams, f.err
}

type fakeDispatcher struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail map[uuid.UUID]bool
	hit  chan struct{}
}

func (d *fakeDispatcher) DispatchSync(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hit != nil {
		d.hit <- struct{}{}
	}
	if d.fail[id] {
		return errors.New(errors.ErrorTypeInternal, "queue full")
	}
	d.ids = append(d.ids, id)
	return nil
}

func testCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	cat, err := config.NewCatalog(
		&models.StreamConfig{Name: "google_calendar", Source: "google", CronSchedule: "*/30 * * * *"},
		&models.StreamConfig{Name: "google_gmail", Source: "google"},
		&models.StreamConfig{Name: "ios_mic", Source: "ios", IngestionMode: models.IngestionPush, CronSchedule: "* * * * *"},
		&models.StreamConfig{Name: "strava_activities", Source: "strava", CronSchedule: "0 * * * *", Disabled: true},
	)
	require.NoError(t, err)
	return cat
}

func scheduled(name string, platform models.Platform, last *time.Time, cron string) *models.ScheduledStream {
	return &models.ScheduledStream{
		Stream: &models.Stream{
			ID:                        uuid.New(),
			StreamName:                name,
			Enabled:                   true,
			CronSchedule:              cron,
			LastSuccessfulIngestionAt: last,
		},
		Source: &models.Source{ID: uuid.New(), Platform: platform, Status: models.SourceStatusActive},
	}
}

func TestProbeDispatchesDueStreams(t *testing.T) {
	recent := t0
	stale := t0.Add(-2 * time.Hour)

	due := scheduled("google_calendar", models.PlatformCloud, &stale, "")
	neverSynced := scheduled("google_gmail", models.PlatformCloud, nil, "15 * * * *")
	notDue := scheduled("google_calendar", models.PlatformCloud, &recent, "")
	noCron := scheduled("google_gmail", models.PlatformCloud, nil, "")
	push := scheduled("ios_mic", models.PlatformDevice, nil, "")
	disabled := scheduled("strava_activities", models.PlatformCloud, nil, "")
	badCron := scheduled("google_calendar", models.PlatformCloud, &stale, "61 * * * *")
	unknown := scheduled("nope", models.PlatformCloud, nil, "* * * * *")

	store := &fakeStreams{streams: []*models.ScheduledStream{due, neverSynced, notDue, noCron, push, disabled, badCron, unknown}}
	dispatcher := &fakeDispatcher{}
	actStore := ledger.NewMemoryStore()
	clk := testclock.NewClock(t0)
	s := New(store, testCatalog(t), dispatcher, ledger.New(actStore, clk), time.Minute, clk)

	res, err := s.Probe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Checked)
	assert.ElementsMatch(t, []uuid.UUID{due.Stream.ID, neverSynced.Stream.ID}, res.Triggered)
	assert.ElementsMatch(t, res.Triggered, dispatcher.ids)

	checks, err := actStore.ListActivities(context.Background(), ledger.Filter{Type: models.ActivityScheduledCheck})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, models.ActivityCompleted, checks[0].Status)
	assert.Equal(t, 4, checks[0].Metadata["streams_checked"])
	assert.Equal(t, 2, checks[0].Metadata["streams_triggered"])
	assert.Len(t, checks[0].Metadata["triggered"], 2)
}

func TestProbeContinuesAfterDispatchFailure(t *testing.T) {
	a := scheduled("google_gmail", models.PlatformCloud, nil, "* * * * *")
	b := scheduled("google_gmail", models.PlatformCloud, nil, "* * * * *")
	dispatcher := &fakeDispatcher{fail: map[uuid.UUID]bool{a.Stream.ID: true}}
	s := New(&fakeStreams{streams: []*models.ScheduledStream{a, b}}, testCatalog(t), dispatcher, nil, 0, testclock.NewClock(t0))

	res, err := s.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.Stream.ID}, res.Triggered)
}

func TestRunProbesEachInterval(t *testing.T) {
	hit := make(chan struct{}, 4)
	stream := scheduled("google_gmail", models.PlatformCloud, nil, "* * * * *")
	clk := testclock.NewClock(t0)
	s := New(&fakeStreams{streams: []*models.ScheduledStream{stream}}, testCatalog(t), &fakeDispatcher{hit: hit}, nil, time.Minute, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitHit(t, hit)
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	waitHit(t, hit)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunSurvivesProbeErrors(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := &fakeStreams{err: errors.New(errors.ErrorTypeConnection, "db down")}
	s := New(store, testCatalog(t), &fakeDispatcher{}, nil, time.Minute, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	cancel()
	assert.NoError(t, <-done)
}

func waitHit(t *testing.T, hit <-chan struct{}) {
	t.Helper()
	select {
	case <-hit:
	case <-time.After(time.Second):
		t.Fatal("probe did not dispatch")
	}
}

func TestScheduledCheckFailsWhenListingFails(t *testing.T) {
	clk := testclock.NewClock(t0)
	actStore := ledger.NewMemoryStore()
	store := &fakeStreams{err: errors.New(errors.ErrorTypeConnection, "db down")}
	s := New(store, testCatalog(t), &fakeDispatcher{}, ledger.New(actStore, clk), time.Minute, clk)

	_, err := s.Probe(context.Background())
	require.Error(t, err)

	checks, err := actStore.ListActivities(context.Background(), ledger.Filter{Type: models.ActivityScheduledCheck})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, models.ActivityFailed, checks[0].Status)
	assert.Contains(t, checks[0].ErrorMessage, "db down")
	assert.Equal(t, 0, checks[0].Metadata["streams_triggered"])
	assert.NotNil(t, checks[0].CompletedAt)
}
