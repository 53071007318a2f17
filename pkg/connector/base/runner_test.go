package base

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

var now = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

// scriptedSync returns queued results in order and records the ranges it saw
type scriptedSync struct {
	full    core.TimeRange
	results []fetchOutcome
	ranges  []core.TimeRange
}

type fetchOutcome struct {
	res *core.FetchResult
	err error
}

func (s *scriptedSync) FullSyncRange(time.Time) core.TimeRange { return s.full }

func (s *scriptedSync) IncrementalSyncRange(n time.Time) core.TimeRange {
	return core.Bounded(n.Add(-24*time.Hour), n)
}

func (s *scriptedSync) FetchData(_ context.Context, r core.TimeRange) (*core.FetchResult, error) {
	s.ranges = append(s.ranges, r)
	out := s.results[0]
	s.results = s.results[1:]
	return out.res, out.err
}

func newStream() *models.Stream {
	return &models.Stream{ID: uuid.New(), StreamName: "google_calendar"}
}

func TestRunnerInitialLimitedRange(t *testing.T) {
	s := &scriptedSync{results: []fetchOutcome{{res: &core.FetchResult{Records: []models.Record{{"id": 1}}}}}}
	stream := newStream()
	r := NewRunner(s, stream, &models.StreamConfig{Name: "google_calendar"}, testclock.NewClock(now))

	require.True(t, r.IsInitialSync())
	stats, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SyncInitialLimited, stats.SyncType)
	assert.True(t, stats.IsInitialSync)
	require.Len(t, s.ranges, 1)
	assert.Equal(t, now.AddDate(0, 0, -90), *s.ranges[0].Start)
	assert.Equal(t, now.AddDate(0, 0, 30), *s.ranges[0].End)
	assert.Equal(t, 1, stats.RecordsFetched)
	assert.Equal(t, StatusSuccess, stats.Status)
}

func TestRunnerInitialLimitedHonoursStreamOverrides(t *testing.T) {
	s := &scriptedSync{results: []fetchOutcome{{res: &core.FetchResult{}}}}
	stream := newStream()
	stream.InitialSyncDays = 7
	stream.InitialSyncDaysFuture = 1
	r := NewRunner(s, stream, &models.StreamConfig{InitialSync: models.InitialSyncConfig{DaysPast: 30}}, testclock.NewClock(now))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), *s.ranges[0].Start)
	assert.Equal(t, now.AddDate(0, 0, 1), *s.ranges[0].End)
}

func TestRunnerInitialFullIsUnrestricted(t *testing.T) {
	s := &scriptedSync{full: core.Unbounded(""), results: []fetchOutcome{{res: &core.FetchResult{}}}}
	stream := newStream()
	stream.InitialSyncType = models.InitialSyncFull
	r := NewRunner(s, stream, nil, testclock.NewClock(now))

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncInitialFull, stats.SyncType)
	assert.True(t, s.ranges[0].IsTokenBased())
}

func TestRunnerIncrementalUsesStoredCursor(t *testing.T) {
	s := &scriptedSync{results: []fetchOutcome{{res: &core.FetchResult{NextCursor: "c2"}}}}
	stream := newStream()
	last := now.Add(-time.Hour)
	stream.LastSuccessfulIngestionAt = &last
	stream.SyncCursor = "c1"
	r := NewRunner(s, stream, nil, testclock.NewClock(now))

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.IsInitialSync)
	assert.Equal(t, SyncIncremental, stats.SyncType)
	assert.Equal(t, "c1", s.ranges[0].Cursor)
	assert.Equal(t, "c2", stats.NextCursor)
}

func TestRunnerCursorInvalidFallsBackToFullSync(t *testing.T) {
	s := &scriptedSync{
		full: core.Unbounded(""),
		results: []fetchOutcome{
			{err: errors.New(errors.ErrorTypeCursorInvalid, "sync token expired")},
			{res: &core.FetchResult{Records: []models.Record{{"id": 1}, {"id": 2}}, NextCursor: "fresh"}},
		},
	}
	stream := newStream()
	last := now.Add(-time.Hour)
	stream.LastSuccessfulIngestionAt = &last
	stream.SyncCursor = "stale"
	r := NewRunner(s, stream, nil, testclock.NewClock(now))

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, s.ranges, 2)
	assert.Equal(t, "stale", s.ranges[0].Cursor)
	assert.Equal(t, "", s.ranges[1].Cursor)
	assert.True(t, stats.CursorReset)
	assert.Equal(t, 2, stats.RecordsFetched)
	assert.Equal(t, "fresh", stats.NextCursor)
	assert.Equal(t, true, stats.Metadata()["cursor_reset"])
}

func TestRunnerFailurePopulatesEnvelope(t *testing.T) {
	s := &scriptedSync{results: []fetchOutcome{{err: errors.New(errors.ErrorTypeConnection, "connection reset")}}}
	r := NewRunner(s, newStream(), nil, testclock.NewClock(now))

	stats, err := r.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, StatusFailed, stats.Status)
	assert.Contains(t, stats.Error, "connection reset")
	assert.False(t, stats.CompletedAt.IsZero())
}

func TestMergeCursor(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       string
	}{
		{"empty next keeps prev", "a", "", "a"},
		{"empty prev takes next", "", "b", "b"},
		{"opaque replaces", "a", "b", "b"},
		{"objects merge", `{"calendar":"1","events":"2"}`, `{"events":"3"}`, `{"calendar":"1","events":"3"}`},
		{"object replaced by opaque", `{"a":"1"}`, "x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeCursor(tt.prev, tt.next)
			if tt.want != "" && tt.want[0] == '{' {
				assert.JSONEq(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskRetryPolicyDelays(t *testing.T) {
	p := TaskRetryPolicy()
	assert.Equal(t, 60*time.Second, p.GetDelay(0))
	assert.Equal(t, 120*time.Second, p.GetDelay(1))
	assert.Equal(t, 240*time.Second, p.GetDelay(2))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
}

type rejectingProcessor struct{}

func (rejectingProcessor) ProcessRecord(_ context.Context, rec models.Record) (models.Record, error) {
	if rec["bad"] != nil {
		return nil, errors.New(errors.ErrorTypeData, "unparseable date")
	}
	return PassthroughProcessor{}.ProcessRecord(context.Background(), rec)
}

func TestProcessBatchStampsCommonColumnsAndSkipsDataErrors(t *testing.T) {
	sourceID := uuid.New()
	res, err := ProcessBatch(context.Background(), rejectingProcessor{}, sourceID,
		[]models.Record{{"id": 1}, {"id": 2, "bad": true}, {"id": 3, "timestamp": "keep"}}, now)
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, sourceID.String(), res.Records[0]["source_id"])
	assert.Equal(t, now, res.Records[0]["timestamp"])
	assert.Equal(t, "keep", res.Records[1]["timestamp"])
	assert.Equal(t, now, res.Records[1]["created_at"])
}
