// Package base holds the orchestration shared by every Sync: choosing the
// initial or incremental range, falling back to a full fetch when a cursor
// is rejected, and reporting the outcome as a SyncStats envelope.
package base

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// SyncType names the range a run fetched
type SyncType string

const (
	SyncInitialFull    SyncType = "initial_full"
	SyncInitialLimited SyncType = "initial_limited"
	SyncIncremental    SyncType = "incremental"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SyncStats is the envelope returned by Run, populated even on failure
type SyncStats struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	IsInitialSync  bool
	SyncType       SyncType
	Range          core.TimeRange
	RecordsFetched int
	Errors         []string
	NextCursor     string
	CursorReset    bool
	Status         string
	Error          string
	Records        []models.Record
}

// Duration returns how long the run took
func (s *SyncStats) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// Metadata renders the stats for the ingestion activity
func (s *SyncStats) Metadata() map[string]any {
	m := map[string]any{
		"sync_type":        string(s.SyncType),
		"is_initial_sync":  s.IsInitialSync,
		"range":            s.Range.String(),
		"records_fetched":  s.RecordsFetched,
		"cursor_reset":     s.CursorReset,
		"duration_seconds": s.Duration().Seconds(),
		"status":           s.Status,
	}
	if len(s.Errors) > 0 {
		m["errors"] = s.Errors
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	return m
}

// Runner drives one Sync for one stream
type Runner struct {
	sync   core.Sync
	stream *models.Stream
	config *models.StreamConfig
	clock  clock.Clock
	logger *zap.Logger
}

// NewRunner creates a runner for stream
func NewRunner(s core.Sync, stream *models.Stream, cfg *models.StreamConfig, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Runner{
		sync:   s,
		stream: stream,
		config: cfg,
		clock:  clk,
		logger: logger.Get().With(
			zap.String("component", "sync_runner"),
			zap.String("stream_id", stream.ID.String()),
			zap.String("stream", stream.StreamName)),
	}
}

// IsInitialSync reports whether the stream has never completed a sync
func (r *Runner) IsInitialSync() bool {
	return r.stream.LastSuccessfulIngestionAt == nil
}

// SelectRange chooses the sync type and range for a run at now
func (r *Runner) SelectRange(now time.Time) (SyncType, core.TimeRange) {
	if !r.IsInitialSync() {
		rng := r.sync.IncrementalSyncRange(now)
		if rng.Cursor == "" {
			rng.Cursor = r.stream.SyncCursor
		}
		return SyncIncremental, rng
	}

	syncType, past, future := r.stream.InitialSyncSettings(r.config)
	if syncType == models.InitialSyncFull {
		return SyncInitialFull, r.sync.FullSyncRange(now)
	}
	start := now.AddDate(0, 0, -past)
	end := now.AddDate(0, 0, future)
	return SyncInitialLimited, core.Bounded(start, end)
}

// Run performs one fetch. A cursor_invalid error triggers a single full
// range refetch with the cursor cleared; the run then succeeds or fails on
// that second fetch.
func (r *Runner) Run(ctx context.Context) (*SyncStats, error) {
	now := r.clock.Now().UTC()
	syncType, rng := r.SelectRange(now)

	stats := &SyncStats{
		StartedAt:     now,
		IsInitialSync: syncType != SyncIncremental,
		SyncType:      syncType,
		Range:         rng,
	}

	r.logger.Info("starting sync",
		zap.String("sync_type", string(syncType)),
		zap.Bool("is_initial_sync", stats.IsInitialSync),
		zap.String("range", rng.String()))

	res, err := r.sync.FetchData(ctx, rng)
	if err != nil && errors.IsType(err, errors.ErrorTypeCursorInvalid) {
		r.logger.Warn("sync cursor rejected, falling back to full sync", zap.Error(err))
		metrics.CursorResets.WithLabelValues(r.stream.StreamName).Inc()

		rng = r.sync.FullSyncRange(now)
		rng.Cursor = ""
		stats.Range = rng
		stats.CursorReset = true
		res, err = r.sync.FetchData(ctx, rng)
	}

	stats.CompletedAt = r.clock.Now().UTC()
	if err != nil {
		stats.Status = StatusFailed
		stats.Error = err.Error()
		r.logger.Error("sync failed", zap.Error(err), zap.Duration("duration", stats.Duration()))
		return stats, err
	}

	stats.Status = StatusSuccess
	if res != nil {
		stats.Records = res.Records
		stats.RecordsFetched = len(res.Records)
		stats.NextCursor = res.NextCursor
		stats.Errors = res.Errors
	}
	metrics.RecordsFetched.WithLabelValues(r.stream.StreamName, string(syncType)).Add(float64(stats.RecordsFetched))

	r.logger.Info("sync finished",
		zap.Int("records", stats.RecordsFetched),
		zap.Int("errors", len(stats.Errors)),
		zap.Bool("cursor_reset", stats.CursorReset),
		zap.Duration("duration", stats.Duration()))
	return stats, nil
}
