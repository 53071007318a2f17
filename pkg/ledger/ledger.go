// Package ledger records pipeline activities: one row per ingestion,
// processing, token refresh, scheduler probe or cleanup run. Every row moves
// through pending -> running -> completed, failed or cancelled and never
// leaves a terminal state.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// ErrNotFound is returned by stores for unknown activity ids
var ErrNotFound = errors.New(errors.ErrorTypeNotFound, "activity not found")

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type     models.ActivityType
	Status   models.ActivityStatus
	StreamID *uuid.UUID
	Limit    int
}

// Store persists activities
type Store interface {
	InsertActivity(ctx context.Context, a *models.PipelineActivity) error
	UpdateActivity(ctx context.Context, a *models.PipelineActivity) error
	GetActivity(ctx context.Context, id uuid.UUID) (*models.PipelineActivity, error)
	ListActivities(ctx context.Context, f Filter) ([]*models.PipelineActivity, error)
	DeleteActivitiesBefore(ctx context.Context, activityType models.ActivityType, before time.Time) (int64, error)
}

// Entry describes a new activity
type Entry struct {
	Type       models.ActivityType
	Name       string
	SourceName string
	StreamID   *uuid.UUID
	Metadata   map[string]any
}

// Outcome describes how a completed activity ended
type Outcome struct {
	RecordsProcessed int64
	DataSizeBytes    int64
	OutputPath       string
	Metadata         map[string]any
}

// Ledger writes activities through a Store, enforcing the state machine
type Ledger struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a ledger
func New(store Store, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Ledger{
		store:  store,
		clock:  clk,
		logger: logger.Get().With(zap.String("component", "ledger")),
	}
}

// Open inserts a pending activity
func (l *Ledger) Open(ctx context.Context, e Entry) (*models.PipelineActivity, error) {
	if e.Type == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "activity type is required")
	}
	now := l.clock.Now().UTC()
	name := e.Name
	if name == "" {
		name = string(e.Type)
	}
	a := &models.PipelineActivity{
		ID:         uuid.New(),
		Type:       e.Type,
		Name:       name,
		SourceName: e.SourceName,
		StreamID:   e.StreamID,
		Status:     models.ActivityPending,
		Metadata:   copyMetadata(e.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.InsertActivity(ctx, a); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to insert activity")
	}
	return a, nil
}

// Start inserts an activity and moves it to running
func (l *Ledger) Start(ctx context.Context, e Entry) (*models.PipelineActivity, error) {
	a, err := l.Open(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := l.Run(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Run moves a pending activity to running
func (l *Ledger) Run(ctx context.Context, a *models.PipelineActivity) error {
	return l.transition(ctx, a, models.ActivityRunning, func(now time.Time) {
		a.StartedAt = &now
	})
}

// Complete closes a running activity successfully
func (l *Ledger) Complete(ctx context.Context, a *models.PipelineActivity, out Outcome) error {
	err := l.transition(ctx, a, models.ActivityCompleted, func(now time.Time) {
		a.CompletedAt = &now
		a.RecordsProcessed = out.RecordsProcessed
		a.DataSizeBytes = out.DataSizeBytes
		a.OutputPath = out.OutputPath
		a.Metadata = mergeMetadata(a.Metadata, out.Metadata)
	})
	if err == nil {
		l.logger.Debug("activity completed",
			zap.String("activity_id", a.ID.String()),
			zap.String("type", string(a.Type)),
			zap.Int64("records", a.RecordsProcessed),
			zap.Duration("duration", a.Duration()))
	}
	return err
}

// Fail closes a running activity with cause. The stored message is
// truncated to models.MaxErrorMessageLength.
func (l *Ledger) Fail(ctx context.Context, a *models.PipelineActivity, cause error, metadata map[string]any) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := l.transition(ctx, a, models.ActivityFailed, func(now time.Time) {
		a.CompletedAt = &now
		a.ErrorMessage = errors.Truncate(msg, models.MaxErrorMessageLength)
		a.Metadata = mergeMetadata(a.Metadata, metadata)
	})
	if err == nil {
		l.logger.Warn("activity failed",
			zap.String("activity_id", a.ID.String()),
			zap.String("type", string(a.Type)),
			zap.String("error", a.ErrorMessage))
	}
	return err
}

// Cancel closes a pending or running activity without running it to completion
func (l *Ledger) Cancel(ctx context.Context, a *models.PipelineActivity, reason string) error {
	return l.transition(ctx, a, models.ActivityCancelled, func(now time.Time) {
		a.CompletedAt = &now
		if reason != "" {
			a.ErrorMessage = errors.Truncate(reason, models.MaxErrorMessageLength)
		}
	})
}

// Record writes a single activity that ran to completion, used for
// bookkeeping rows such as scheduler probes.
func (l *Ledger) Record(ctx context.Context, e Entry, out Outcome) (*models.PipelineActivity, error) {
	a, err := l.Start(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := l.Complete(ctx, a, out); err != nil {
		return nil, err
	}
	return a, nil
}

// Get loads an activity
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.PipelineActivity, error) {
	return l.store.GetActivity(ctx, id)
}

// List returns activities matching f, newest first
func (l *Ledger) List(ctx context.Context, f Filter) ([]*models.PipelineActivity, error) {
	return l.store.ListActivities(ctx, f)
}

// Cleanup deletes ingestion activities older than retention and records a
// cleanup activity with the number removed.
func (l *Ledger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.clock.Now().UTC().Add(-retention)

	a, err := l.Start(ctx, Entry{Type: models.ActivityCleanup, Name: "activity_cleanup"})
	if err != nil {
		return 0, err
	}

	deleted, err := l.store.DeleteActivitiesBefore(ctx, models.ActivityIngestion, cutoff)
	if err != nil {
		if ferr := l.Fail(ctx, a, err, nil); ferr != nil {
			l.logger.Error("failed to close cleanup activity", zap.Error(ferr))
		}
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to delete old activities")
	}

	if err := l.Complete(ctx, a, Outcome{
		RecordsProcessed: deleted,
		Metadata: map[string]any{
			"deleted_count":  deleted,
			"cutoff":         cutoff.Format(time.RFC3339),
			"retention_days": int(retention.Hours() / 24),
		},
	}); err != nil {
		return deleted, err
	}

	l.logger.Info("old activities cleaned up", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	return deleted, nil
}

func (l *Ledger) transition(ctx context.Context, a *models.PipelineActivity, next models.ActivityStatus, apply func(now time.Time)) error {
	if !a.Status.CanTransitionTo(next) {
		return errors.Newf(errors.ErrorTypeConflict, "illegal activity transition %s -> %s", a.Status, next).
			WithDetail("activity_id", a.ID.String())
	}

	prev := *a
	prev.Metadata = copyMetadata(a.Metadata)
	now := l.clock.Now().UTC()
	a.Status = next
	a.UpdatedAt = now
	apply(now)

	if err := l.store.UpdateActivity(ctx, a); err != nil {
		*a = prev
		return errors.Wrap(err, errors.ErrorTypeStorage, "failed to update activity")
	}
	return nil
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
