package database

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// Sync statuses written to streams.last_sync_status
const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

const streamColumns = `st.id, st.source_id, st.stream_name, st.enabled, st.cron_schedule,
	st.initial_sync_type, st.initial_sync_days, st.initial_sync_days_future, st.settings,
	st.sync_cursor, st.last_successful_ingestion_at, st.last_processed_at,
	st.last_sync_status, st.last_sync_error, st.created_at, st.updated_at`

const joinedSourceColumns = `s.id, s.source_type, s.instance_name, s.platform, s.auth_kind,
	s.credential, s.status, s.created_at, s.updated_at`

// StreamRepository persists per-source stream instances and their sync state
type StreamRepository struct {
	db    *DB
	clock clock.Clock
}

// NewStreamRepository creates a StreamRepository
func NewStreamRepository(db *DB, clk clock.Clock) *StreamRepository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StreamRepository{db: db, clock: clk}
}

// Create inserts a stream instance
func (r *StreamRepository) Create(ctx context.Context, s *models.Stream) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := r.clock.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	settings, err := json.Marshal(nonNilSettings(s.Settings))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode stream settings")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO streams (id, source_id, stream_name, enabled, cron_schedule,
			initial_sync_type, initial_sync_days, initial_sync_days_future, settings,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.SourceID, s.StreamName, s.Enabled, nullString(s.CronSchedule),
		nullString(string(s.InitialSyncType)), nullInt(s.InitialSyncDays), nullInt(s.InitialSyncDaysFuture),
		settings, s.CreatedAt, s.UpdatedAt)
	return classify(err, "failed to create stream")
}

// Get returns a stream joined with its source
func (r *StreamRepository) Get(ctx context.Context, id uuid.UUID) (*models.ScheduledStream, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+streamColumns+`, `+joinedSourceColumns+`
		FROM streams st JOIN sources s ON s.id = st.source_id
		WHERE st.id = $1`, id)
	ss, err := scanScheduled(row)
	if err != nil {
		return nil, classify(err, "failed to get stream")
	}
	return ss, nil
}

// FindBySource returns the stream named streamName of a source
func (r *StreamRepository) FindBySource(ctx context.Context, sourceID uuid.UUID, streamName string) (*models.ScheduledStream, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+streamColumns+`, `+joinedSourceColumns+`
		FROM streams st JOIN sources s ON s.id = st.source_id
		WHERE st.source_id = $1 AND st.stream_name = $2`, sourceID, streamName)
	ss, err := scanScheduled(row)
	if err != nil {
		return nil, classify(err, "failed to find stream")
	}
	return ss, nil
}

// ListSchedulable returns enabled streams of active sources. Config is left
// nil for the caller to resolve from the catalog.
func (r *StreamRepository) ListSchedulable(ctx context.Context) ([]*models.ScheduledStream, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+streamColumns+`, `+joinedSourceColumns+`
		FROM streams st JOIN sources s ON s.id = st.source_id
		WHERE st.enabled AND s.status IN ('active', 'authenticated')
		ORDER BY st.created_at`)
	if err != nil {
		return nil, classify(err, "failed to list schedulable streams")
	}
	defer rows.Close()

	var out []*models.ScheduledStream
	for rows.Next() {
		ss, err := scanScheduled(rows)
		if err != nil {
			return nil, classify(err, "failed to scan stream")
		}
		out = append(out, ss)
	}
	return out, classify(rows.Err(), "failed to iterate streams")
}

// UpdateSyncSuccess advances the cursor and the last successful ingestion time
func (r *StreamRepository) UpdateSyncSuccess(ctx context.Context, id uuid.UUID, cursor string, at time.Time) error {
	return r.update(ctx, id, "failed to record sync success", `
		UPDATE streams SET sync_cursor = $2, last_successful_ingestion_at = $3,
			last_sync_status = $4, last_sync_error = NULL, updated_at = $5
		WHERE id = $1`, id, nullString(cursor), at, SyncStatusSuccess, r.clock.Now().UTC())
}

// UpdateSyncFailure records a terminal sync failure. The cursor and the last
// successful ingestion time are left untouched.
func (r *StreamRepository) UpdateSyncFailure(ctx context.Context, id uuid.UUID, message string) error {
	return r.update(ctx, id, "failed to record sync failure", `
		UPDATE streams SET last_sync_status = $2, last_sync_error = $3, updated_at = $4
		WHERE id = $1`, id, SyncStatusFailed, errors.Truncate(message, models.MaxErrorMessageLength), r.clock.Now().UTC())
}

// UpdateLastProcessed stamps the time a batch of the stream was processed
func (r *StreamRepository) UpdateLastProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, id, "failed to record processing time", `
		UPDATE streams SET last_processed_at = $2, updated_at = $3 WHERE id = $1`,
		id, at, r.clock.Now().UTC())
}

// SetEnabled enables or disables a stream
func (r *StreamRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return r.update(ctx, id, "failed to update stream", `
		UPDATE streams SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, r.clock.Now().UTC())
}

func (r *StreamRepository) update(ctx context.Context, id uuid.UUID, message, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify(err, message)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "stream %s not found", id)
	}
	return nil
}

func scanScheduled(row pgx.Row) (*models.ScheduledStream, error) {
	var (
		st                         models.Stream
		src                        models.Source
		cron, syncType, cursor     *string
		days, daysFuture           *int32
		settings, cred             []byte
		lastStatus, lastError      *string
		platform, authKind, status string
	)
	err := row.Scan(
		&st.ID, &st.SourceID, &st.StreamName, &st.Enabled, &cron,
		&syncType, &days, &daysFuture, &settings,
		&cursor, &st.LastSuccessfulIngestionAt, &st.LastProcessedAt,
		&lastStatus, &lastError, &st.CreatedAt, &st.UpdatedAt,
		&src.ID, &src.SourceType, &src.InstanceName, &platform, &authKind,
		&cred, &status, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.CronSchedule = deref(cron)
	st.InitialSyncType = models.InitialSyncType(deref(syncType))
	if days != nil {
		st.InitialSyncDays = int(*days)
	}
	if daysFuture != nil {
		st.InitialSyncDaysFuture = int(*daysFuture)
	}
	st.SyncCursor = deref(cursor)
	st.LastSyncStatus = deref(lastStatus)
	st.LastSyncError = deref(lastError)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &st.Settings); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupt stream settings").WithDetail("stream_id", st.ID.String())
		}
	}

	src.Platform = models.Platform(platform)
	src.AuthKind = models.AuthKind(authKind)
	src.Status = models.SourceStatus(status)
	if len(cred) > 0 {
		src.Credential = &models.Credential{}
		if err := json.Unmarshal(cred, src.Credential); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupt credential").WithDetail("source_id", src.ID.String())
		}
	}
	return &models.ScheduledStream{Stream: &st, Source: &src}, nil
}

func nonNilSettings(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int32 {
	if n <= 0 {
		return nil
	}
	v := int32(n)
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
