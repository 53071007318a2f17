package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

const activityColumns = `id, activity_type, activity_name, source_name, stream_id, status,
	started_at, completed_at, records_processed, data_size_bytes, output_path,
	error_message, activity_metadata, created_at, updated_at`

// ActivityRepository is the Postgres ledger.Store
type ActivityRepository struct {
	db *DB
}

var _ ledger.Store = (*ActivityRepository)(nil)

// NewActivityRepository creates an ActivityRepository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// InsertActivity implements ledger.Store
func (r *ActivityRepository) InsertActivity(ctx context.Context, a *models.PipelineActivity) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO pipeline_activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, string(a.Type), a.Name, nullString(a.SourceName), a.StreamID, string(a.Status),
		a.StartedAt, a.CompletedAt, a.RecordsProcessed, a.DataSizeBytes, nullString(a.OutputPath),
		nullString(a.ErrorMessage), meta, a.CreatedAt, a.UpdatedAt)
	return classify(err, "failed to insert activity")
}

// UpdateActivity implements ledger.Store
func (r *ActivityRepository) UpdateActivity(ctx context.Context, a *models.PipelineActivity) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE pipeline_activities SET
			status = $2, started_at = $3, completed_at = $4, records_processed = $5,
			data_size_bytes = $6, output_path = $7, error_message = $8,
			activity_metadata = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, string(a.Status), a.StartedAt, a.CompletedAt, a.RecordsProcessed,
		a.DataSizeBytes, nullString(a.OutputPath), nullString(a.ErrorMessage), meta, a.UpdatedAt)
	if err != nil {
		return classify(err, "failed to update activity")
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// GetActivity implements ledger.Store
func (r *ActivityRepository) GetActivity(ctx context.Context, id uuid.UUID) (*models.PipelineActivity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+activityColumns+` FROM pipeline_activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to get activity")
	}
	return a, nil
}

// ListActivities implements ledger.Store
func (r *ActivityRepository) ListActivities(ctx context.Context, f ledger.Filter) ([]*models.PipelineActivity, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("activity_type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.StreamID != nil {
		args = append(args, *f.StreamID)
		where = append(where, fmt.Sprintf("stream_id = $%d", len(args)))
	}

	query := `SELECT ` + activityColumns + ` FROM pipeline_activities`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to list activities")
	}
	defer rows.Close()

	var out []*models.PipelineActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, classify(err, "failed to scan activity")
		}
		out = append(out, a)
	}
	return out, classify(rows.Err(), "failed to iterate activities")
}

// DeleteActivitiesBefore implements ledger.Store
func (r *ActivityRepository) DeleteActivitiesBefore(ctx context.Context, activityType models.ActivityType, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM pipeline_activities WHERE activity_type = $1 AND created_at < $2`,
		string(activityType), before)
	if err != nil {
		return 0, classify(err, "failed to delete activities")
	}
	return tag.RowsAffected(), nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode activity metadata")
	}
	return data, nil
}

func scanActivity(row pgx.Row) (*models.PipelineActivity, error) {
	var (
		a                                     models.PipelineActivity
		activityType, status                  string
		sourceName, outputPath, errorMessage *string
		meta                                  []byte
	)
	err := row.Scan(&a.ID, &activityType, &a.Name, &sourceName, &a.StreamID, &status,
		&a.StartedAt, &a.CompletedAt, &a.RecordsProcessed, &a.DataSizeBytes, &outputPath,
		&errorMessage, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = models.ActivityType(activityType)
	a.Status = models.ActivityStatus(status)
	a.SourceName = deref(sourceName)
	a.OutputPath = deref(outputPath)
	a.ErrorMessage = deref(errorMessage)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupt activity metadata").WithDetail("activity_id", a.ID.String())
		}
	}
	return &a, nil
}
