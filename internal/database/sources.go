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

const sourceColumns = `id, source_type, instance_name, platform, auth_kind, credential, status, created_at, updated_at`

// SourceRepository persists sources and their credentials
type SourceRepository struct {
	db    *DB
	clock clock.Clock
}

// NewSourceRepository creates a SourceRepository
func NewSourceRepository(db *DB, clk clock.Clock) *SourceRepository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &SourceRepository{db: db, clock: clk}
}

// Create inserts src, assigning an id when it has none
func (r *SourceRepository) Create(ctx context.Context, src *models.Source) error {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	if src.Status == "" {
		src.Status = models.SourceStatusAuthenticated
	}
	now := r.clock.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now

	cred, expires, err := encodeCredential(src.Credential)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO sources (id, source_type, instance_name, platform, auth_kind, credential, token_expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		src.ID, src.SourceType, src.InstanceName, string(src.Platform), string(src.AuthKind),
		cred, expires, string(src.Status), src.CreatedAt, src.UpdatedAt)
	return classify(err, "failed to create source")
}

// Get returns one source
func (r *SourceRepository) Get(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		return nil, classify(err, "failed to get source")
	}
	return src, nil
}

// FindByInstance returns the source of sourceType named instanceName
func (r *SourceRepository) FindByInstance(ctx context.Context, sourceType, instanceName string) (*models.Source, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE source_type = $1 AND instance_name = $2`, sourceType, instanceName)
	src, err := scanSource(row)
	if err != nil {
		return nil, classify(err, "failed to find source")
	}
	return src, nil
}

// List returns every source ordered by creation time
func (r *SourceRepository) List(ctx context.Context) ([]*models.Source, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at`)
	if err != nil {
		return nil, classify(err, "failed to list sources")
	}
	defer rows.Close()
	return collectSources(rows)
}

// ListExpiringSources returns active oauth2 sources whose token expires
// before the given time
func (r *SourceRepository) ListExpiringSources(ctx context.Context, before time.Time) ([]*models.Source, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE status IN ('active', 'authenticated')
		  AND auth_kind = 'oauth2'
		  AND token_expires_at IS NOT NULL
		  AND token_expires_at < $1
		ORDER BY token_expires_at`, before)
	if err != nil {
		return nil, classify(err, "failed to list expiring sources")
	}
	defer rows.Close()
	return collectSources(rows)
}

// UpdateCredential replaces the stored credential of a source
func (r *SourceRepository) UpdateCredential(ctx context.Context, sourceID uuid.UUID, cred *models.Credential) error {
	data, expires, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE sources SET credential = $2, token_expires_at = $3, updated_at = $4
		WHERE id = $1`, sourceID, data, expires, r.clock.Now().UTC())
	if err != nil {
		return classify(err, "failed to update credential")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "source %s not found", sourceID)
	}
	return nil
}

// SetSourceStatus updates the lifecycle status of a source
func (r *SourceRepository) SetSourceStatus(ctx context.Context, sourceID uuid.UUID, status models.SourceStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sources SET status = $2, updated_at = $3 WHERE id = $1`,
		sourceID, string(status), r.clock.Now().UTC())
	if err != nil {
		return classify(err, "failed to set source status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "source %s not found", sourceID)
	}
	return nil
}

// Deactivate marks a source inactive and disables its streams. Sources are
// never deleted.
func (r *SourceRepository) Deactivate(ctx context.Context, sourceID uuid.UUID) error {
	now := r.clock.Now().UTC()
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sources SET status = 'inactive', updated_at = $2 WHERE id = $1`, sourceID, now)
		if err != nil {
			return classify(err, "failed to deactivate source")
		}
		if tag.RowsAffected() == 0 {
			return errors.Newf(errors.ErrorTypeNotFound, "source %s not found", sourceID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE streams SET enabled = false, updated_at = $2 WHERE source_id = $1`, sourceID, now)
		return classify(err, "failed to disable streams")
	})
}

func encodeCredential(cred *models.Credential) ([]byte, *time.Time, error) {
	if cred == nil {
		return nil, nil, nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode credential")
	}
	return data, cred.ExpiresAt, nil
}

func scanSource(row pgx.Row) (*models.Source, error) {
	var (
		src                        models.Source
		platform, authKind, status string
		cred                       []byte
	)
	if err := row.Scan(&src.ID, &src.SourceType, &src.InstanceName, &platform, &authKind,
		&cred, &status, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
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
	return &src, nil
}

func collectSources(rows pgx.Rows) ([]*models.Source, error) {
	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, classify(err, "failed to scan source")
		}
		out = append(out, src)
	}
	return out, classify(rows.Err(), "failed to iterate sources")
}
