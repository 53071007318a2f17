// Package storage routes processed records to their two homes: binary
// fields go to the object store and everything else, plus a reference to
// each uploaded object, becomes a row in the stream's relational table.
package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
	"github.com/ajitpratap0/tributary/pkg/storage/objectstore"
)

// DefaultMaxConcurrentUploads bounds in-flight object uploads per batch
const DefaultMaxConcurrentUploads = 25

// RecordWriter inserts rows into a relational table
type RecordWriter interface {
	WriteRecords(ctx context.Context, table string, rows []map[string]any) (int, error)
}

// BatchResult summarises one StoreBatch call
type BatchResult struct {
	RecordsWritten   int
	UploadsSucceeded int
	UploadsFailed    int
	BytesUploaded    int64
	Paths            []string
}

type upload struct {
	row         int
	field       string
	key         string
	data        []byte
	contentType string

	err error
	at  time.Time
}

// Router is the hybrid storage router
type Router struct {
	objects    objectstore.Store
	writer     RecordWriter
	maxUploads int64
	clock      clock.Clock
	logger     *zap.Logger
}

// NewRouter creates a Router
func NewRouter(objects objectstore.Store, writer RecordWriter, maxUploads int, clk clock.Clock) *Router {
	if maxUploads <= 0 {
		maxUploads = DefaultMaxConcurrentUploads
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Router{
		objects:    objects,
		writer:     writer,
		maxUploads: int64(maxUploads),
		clock:      clk,
		logger:     logger.Get().With(zap.String("component", "storage_router")),
	}
}

// ObjectKey returns {category}/{stream}/{yyyy}/{mm}/{dd}/{field}_{uuid}.{ext}
func ObjectKey(category, stream, field, ext string, t time.Time) string {
	t = t.UTC()
	return path.Join(category, stream,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%s_%s.%s", field, uuid.NewString(), ext))
}

// StoreBatch uploads the object-bound fields of records and writes the
// remaining fields as rows. A failed upload is logged and its reference
// columns omitted; the row is still written and other uploads continue.
// Raw values of object-bound fields never reach the row.
func (r *Router) StoreBatch(ctx context.Context, cfg *models.StreamConfig, sourceID uuid.UUID, records []models.Record) (*BatchResult, error) {
	log := logger.WithContext(ctx).With(zap.String("stream", cfg.Name), zap.String("source_id", sourceID.String()))
	now := r.clock.Now().UTC()

	rows := make([]map[string]any, len(records))
	var uploads []*upload
	for i, rec := range records {
		row := make(map[string]any, len(rec))
		for field, value := range rec {
			if !cfg.IsObjectField(field) {
				row[field] = value
				continue
			}
			if value == nil {
				continue
			}
			data, err := objectBytes(cfg, field, value)
			if err != nil {
				log.Warn("skipping undecodable object field", zap.String("field", field), zap.Int("record", i), zap.Error(err))
				continue
			}
			ext, contentType := Extension(field, data, cfg.Storage.Extensions)
			uploads = append(uploads, &upload{
				row:         i,
				field:       field,
				key:         ObjectKey(cfg.Category(), cfg.Name, field, ext, now),
				data:        data,
				contentType: contentType,
			})
		}
		rows[i] = row
	}

	res := &BatchResult{}
	r.runUploads(ctx, cfg, sourceID, uploads)

	for _, u := range uploads {
		if u.err != nil {
			res.UploadsFailed++
			metrics.Uploads.WithLabelValues(cfg.Name, "failure").Inc()
			log.Error("object upload failed",
				zap.String("field", u.field),
				zap.String("key", u.key),
				zap.Error(u.err))
			continue
		}
		res.UploadsSucceeded++
		res.BytesUploaded += int64(len(u.data))
		res.Paths = append(res.Paths, u.key)
		metrics.Uploads.WithLabelValues(cfg.Name, "success").Inc()
		metrics.UploadBytes.WithLabelValues(cfg.Name).Observe(float64(len(u.data)))

		rows[u.row][models.PathColumn(u.field)] = u.key
		rows[u.row][models.StoredAtColumn(u.field)] = u.at
	}

	if len(rows) == 0 {
		return res, nil
	}

	table := cfg.TableName()
	written, err := r.writer.WriteRecords(ctx, table, rows)
	res.RecordsWritten = written
	if err != nil {
		return res, errors.Wrap(err, errors.TypeOf(err), "failed to write records").WithDetail("table", table)
	}
	metrics.RecordsStored.WithLabelValues(table).Add(float64(written))

	log.Info("batch stored",
		zap.String("table", table),
		zap.Int("records", written),
		zap.Int("uploads", res.UploadsSucceeded),
		zap.Int("upload_failures", res.UploadsFailed))
	return res, nil
}

// runUploads performs uploads concurrently, at most maxUploads at a time.
// Each upload's outcome is recorded on the upload itself.
func (r *Router) runUploads(ctx context.Context, cfg *models.StreamConfig, sourceID uuid.UUID, uploads []*upload) {
	sem := semaphore.NewWeighted(r.maxUploads)
	var wg sync.WaitGroup

	for _, u := range uploads {
		if err := sem.Acquire(ctx, 1); err != nil {
			u.err = errors.Wrap(err, errors.ErrorTypeTimeout, "upload not started")
			continue
		}
		wg.Add(1)
		go func(u *upload) {
			defer wg.Done()
			defer sem.Release(1)
			u.err = r.objects.Put(ctx, u.key, u.data, u.contentType, map[string]string{
				"stream":    cfg.Name,
				"field":     u.field,
				"source-id": sourceID.String(),
			})
			u.at = r.clock.Now().UTC()
		}(u)
	}
	wg.Wait()
}

// objectBytes converts an object-bound value to bytes. Strings in base64
// fields are decoded; other strings are stored as text; anything else is
// stored as JSON.
func objectBytes(cfg *models.StreamConfig, field string, value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		if cfg.IsBase64Field(field) {
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid base64")
			}
			return b, nil
		}
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "unserialisable object field")
		}
		return b, nil
	}
}
