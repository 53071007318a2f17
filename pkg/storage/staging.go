package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
	"github.com/ajitpratap0/tributary/pkg/storage/objectstore"
)

// DefaultRawPrefix is the key prefix of staged batches
const DefaultRawPrefix = "raw"

// binaryFieldsKey lists "index:field" pairs whose values were []byte
// before staging, so Load can restore them.
const binaryFieldsKey = "binary_fields"

// Stager writes raw record batches to the object store as gzip JSON and
// reads them back for processing.
type Stager struct {
	objects objectstore.Store
	prefix  string
	clock   clock.Clock
	retry   *base.RetryPolicy
	logger  *zap.Logger
}

// NewStager creates a Stager
func NewStager(objects objectstore.Store, prefix string, clk clock.Clock) *Stager {
	if prefix == "" {
		prefix = DefaultRawPrefix
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Stager{
		objects: objects,
		prefix:  prefix,
		clock:   clk,
		retry:   base.DefaultRetryPolicy(),
		logger:  logger.Get().With(zap.String("component", "stager")),
	}
}

// StageKey returns {prefix}/{stream}/{yyyy}/{mm}/{dd}/{stream_id}/batch_{uuid}.json.gz
func StageKey(prefix, stream string, streamID uuid.UUID, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, stream,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day()),
		streamID.String(), "batch_"+uuid.NewString()+".json.gz")
}

// Stage compresses and uploads batch, returning its key and compressed size
func (s *Stager) Stage(ctx context.Context, batch *models.RecordBatch) (string, int64, error) {
	if batch.FetchedAt.IsZero() {
		batch.FetchedAt = s.clock.Now().UTC()
	}

	encoded := *batch
	encoded.Records, encoded.Metadata = encodeBinary(batch.Records, batch.Metadata)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(&encoded); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeData, "failed to encode batch")
	}
	if err := zw.Close(); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeData, "failed to compress batch")
	}

	key := StageKey(s.prefix, batch.StreamName, batch.StreamID, batch.FetchedAt)
	body := buf.Bytes()
	err := s.retry.ExecuteWithCondition(ctx, func() error {
		return s.objects.Put(ctx, key, body, "application/json", map[string]string{
			"records":          fmt.Sprintf("%d", batch.Len()),
			"content-encoding": "gzip",
		})
	}, errors.IsRetryable)
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeStorage, "failed to stage batch")
	}

	s.logger.Debug("batch staged",
		zap.String("key", key),
		zap.Int("records", batch.Len()),
		zap.Int("bytes", len(body)))
	return key, int64(len(body)), nil
}

// Load reads a staged batch back
func (s *Stager) Load(ctx context.Context, key string) (*models.RecordBatch, error) {
	body, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "staged batch is not gzip").WithDetail("key", key)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decompress staged batch").WithDetail("key", key)
	}

	var batch models.RecordBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode staged batch").WithDetail("key", key)
	}
	decodeBinary(&batch)
	return &batch, nil
}

func encodeBinary(records []models.Record, meta map[string]any) ([]models.Record, map[string]any) {
	var binary []string
	out := make([]models.Record, len(records))
	for i, rec := range records {
		cp := make(models.Record, len(rec))
		for k, v := range rec {
			if b, ok := v.([]byte); ok {
				cp[k] = base64.StdEncoding.EncodeToString(b)
				binary = append(binary, fmt.Sprintf("%d:%s", i, k))
				continue
			}
			cp[k] = v
		}
		out[i] = cp
	}
	if len(binary) == 0 {
		return out, meta
	}
	m := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m[binaryFieldsKey] = binary
	return out, m
}

func decodeBinary(batch *models.RecordBatch) {
	list, ok := batch.Metadata[binaryFieldsKey].([]any)
	if !ok {
		return
	}
	for _, item := range list {
		ref, _ := item.(string)
		num, field, ok := strings.Cut(ref, ":")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(num)
		if err != nil || idx < 0 || idx >= len(batch.Records) {
			continue
		}
		if s, ok := batch.Records[idx][field].(string); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				batch.Records[idx][field] = b
			}
		}
	}
	delete(batch.Metadata, binaryFieldsKey)
}
