package base

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// PassthroughProcessor copies raw records unchanged. It is used for streams
// without a registered processor.
type PassthroughProcessor struct{}

// ProcessRecord implements core.Processor
func (PassthroughProcessor) ProcessRecord(_ context.Context, rec models.Record) (models.Record, error) {
	out := make(models.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

// ProcessResult is the outcome of ProcessBatch
type ProcessResult struct {
	Records []models.Record
	Skipped int
	Errors  []string
}

// ProcessBatch maps raw records through p and stamps the common columns
// source_id, timestamp, created_at and updated_at. Records rejected with a
// data error are skipped, any other error aborts the batch.
func ProcessBatch(ctx context.Context, p core.Processor, sourceID uuid.UUID, records []models.Record, now time.Time) (*ProcessResult, error) {
	res := &ProcessResult{Records: make([]models.Record, 0, len(records))}
	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec, err := p.ProcessRecord(ctx, raw)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeData) || errors.IsType(err, errors.ErrorTypeValidation) {
				res.Skipped++
				if len(res.Errors) < 20 {
					res.Errors = append(res.Errors, errors.Truncate(err.Error(), 200))
				}
				continue
			}
			return res, errors.Wrap(err, errors.TypeOf(err), "failed to process record").WithDetail("index", i)
		}
		if rec == nil {
			res.Skipped++
			continue
		}

		rec["source_id"] = sourceID.String()
		if _, ok := rec["timestamp"]; !ok {
			rec["timestamp"] = now
		}
		rec["created_at"] = now
		rec["updated_at"] = now
		res.Records = append(res.Records, rec)
	}
	return res, nil
}
