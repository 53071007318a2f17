package worker

import (
	"context"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
	"github.com/ajitpratap0/tributary/pkg/storage"
)

// ProcessDeps wires a ProcessHandler
type ProcessDeps struct {
	Streams  StreamStore
	Registry *registry.Registry
	Catalog  *config.Catalog
	Stager   *storage.Stager
	Router   *storage.Router
	Ledger   *ledger.Ledger
	Clock    clock.Clock
}

// ProcessHandler maps a staged raw batch through the stream's processor and
// stores the result through the hybrid storage router
type ProcessHandler struct {
	ProcessDeps
	logger *zap.Logger
}

// NewProcessHandler creates a ProcessHandler
func NewProcessHandler(deps ProcessDeps) *ProcessHandler {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Registry == nil {
		deps.Registry = registry.GetRegistry()
	}
	return &ProcessHandler{
		ProcessDeps: deps,
		logger:      logger.Get().With(zap.String("component", "process_handler")),
	}
}

// Handle implements Handler
func (h *ProcessHandler) Handle(ctx context.Context, task *Task) (*Result, error) {
	if task.BatchKey == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "process task has no batch key")
	}
	ss, cfg, err := loadStream(ctx, h.Streams, h.Catalog, task)
	if err != nil {
		return nil, err
	}
	stream, src := ss.Stream, ss.Source
	log := logger.WithContext(ctx).With(zap.String("stream", stream.StreamName), zap.String("batch", task.BatchKey))

	activity, err := h.Ledger.Start(ctx, ledger.Entry{
		Type:       models.ActivitySignalCreation,
		Name:       "process_" + stream.StreamName,
		SourceName: src.InstanceName,
		StreamID:   &stream.ID,
		Metadata:   map[string]any{"batch_key": task.BatchKey, "attempt": task.Attempt},
	})
	if err != nil {
		return nil, err
	}
	ctx = logger.WithActivity(ctx, activity.ID.String())

	fail := func(cause error) error {
		if ferr := h.Ledger.Fail(ctx, activity, cause, nil); ferr != nil {
			log.Error("failed to close processing activity", zap.Error(ferr))
		}
		return cause
	}

	batch, err := h.Stager.Load(ctx, task.BatchKey)
	if err != nil {
		return nil, fail(err)
	}

	processor, err := h.processor(src, cfg)
	if err != nil {
		return nil, fail(err)
	}

	now := h.Clock.Now().UTC()
	processed, err := base.ProcessBatch(ctx, processor, src.ID, batch.Records, now)
	if err != nil {
		return nil, fail(err)
	}
	if processed.Skipped > 0 {
		log.Warn("skipped unprocessable records", zap.Int("skipped", processed.Skipped), zap.Strings("errors", processed.Errors))
	}

	stored, err := h.Router.StoreBatch(ctx, cfg, src.ID, processed.Records)
	if err != nil {
		return nil, fail(err)
	}

	meta := map[string]any{
		"records_in":        batch.Len(),
		"records_skipped":   processed.Skipped,
		"uploads_succeeded": stored.UploadsSucceeded,
		"uploads_failed":    stored.UploadsFailed,
		"table":             cfg.TableName(),
	}
	if len(processed.Errors) > 0 {
		meta["errors"] = processed.Errors
	}
	if err := h.Ledger.Complete(ctx, activity, ledger.Outcome{
		RecordsProcessed: int64(stored.RecordsWritten),
		DataSizeBytes:    stored.BytesUploaded,
		OutputPath:       cfg.TableName(),
		Metadata:         meta,
	}); err != nil {
		return nil, fail(err)
	}
	if err := h.Streams.UpdateLastProcessed(ctx, stream.ID, now); err != nil {
		log.Error("failed to record processing time", zap.Error(err))
	}

	return &Result{Records: stored.RecordsWritten, ActivityID: activity.ID}, nil
}

// processor resolves the stream's processor, passing records through
// unchanged when none is registered
func (h *ProcessHandler) processor(src *models.Source, cfg *models.StreamConfig) (core.Processor, error) {
	p, err := h.Registry.ResolveProcessor(cfg, core.ProcessorDeps{Source: src, Config: cfg})
	if errors.Is(err, registry.ErrNotRegistered) {
		h.logger.Debug("no processor registered, passing records through", zap.String("stream", cfg.Name))
		return base.PassthroughProcessor{}, nil
	}
	return p, err
}
