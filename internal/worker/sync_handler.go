package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/clients"
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

// StreamStore loads streams and records their sync state
type StreamStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ScheduledStream, error)
	UpdateSyncSuccess(ctx context.Context, id uuid.UUID, cursor string, at time.Time) error
	UpdateSyncFailure(ctx context.Context, id uuid.UUID, message string) error
	UpdateLastProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ProcessDispatcher accepts staged batches for processing
type ProcessDispatcher interface {
	DispatchProcess(ctx context.Context, streamID uuid.UUID, batchKey string) error
}

// SyncDeps wires a SyncHandler
type SyncDeps struct {
	Streams     StreamStore
	Credentials auth.CredentialStore
	Auth        *auth.Manager
	Registry    *registry.Registry
	Catalog     *config.Catalog
	Stager      *storage.Stager
	Ledger      *ledger.Ledger
	Next        ProcessDispatcher
	Clock       clock.Clock
}

// SyncHandler runs one pull sync for a stream
type SyncHandler struct {
	SyncDeps
	logger *zap.Logger
}

// NewSyncHandler creates a SyncHandler
func NewSyncHandler(deps SyncDeps) *SyncHandler {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Registry == nil {
		deps.Registry = registry.GetRegistry()
	}
	return &SyncHandler{
		SyncDeps: deps,
		logger:   logger.Get().With(zap.String("component", "sync_handler")),
	}
}

// Handle implements Handler. The stream's cursor and last successful
// ingestion time move only after the ingestion activity is completed; a
// failed run leaves both untouched.
func (h *SyncHandler) Handle(ctx context.Context, task *Task) (*Result, error) {
	ss, cfg, err := loadStream(ctx, h.Streams, h.Catalog, task)
	if err != nil {
		return nil, err
	}
	stream, src := ss.Stream, ss.Source
	log := logger.WithContext(ctx).With(zap.String("stream", stream.StreamName))

	if !task.Manual && (!stream.Enabled || !src.IsActive()) {
		log.Info("skipping inactive stream",
			zap.Bool("enabled", stream.Enabled),
			zap.String("source_status", string(src.Status)))
		return skipped("inactive"), nil
	}
	if src.IsDevice() || !cfg.IsPull() {
		return skipped("push stream"), nil
	}

	activity, err := h.Ledger.Start(ctx, ledger.Entry{
		Type:       models.ActivityIngestion,
		Name:       "sync_" + stream.StreamName,
		SourceName: src.InstanceName,
		StreamID:   &stream.ID,
		Metadata:   map[string]any{"attempt": task.Attempt, "manual": task.Manual},
	})
	if err != nil {
		return nil, err
	}
	ctx = logger.WithActivity(ctx, activity.ID.String())

	fail := func(cause error, meta map[string]any) error {
		if ferr := h.Ledger.Fail(ctx, activity, cause, meta); ferr != nil {
			log.Error("failed to close ingestion activity", zap.Error(ferr))
		}
		if uerr := h.Streams.UpdateSyncFailure(ctx, stream.ID, cause.Error()); uerr != nil {
			log.Error("failed to record sync failure", zap.Error(uerr))
		}
		return cause
	}

	syncer, err := h.resolve(ctx, ss, cfg)
	if err != nil {
		if errors.Is(err, registry.ErrNotApplicable) {
			if cerr := h.Ledger.Cancel(ctx, activity, "sync not applicable"); cerr != nil {
				log.Warn("failed to cancel ingestion activity", zap.Error(cerr))
			}
			return skipped("not applicable"), nil
		}
		return nil, fail(err, nil)
	}

	stats, err := base.NewRunner(syncer, stream, cfg, h.Clock).Run(ctx)
	if err != nil {
		return nil, fail(err, stats.Metadata())
	}

	var (
		key  string
		size int64
	)
	if stats.RecordsFetched > 0 {
		key, size, err = h.Stager.Stage(ctx, &models.RecordBatch{
			StreamID:   stream.ID,
			SourceID:   src.ID,
			StreamName: stream.StreamName,
			FetchedAt:  stats.CompletedAt,
			Records:    stats.Records,
			Metadata:   map[string]any{"sync_type": string(stats.SyncType), "activity_id": activity.ID.String()},
		})
		if err != nil {
			return nil, fail(err, stats.Metadata())
		}
	}

	cursor := base.MergeCursor(stream.SyncCursor, stats.NextCursor)
	if stats.CursorReset {
		cursor = stats.NextCursor
	}

	if err := h.Ledger.Complete(ctx, activity, ledger.Outcome{
		RecordsProcessed: int64(stats.RecordsFetched),
		DataSizeBytes:    size,
		OutputPath:       key,
		Metadata:         stats.Metadata(),
	}); err != nil {
		return nil, fail(err, stats.Metadata())
	}
	if err := h.Streams.UpdateSyncSuccess(ctx, stream.ID, cursor, stats.CompletedAt); err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), "failed to advance stream cursor")
	}

	if key != "" && h.Next != nil {
		if err := h.Next.DispatchProcess(ctx, stream.ID, key); err != nil {
			log.Error("failed to dispatch processing", zap.String("batch", key), zap.Error(err))
		}
	}

	return &Result{Records: stats.RecordsFetched, ActivityID: activity.ID}, nil
}

// resolve obtains a token for the source and builds its Sync
func (h *SyncHandler) resolve(ctx context.Context, ss *models.ScheduledStream, cfg *models.StreamConfig) (core.Sync, error) {
	src := ss.Source
	deps := core.SyncDeps{Stream: ss.Stream, Source: src, Config: cfg}

	if src.AuthKind != models.AuthKindNone && src.AuthKind != "" {
		token, err := h.Auth.ValidToken(ctx, src, h.Credentials)
		if err != nil {
			return nil, err
		}
		deps.AccessToken = token
		if src.AuthKind == models.AuthKindOAuth2 {
			deps.Refresh = h.Auth.BindRefresher(src, h.Credentials)
		}
	}

	httpCfg := clients.DefaultHTTPConfig(cfg.Name)
	httpCfg.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
	if cfg.RateLimit.Burst > 0 {
		httpCfg.Burst = cfg.RateLimit.Burst
	}
	deps.HTTPClient = clients.NewHTTPClient(httpCfg, deps.AccessToken, deps.Refresh)

	return h.Registry.ResolveSync(cfg, deps)
}

// loadStream loads the stream and its catalog entry, tagging the context
// logger and the task with the stream identity
func loadStream(ctx context.Context, streams StreamStore, catalog *config.Catalog, task *Task) (*models.ScheduledStream, *models.StreamConfig, error) {
	ss, err := streams.Get(ctx, task.StreamID)
	if err != nil {
		return nil, nil, err
	}
	task.StreamName = ss.Stream.StreamName

	cfg := ss.Config
	if cfg == nil {
		var ok bool
		cfg, ok = catalog.Get(ss.Stream.StreamName)
		if !ok {
			return nil, nil, errors.Newf(errors.ErrorTypeConfig, "stream %s is not in the catalog", ss.Stream.StreamName)
		}
	}
	return ss, cfg, nil
}
