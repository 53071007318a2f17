package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// IngestRequest is a batch of records pushed by a device
type IngestRequest struct {
	StreamID uuid.UUID       `json:"stream_id" binding:"required"`
	Records  []models.Record `json:"records" binding:"required"`
	Metadata map[string]any  `json:"metadata"`
}

// IngestResponse acknowledges a staged batch
type IngestResponse struct {
	StreamID uuid.UUID `json:"stream_id"`
	BatchKey string    `json:"batch_key"`
	Records  int       `json:"records"`
}

// handleIngest stages a pushed batch and enqueues its processing. The
// stream must be a push stream of an active device source paired with the
// calling device.
func (s *Server) handleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(err, errors.ErrorTypeValidation, "invalid ingest request"))
		return
	}
	if len(req.Records) == 0 {
		abortWithError(c, errors.New(errors.ErrorTypeValidation, "records must not be empty"))
		return
	}

	ctx := c.Request.Context()
	deviceID := c.GetString(deviceIDKey)
	log := logger.WithContext(ctx).With(
		zap.String("stream_id", req.StreamID.String()),
		zap.String("device_id", deviceID))

	scheduled, err := s.deps.Streams.Get(ctx, req.StreamID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.checkPushTarget(scheduled, deviceID); err != nil {
		log.Warn("ingest rejected", zap.Error(err))
		abortWithError(c, err)
		return
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["sync_type"] = "push"
	metadata["device_id"] = deviceID

	batch := &models.RecordBatch{
		StreamID:   scheduled.Stream.ID,
		SourceID:   scheduled.Source.ID,
		StreamName: scheduled.Stream.StreamName,
		FetchedAt:  s.clock.Now().UTC(),
		Records:    req.Records,
		Metadata:   metadata,
	}
	key, size, err := s.deps.Stager.Stage(ctx, batch)
	if err != nil {
		abortWithError(c, err)
		return
	}
	metrics.RecordsFetched.WithLabelValues(scheduled.Stream.StreamName, "push").Add(float64(batch.Len()))

	if err := s.deps.Dispatcher.DispatchProcess(ctx, scheduled.Stream.ID, key); err != nil {
		abortWithError(c, err)
		return
	}

	log.Info("device batch accepted",
		zap.String("batch_key", key),
		zap.Int("records", batch.Len()),
		zap.Int64("bytes", size))
	c.JSON(http.StatusAccepted, IngestResponse{
		StreamID: scheduled.Stream.ID,
		BatchKey: key,
		Records:  batch.Len(),
	})
}

func (s *Server) checkPushTarget(scheduled *models.ScheduledStream, deviceID string) error {
	stream, source := scheduled.Stream, scheduled.Source
	if !source.IsDevice() {
		return errors.New(errors.ErrorTypeValidation, "stream does not belong to a device source")
	}
	if !source.IsActive() || !stream.Enabled {
		return errors.New(errors.ErrorTypeConflict, "stream is not active")
	}
	if cred := source.Credential; cred != nil && cred.DeviceID != "" && cred.DeviceID != deviceID {
		return errors.New(errors.ErrorTypePermission, "stream is paired with another device")
	}

	cfg, ok := s.deps.Catalog.Get(stream.StreamName)
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "stream config %q not found", stream.StreamName)
	}
	if cfg.IsPull() {
		return errors.Newf(errors.ErrorTypeValidation, "stream %q is not a push stream", cfg.Name)
	}
	return nil
}
