// Package scheduler decides which pull streams are due. A single goroutine
// probes the stream table on a fixed interval, evaluates each stream's cron
// expression against its last successful sync and hands due streams to the
// task runner.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// DefaultInterval is the probe period
const DefaultInterval = time.Minute

// StreamStore lists candidate streams
type StreamStore interface {
	ListSchedulable(ctx context.Context) ([]*models.ScheduledStream, error)
}

// Dispatcher accepts due streams
type Dispatcher interface {
	DispatchSync(ctx context.Context, streamID uuid.UUID) error
}

// ProbeResult summarises one probe
type ProbeResult struct {
	Checked   int
	Triggered []uuid.UUID
}

// Scheduler periodically dispatches due streams
type Scheduler struct {
	store      StreamStore
	catalog    *config.Catalog
	dispatcher Dispatcher
	ledger     *ledger.Ledger
	interval   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
}

// New creates a Scheduler
func New(store StreamStore, catalog *config.Catalog, dispatcher Dispatcher, l *ledger.Ledger, interval time.Duration, clk clock.Clock) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		store:      store,
		catalog:    catalog,
		dispatcher: dispatcher,
		ledger:     l,
		interval:   interval,
		clock:      clk,
		logger:     logger.Get().With(zap.String("component", "scheduler")),
	}
}

// Run probes immediately and then every interval until ctx is cancelled.
// Probe errors are logged and the next tick proceeds.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		if _, err := s.Probe(ctx); err != nil {
			metrics.ProbeErrors.Inc()
			s.logger.Error("scheduler probe failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}

// Probe checks every schedulable stream once and dispatches the due ones.
// Every probe writes one scheduled_check activity, including probes that
// could not list streams.
func (s *Scheduler) Probe(ctx context.Context) (*ProbeResult, error) {
	activity := s.open(ctx)

	candidates, err := s.store.ListSchedulable(ctx)
	if err != nil {
		s.fail(ctx, activity, err)
		return nil, err
	}

	now := s.clock.Now().UTC()
	res := &ProbeResult{}
	for _, ss := range candidates {
		cfg, ok := s.eligible(ss)
		if !ok {
			continue
		}
		res.Checked++

		expr := ss.Stream.EffectiveCron(cfg)
		due, err := ShouldSync(expr, ss.Stream.LastSuccessfulIngestionAt, now)
		if err != nil {
			metrics.ProbeStreams.WithLabelValues("invalid_cron").Inc()
			s.logger.Warn("skipping stream with invalid cron",
				zap.String("stream_id", ss.Stream.ID.String()),
				zap.String("cron", expr),
				zap.Error(err))
			continue
		}
		if !due {
			metrics.ProbeStreams.WithLabelValues("not_due").Inc()
			continue
		}

		if err := s.dispatcher.DispatchSync(ctx, ss.Stream.ID); err != nil {
			metrics.ProbeStreams.WithLabelValues("dispatch_failed").Inc()
			s.logger.Error("failed to dispatch sync",
				zap.String("stream_id", ss.Stream.ID.String()),
				zap.Error(err))
			continue
		}
		metrics.ProbeStreams.WithLabelValues("triggered").Inc()
		res.Triggered = append(res.Triggered, ss.Stream.ID)
	}

	s.complete(ctx, activity, res)
	if len(res.Triggered) > 0 {
		s.logger.Info("scheduler probe dispatched streams",
			zap.Int("checked", res.Checked),
			zap.Int("triggered", len(res.Triggered)))
	}
	return res, nil
}

// eligible resolves the catalog entry of a candidate and filters out push,
// device, disabled and unscheduled streams
func (s *Scheduler) eligible(ss *models.ScheduledStream) (*models.StreamConfig, bool) {
	if ss.Stream == nil || ss.Source == nil || !ss.Stream.Enabled || !ss.Source.IsActive() {
		return nil, false
	}
	if ss.Source.IsDevice() {
		return nil, false
	}
	cfg := ss.Config
	if cfg == nil {
		var ok bool
		cfg, ok = s.catalog.Get(ss.Stream.StreamName)
		if !ok {
			s.logger.Debug("stream missing from catalog", zap.String("stream", ss.Stream.StreamName))
			return nil, false
		}
	}
	if cfg.Disabled || !cfg.IsPull() {
		return nil, false
	}
	if ss.Stream.EffectiveCron(cfg) == "" {
		return nil, false
	}
	return cfg, true
}

// open starts the probe's scheduled_check activity. A nil result means the
// probe runs unrecorded.
func (s *Scheduler) open(ctx context.Context) *models.PipelineActivity {
	if s.ledger == nil {
		return nil
	}
	a, err := s.ledger.Start(ctx, ledger.Entry{
		Type: models.ActivityScheduledCheck,
		Name: "scheduled_check",
	})
	if err != nil {
		s.logger.Warn("failed to open scheduled check", zap.Error(err))
		return nil
	}
	return a
}

func (s *Scheduler) complete(ctx context.Context, a *models.PipelineActivity, res *ProbeResult) {
	if a == nil {
		return
	}
	triggered := make([]string, len(res.Triggered))
	for i, id := range res.Triggered {
		triggered[i] = id.String()
	}
	err := s.ledger.Complete(ctx, a, ledger.Outcome{
		RecordsProcessed: int64(len(res.Triggered)),
		Metadata: map[string]any{
			"streams_checked":   res.Checked,
			"streams_triggered": len(res.Triggered),
			"triggered":         triggered,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record scheduled check", zap.Error(err))
		s.fail(ctx, a, err)
	}
}

func (s *Scheduler) fail(ctx context.Context, a *models.PipelineActivity, cause error) {
	if a == nil {
		return
	}
	if err := s.ledger.Fail(ctx, a, cause, map[string]any{"streams_checked": 0, "streams_triggered": 0}); err != nil {
		s.logger.Warn("failed to record failed scheduled check", zap.Error(err))
	}
}
