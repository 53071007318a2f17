package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/logger"
)

// DefaultActivityRetention is how long ingestion activities are kept
const DefaultActivityRetention = 30 * 24 * time.Hour

// NewTokenRefreshHandler runs a proactive refresh pass. When pairing is
// non-nil, expired pairing sessions are pruned on the same cadence.
func NewTokenRefreshHandler(r *auth.Refresher, pairing *auth.PairingStore) Handler {
	return HandlerFunc(func(ctx context.Context, _ *Task) (*Result, error) {
		if pairing != nil {
			if n := pairing.Prune(); n > 0 {
				logger.WithContext(ctx).Debug("pruned pairing sessions", zap.Int("count", n))
			}
		}
		report, err := r.RefreshExpiring(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Records: report.Refreshed}, nil
	})
}

// NewCleanupHandler deletes ingestion activities older than retention
func NewCleanupHandler(l *ledger.Ledger, retention time.Duration) Handler {
	if retention <= 0 {
		retention = DefaultActivityRetention
	}
	return HandlerFunc(func(ctx context.Context, _ *Task) (*Result, error) {
		n, err := l.Cleanup(ctx, retention)
		if err != nil {
			return nil, err
		}
		return &Result{Records: int(n)}, nil
	})
}

// Maintenance enqueues token refresh and cleanup tasks on fixed intervals
type Maintenance struct {
	pool            *Pool
	refreshInterval time.Duration
	cleanupInterval time.Duration
	clock           clock.Clock
	logger          *zap.Logger
}

// NewMaintenance creates a Maintenance loop. A non-positive interval
// disables that job.
func NewMaintenance(pool *Pool, refreshInterval, cleanupInterval time.Duration, clk clock.Clock) *Maintenance {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Maintenance{
		pool:            pool,
		refreshInterval: refreshInterval,
		cleanupInterval: cleanupInterval,
		clock:           clk,
		logger:          logger.Get().With(zap.String("component", "maintenance")),
	}
}

// Run blocks until ctx is done. The first refresh is enqueued immediately;
// the first cleanup after one interval.
func (m *Maintenance) Run(ctx context.Context) {
	var refresh, cleanup <-chan time.Time
	if m.refreshInterval > 0 {
		m.submit(KindTokenRefresh)
		refresh = m.clock.After(m.refreshInterval)
	}
	if m.cleanupInterval > 0 {
		cleanup = m.clock.After(m.cleanupInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			m.submit(KindTokenRefresh)
			refresh = m.clock.After(m.refreshInterval)
		case <-cleanup:
			m.submit(KindCleanup)
			cleanup = m.clock.After(m.cleanupInterval)
		}
	}
}

func (m *Maintenance) submit(kind Kind) {
	task := NewTask(kind, uuid.Nil)
	if err := m.pool.Submit(task, 0); err != nil {
		m.logger.Warn("failed to enqueue maintenance task", zap.String("kind", string(kind)), zap.Error(err))
	}
}
