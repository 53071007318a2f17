package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// SourceStore lists refresh candidates and persists their new credentials
type SourceStore interface {
	CredentialStore
	ListExpiringSources(ctx context.Context, before time.Time) ([]*models.Source, error)
}

// RefreshReport summarises one proactive refresh pass
type RefreshReport struct {
	Checked   int
	Refreshed int
	Failed    int
	Errors    []string
}

// Refresher proactively refreshes credentials that are about to expire
type Refresher struct {
	manager *Manager
	store   SourceStore
	ledger  *ledger.Ledger
	clock   clock.Clock
	logger  *zap.Logger
}

// NewRefresher creates a Refresher
func NewRefresher(manager *Manager, store SourceStore, l *ledger.Ledger, clk clock.Clock) *Refresher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Refresher{
		manager: manager,
		store:   store,
		ledger:  l,
		clock:   clk,
		logger:  logger.Get().With(zap.String("component", "token_refresher")),
	}
}

// RefreshExpiring refreshes every refreshable credential expiring within
// the manager's threshold and records a token_refresh activity. Individual
// failures are counted, not returned.
func (r *Refresher) RefreshExpiring(ctx context.Context) (*RefreshReport, error) {
	activity, err := r.ledger.Start(ctx, ledger.Entry{Type: models.ActivityTokenRefresh, Name: "token_refresh"})
	if err != nil {
		return nil, err
	}

	before := r.clock.Now().Add(r.manager.Threshold())
	sources, err := r.store.ListExpiringSources(ctx, before)
	if err != nil {
		if ferr := r.ledger.Fail(ctx, activity, err, nil); ferr != nil {
			r.logger.Error("failed to close token refresh activity", zap.Error(ferr))
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to list expiring sources")
	}

	report := &RefreshReport{}
	var refreshedIDs []string
	for _, src := range sources {
		if !src.Credential.HasRefreshToken() {
			continue
		}
		report.Checked++

		if _, err := r.manager.RefreshSource(ctx, src, r.store); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, src.ID.String()+": "+errors.Truncate(err.Error(), 200))
			metrics.TokenRefreshes.WithLabelValues(src.SourceType, "proactive", "failure").Inc()
			r.logger.Warn("proactive token refresh failed",
				zap.String("source_id", src.ID.String()),
				zap.String("source", src.SourceType),
				zap.Error(err))
			continue
		}
		report.Refreshed++
		refreshedIDs = append(refreshedIDs, src.ID.String())
		metrics.TokenRefreshes.WithLabelValues(src.SourceType, "proactive", "success").Inc()
	}

	if err := r.ledger.Complete(ctx, activity, ledger.Outcome{
		RecordsProcessed: int64(report.Refreshed),
		Metadata: map[string]any{
			"sources_checked":   report.Checked,
			"sources_refreshed": report.Refreshed,
			"sources_failed":    report.Failed,
			"refreshed":         refreshedIDs,
			"errors":            report.Errors,
		},
	}); err != nil {
		return report, err
	}

	r.logger.Info("token refresh pass finished",
		zap.Int("checked", report.Checked),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed))
	return report, nil
}

// RefreshOne refreshes a single source by id, regardless of expiry
func (r *Refresher) RefreshOne(ctx context.Context, src *models.Source) error {
	if src.ID == uuid.Nil {
		return errors.New(errors.ErrorTypeValidation, "source id is required")
	}
	_, err := r.manager.RefreshSource(ctx, src, r.store)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.TokenRefreshes.WithLabelValues(src.SourceType, "manual", outcome).Inc()
	return err
}
