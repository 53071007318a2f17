package auth

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// SourceRegistry creates and looks up sources
type SourceRegistry interface {
	CredentialStore
	FindByInstance(ctx context.Context, sourceType, instanceName string) (*models.Source, error)
	Create(ctx context.Context, src *models.Source) error
}

// StreamRegistry creates and looks up the streams of a source
type StreamRegistry interface {
	FindBySource(ctx context.Context, sourceID uuid.UUID, streamName string) (*models.ScheduledStream, error)
	Create(ctx context.Context, s *models.Stream) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// ConnectRequest describes a source to authenticate and register
type ConnectRequest struct {
	SourceType   string
	InstanceName string
	AuthKind     models.AuthKind
	Credentials  Credentials
}

// ConnectResult is the registered source and its stream instances
type ConnectResult struct {
	Source  *models.Source
	Streams []*models.Stream
	Created bool
}

// Provisioner turns a successful authentication into a persisted Source
// with one Stream per catalog entry of its source type
type Provisioner struct {
	manager *Manager
	sources SourceRegistry
	streams StreamRegistry
	catalog *config.Catalog
	logger  *zap.Logger
}

// NewProvisioner creates a Provisioner
func NewProvisioner(manager *Manager, sources SourceRegistry, streams StreamRegistry, catalog *config.Catalog) *Provisioner {
	return &Provisioner{
		manager: manager,
		sources: sources,
		streams: streams,
		catalog: catalog,
		logger:  logger.Get().With(zap.String("component", "provisioner")),
	}
}

// Connect authenticates req and registers the source. Connecting an
// existing instance replaces its credential and reactivates it; streams
// that were disabled by a deactivation are re-enabled.
func (p *Provisioner) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if req.SourceType == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "source type is required")
	}

	res, err := p.manager.Authenticate(ctx, req.SourceType, req.AuthKind, req.Credentials)
	if err != nil {
		return nil, err
	}
	if !res.Authenticated {
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "authentication rejected: %s", res.Message)
	}

	name := req.InstanceName
	if name == "" {
		name = instanceName(req.SourceType, res.Credential)
	}

	src, err := p.sources.FindByInstance(ctx, req.SourceType, name)
	switch {
	case errors.IsType(err, errors.ErrorTypeNotFound):
		src = &models.Source{
			SourceType:   req.SourceType,
			InstanceName: name,
			Platform:     platformFor(res.Kind),
			AuthKind:     res.Kind,
			Credential:   res.Credential,
			Status:       models.SourceStatusAuthenticated,
		}
		if err := p.sources.Create(ctx, src); err != nil {
			return nil, err
		}
		streams, err := p.ensureStreams(ctx, src, false)
		if err != nil {
			return nil, err
		}
		p.logger.Info("source connected",
			zap.String("source_id", src.ID.String()),
			zap.String("source_type", src.SourceType),
			zap.String("instance", name),
			zap.Int("streams", len(streams)))
		return &ConnectResult{Source: src, Streams: streams, Created: true}, nil
	case err != nil:
		return nil, err
	}

	wasInactive := src.Status == models.SourceStatusInactive
	if err := p.sources.UpdateCredential(ctx, src.ID, res.Credential); err != nil {
		return nil, err
	}
	if src.Status != models.SourceStatusActive && src.Status != models.SourceStatusAuthenticated {
		if err := p.sources.SetSourceStatus(ctx, src.ID, models.SourceStatusAuthenticated); err != nil {
			return nil, err
		}
		src.Status = models.SourceStatusAuthenticated
	}
	src.Credential = res.Credential

	streams, err := p.ensureStreams(ctx, src, wasInactive)
	if err != nil {
		return nil, err
	}
	p.logger.Info("source reconnected",
		zap.String("source_id", src.ID.String()),
		zap.String("source_type", src.SourceType),
		zap.Bool("reactivated", wasInactive))
	return &ConnectResult{Source: src, Streams: streams}, nil
}

// ensureStreams creates the missing stream instances of src. With
// reenable set, existing disabled instances are switched back on.
func (p *Provisioner) ensureStreams(ctx context.Context, src *models.Source, reenable bool) ([]*models.Stream, error) {
	var out []*models.Stream
	for _, cfg := range p.catalog.All() {
		if cfg.Source != src.SourceType || cfg.Disabled {
			continue
		}

		existing, err := p.streams.FindBySource(ctx, src.ID, cfg.Name)
		if err == nil {
			st := existing.Stream
			if reenable && !st.Enabled {
				if err := p.streams.SetEnabled(ctx, st.ID, true); err != nil {
					return nil, err
				}
				st.Enabled = true
			}
			out = append(out, st)
			continue
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}

		st := &models.Stream{SourceID: src.ID, StreamName: cfg.Name, Enabled: true}
		if err := p.streams.Create(ctx, st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func platformFor(kind models.AuthKind) models.Platform {
	if kind == models.AuthKindDeviceToken {
		return models.PlatformDevice
	}
	return models.PlatformCloud
}

// instanceName defaults device sources to their device id and everything
// else to the source type
func instanceName(sourceType string, cred *models.Credential) string {
	if cred != nil && cred.DeviceID != "" {
		return cred.DeviceID
	}
	return sourceType
}
