// Package registry maps stream types to their Sync and Processor
// implementations. Connector packages register factories from init()
// under the name derived by ImplementationName, e.g. GoogleCalendarSync.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// Role is the implementation suffix
type Role string

const (
	RoleSync      Role = "Sync"
	RoleProcessor Role = "StreamProcessor"
)

var (
	// ErrNotApplicable is returned when resolving a Sync for a push stream
	ErrNotApplicable = errors.New(errors.ErrorTypeCapability, "stream is not pulled on a schedule")
	// ErrNotRegistered is returned when no implementation is registered
	ErrNotRegistered = errors.New(errors.ErrorTypeConfig, "implementation not registered")
)

// SyncFactory creates a Sync for one stream
type SyncFactory func(deps core.SyncDeps) (core.Sync, error)

// ProcessorFactory creates a Processor for one stream
type ProcessorFactory func(deps core.ProcessorDeps) (core.Processor, error)

// Registry manages implementation registration and instantiation
type Registry struct {
	syncs      map[string]SyncFactory
	processors map[string]ProcessorFactory
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		syncs:      make(map[string]SyncFactory),
		processors: make(map[string]ProcessorFactory),
		logger:     logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// ImplementationName derives the registered name for a stream of source:
// the stream name, prefixed with the source when it lacks it, with each
// underscore separated segment capitalised, followed by the role.
func ImplementationName(source, stream string, role Role) string {
	name := stream
	if source != "" && name != source && !strings.HasPrefix(name, source+"_") {
		name = source + "_" + name
	}
	var b strings.Builder
	for _, seg := range strings.Split(name, "_") {
		if seg == "" {
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	b.WriteString(string(role))
	return b.String()
}

// RegisterSync registers a Sync factory
func (r *Registry) RegisterSync(name string, factory SyncFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.syncs[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("sync %s already registered", name))
	}

	r.syncs[name] = factory
	r.logger.Debug("sync registered", zap.String("name", name))
	return nil
}

// RegisterProcessor registers a Processor factory
func (r *Registry) RegisterProcessor(name string, factory ProcessorFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("processor %s already registered", name))
	}

	r.processors[name] = factory
	r.logger.Debug("processor registered", zap.String("name", name))
	return nil
}

// ResolveSync creates the Sync for cfg. Push streams yield ErrNotApplicable.
func (r *Registry) ResolveSync(cfg *models.StreamConfig, deps core.SyncDeps) (core.Sync, error) {
	if !cfg.IsPull() {
		return nil, ErrNotApplicable
	}

	name := ImplementationName(cfg.Source, cfg.Name, RoleSync)
	r.mu.RLock()
	factory, exists := r.syncs[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Wrap(ErrNotRegistered, errors.ErrorTypeConfig, fmt.Sprintf("sync %s not found", name))
	}

	deps.Config = cfg
	s, err := factory(deps)
	if err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("failed to create sync %s", name))
	}
	return s, nil
}

// ResolveProcessor creates the Processor for cfg
func (r *Registry) ResolveProcessor(cfg *models.StreamConfig, deps core.ProcessorDeps) (core.Processor, error) {
	name := ImplementationName(cfg.Source, cfg.Name, RoleProcessor)
	r.mu.RLock()
	factory, exists := r.processors[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Wrap(ErrNotRegistered, errors.ErrorTypeConfig, fmt.Sprintf("processor %s not found", name))
	}

	deps.Config = cfg
	p, err := factory(deps)
	if err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("failed to create processor %s", name))
	}
	return p, nil
}

// ListSyncs returns the registered Sync names, sorted
func (r *Registry) ListSyncs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.syncs)
}

// ListProcessors returns the registered Processor names, sorted
func (r *Registry) ListProcessors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.processors)
}

// HasSync checks if a Sync is registered
func (r *Registry) HasSync(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.syncs[name]
	return exists
}

// Clear removes all registrations (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncs = make(map[string]SyncFactory)
	r.processors = make(map[string]ProcessorFactory)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Global registry functions

// RegisterSync registers a Sync in the global registry
func RegisterSync(name string, factory SyncFactory) error {
	return globalRegistry.RegisterSync(name, factory)
}

// RegisterProcessor registers a Processor in the global registry
func RegisterProcessor(name string, factory ProcessorFactory) error {
	return globalRegistry.RegisterProcessor(name, factory)
}

// ResolveSync resolves a Sync from the global registry
func ResolveSync(cfg *models.StreamConfig, deps core.SyncDeps) (core.Sync, error) {
	return globalRegistry.ResolveSync(cfg, deps)
}

// ResolveProcessor resolves a Processor from the global registry
func ResolveProcessor(cfg *models.StreamConfig, deps core.ProcessorDeps) (core.Processor, error) {
	return globalRegistry.ResolveProcessor(cfg, deps)
}

// ListSyncs returns registered Syncs from the global registry
func ListSyncs() []string {
	return globalRegistry.ListSyncs()
}

// ListProcessors returns registered Processors from the global registry
func ListProcessors() []string {
	return globalRegistry.ListProcessors()
}

// GetRegistry returns the global registry instance.
// This is the primary way to access the connector registry.
func GetRegistry() *Registry {
	return globalRegistry
}
