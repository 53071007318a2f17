package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/tributary/pkg/models"
)

// Catalog is the read-only set of stream configurations, keyed by stream name.
// It is built once at startup and passed by reference to the components that
// need it.
type Catalog struct {
	mu      sync.RWMutex
	streams map[string]*models.StreamConfig
}

// catalogFile is the on-disk layout of a single-file catalog
type catalogFile struct {
	Streams []*models.StreamConfig `yaml:"streams"`
}

// NewCatalog builds a catalog from stream configurations
func NewCatalog(streams ...*models.StreamConfig) (*Catalog, error) {
	c := &Catalog{streams: make(map[string]*models.StreamConfig, len(streams))}
	for _, s := range streams {
		if err := c.add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads stream configurations from path. A file holds a
// top-level streams list; a directory is walked for *.yaml files each
// holding one stream definition.
func LoadCatalog(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	if !info.IsDir() {
		var file catalogFile
		if err := LoadYAML(path, &file); err != nil {
			return nil, err
		}
		return NewCatalog(file.Streams...)
	}

	var streams []*models.StreamConfig
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		var s models.StreamConfig
		if err := LoadYAML(p, &s); err != nil {
			return err
		}
		streams = append(streams, &s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewCatalog(streams...)
}

func (c *Catalog) add(s *models.StreamConfig) error {
	if err := ValidateStreamConfig(s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.streams[s.Name]; exists {
		return fmt.Errorf("stream %s defined twice", s.Name)
	}
	c.streams[s.Name] = s
	return nil
}

// Get returns the configuration of a stream
func (c *Catalog) Get(name string) (*models.StreamConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[name]
	return s, ok
}

// All returns every stream configuration ordered by name
func (c *Catalog) All() []*models.StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.StreamConfig, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of streams in the catalog
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

// ValidateStreamConfig checks a single catalog entry
func ValidateStreamConfig(s *models.StreamConfig) error {
	if s == nil {
		return fmt.Errorf("nil stream config")
	}
	if s.Name == "" {
		return fmt.Errorf("stream name is required")
	}
	if s.Source == "" {
		return fmt.Errorf("stream %s: source is required", s.Name)
	}
	switch s.IngestionMode {
	case "", models.IngestionPull, models.IngestionPush:
	default:
		return fmt.Errorf("stream %s: unknown ingestion_mode %q", s.Name, s.IngestionMode)
	}
	switch s.InitialSync.Type {
	case "", models.InitialSyncFull, models.InitialSyncLimited:
	default:
		return fmt.Errorf("stream %s: unknown initial_sync.type %q", s.Name, s.InitialSync.Type)
	}
	if s.InitialSync.DaysPast < 0 || s.InitialSync.DaysFuture < 0 {
		return fmt.Errorf("stream %s: initial sync days cannot be negative", s.Name)
	}
	if s.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("stream %s: rate_limit.requests_per_second cannot be negative", s.Name)
	}
	return nil
}
