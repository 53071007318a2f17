package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestionMode says whether a stream is pulled on a schedule or pushed by a device
type IngestionMode string

const (
	IngestionPull IngestionMode = "pull"
	IngestionPush IngestionMode = "push"
)

// InitialSyncType selects the range of a stream's first sync
type InitialSyncType string

const (
	InitialSyncFull    InitialSyncType = "full"
	InitialSyncLimited InitialSyncType = "limited"
)

const (
	// DefaultInitialSyncDays is the look-back of a limited initial sync
	DefaultInitialSyncDays = 90
	// DefaultInitialSyncDaysFuture is the look-ahead of a limited initial sync
	DefaultInitialSyncDaysFuture = 30
)

// StreamConfig is the static catalog definition of a stream type
type StreamConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Source        string            `yaml:"source" json:"source"`
	DisplayName   string            `yaml:"display_name" json:"display_name"`
	CronSchedule  string            `yaml:"cron_schedule" json:"cron_schedule,omitempty"`
	IngestionMode IngestionMode     `yaml:"ingestion_mode" json:"ingestion_mode"`
	Disabled      bool              `yaml:"disabled" json:"disabled"`
	InitialSync   InitialSyncConfig `yaml:"initial_sync" json:"initial_sync"`
	Storage       StorageConfig     `yaml:"storage" json:"storage"`
	Processor     ProcessorConfig   `yaml:"processor" json:"processor"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
}

// InitialSyncConfig holds the default initial sync settings of a stream type
type InitialSyncConfig struct {
	Type       InitialSyncType `yaml:"type" json:"type"`
	DaysPast   int             `yaml:"days_past" json:"days_past"`
	DaysFuture int             `yaml:"days_future" json:"days_future"`
}

// StorageConfig lists the object-bound fields of a stream
type StorageConfig struct {
	Category     string            `yaml:"category" json:"category"`
	ObjectFields []string          `yaml:"object_fields" json:"object_fields"`
	Base64Fields []string          `yaml:"base64_fields" json:"base64_fields"`
	Extensions   map[string]string `yaml:"extensions" json:"extensions"`
}

// ProcessorConfig names the relational table a stream lands in
type ProcessorConfig struct {
	TableName string `yaml:"table_name" json:"table_name"`
}

// RateLimitConfig bounds outbound requests for a stream's connector
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// TableName returns the relational table for the stream
func (c *StreamConfig) TableName() string {
	if c.Processor.TableName != "" {
		return c.Processor.TableName
	}
	return "stream_" + c.Name
}

// Category returns the object key prefix for the stream's assets
func (c *StreamConfig) Category() string {
	if c.Storage.Category != "" {
		return c.Storage.Category
	}
	return "assets"
}

// IsObjectField reports whether field is routed to the object store
func (c *StreamConfig) IsObjectField(field string) bool {
	for _, f := range c.Storage.ObjectFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsBase64Field reports whether string values of field are base64 encoded binary
func (c *StreamConfig) IsBase64Field(field string) bool {
	for _, f := range c.Storage.Base64Fields {
		if f == field {
			return true
		}
	}
	return false
}

// IsPull reports whether the stream is scheduler driven. An empty mode means pull.
func (c *StreamConfig) IsPull() bool {
	return c.IngestionMode == "" || c.IngestionMode == IngestionPull
}

// SourceRelativeName returns the stream name with the source prefix stripped,
// e.g. google_calendar for source google yields calendar.
func (c *StreamConfig) SourceRelativeName() string {
	return strings.TrimPrefix(c.Name, c.Source+"_")
}

// Stream is a per-source instance of a stream type
type Stream struct {
	ID                        uuid.UUID       `json:"id"`
	SourceID                  uuid.UUID       `json:"source_id"`
	StreamName                string          `json:"stream_name"`
	Enabled                   bool            `json:"enabled"`
	CronSchedule              string          `json:"cron_schedule,omitempty"`
	InitialSyncType           InitialSyncType `json:"initial_sync_type,omitempty"`
	InitialSyncDays           int             `json:"initial_sync_days,omitempty"`
	InitialSyncDaysFuture     int             `json:"initial_sync_days_future,omitempty"`
	Settings                  map[string]any  `json:"settings,omitempty"`
	SyncCursor                string          `json:"sync_cursor,omitempty"`
	LastSuccessfulIngestionAt *time.Time      `json:"last_successful_ingestion_at,omitempty"`
	LastProcessedAt           *time.Time      `json:"last_processed_at,omitempty"`
	LastSyncStatus            string          `json:"last_sync_status,omitempty"`
	LastSyncError             string          `json:"last_sync_error,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// EffectiveCron returns the stream's cron override or the catalog's schedule
func (s *Stream) EffectiveCron(cfg *StreamConfig) string {
	if s.CronSchedule != "" {
		return s.CronSchedule
	}
	if cfg == nil {
		return ""
	}
	return cfg.CronSchedule
}

// InitialSyncSettings resolves the stream's initial sync type and bounds,
// falling back to the catalog and then the package defaults.
func (s *Stream) InitialSyncSettings(cfg *StreamConfig) (InitialSyncType, int, int) {
	syncType := s.InitialSyncType
	past, future := s.InitialSyncDays, s.InitialSyncDaysFuture
	if cfg != nil {
		if syncType == "" {
			syncType = cfg.InitialSync.Type
		}
		if past <= 0 {
			past = cfg.InitialSync.DaysPast
		}
		if future <= 0 {
			future = cfg.InitialSync.DaysFuture
		}
	}
	if syncType == "" {
		syncType = InitialSyncLimited
	}
	if past <= 0 {
		past = DefaultInitialSyncDays
	}
	if future <= 0 {
		future = DefaultInitialSyncDaysFuture
	}
	return syncType, past, future
}

// ScheduledStream joins a stream with its source and catalog entry
type ScheduledStream struct {
	Stream *Stream
	Source *Source
	Config *StreamConfig
}
