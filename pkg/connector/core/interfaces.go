// Package core defines the contracts connectors implement: a Sync fetches
// raw records for a time range or cursor, a Processor maps one raw record
// onto the columns of its stream table.
package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ajitpratap0/tributary/pkg/clients"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// TimeRange bounds a fetch. When both Start and End are nil the fetch is
// token based and Cursor, if any, selects where to resume.
type TimeRange struct {
	Start  *time.Time
	End    *time.Time
	Cursor string
}

// Bounded returns a range between start and end
func Bounded(start, end time.Time) TimeRange {
	return TimeRange{Start: &start, End: &end}
}

// Unbounded returns a token based range resuming at cursor
func Unbounded(cursor string) TimeRange {
	return TimeRange{Cursor: cursor}
}

// IsTokenBased reports whether the range carries no time bounds
func (r TimeRange) IsTokenBased() bool {
	return r.Start == nil && r.End == nil
}

// String renders the range for logs and activity metadata
func (r TimeRange) String() string {
	if r.IsTokenBased() {
		if r.Cursor == "" {
			return "token:<start>"
		}
		return "token:" + r.Cursor
	}
	return fmt.Sprintf("%s..%s", formatBound(r.Start), formatBound(r.End))
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "*"
	}
	return t.UTC().Format(time.RFC3339)
}

// FetchResult is what one FetchData call produced
type FetchResult struct {
	Records []models.Record
	// NextCursor is persisted on success. It may be a JSON object of
	// per-resource cursors for multi-resource streams.
	NextCursor string
	// Errors are non-fatal per-record or per-page problems
	Errors   []string
	Metadata map[string]any
}

// Sync is implemented by every pull connector
type Sync interface {
	// FullSyncRange is the widest range the provider supports
	FullSyncRange(now time.Time) TimeRange
	// IncrementalSyncRange is the range fetched after the first successful sync
	IncrementalSyncRange(now time.Time) TimeRange
	// FetchData fetches raw records. A rejected cursor is reported as an
	// error of type cursor_invalid.
	FetchData(ctx context.Context, r TimeRange) (*FetchResult, error)
}

// Processor maps a raw record onto stream table columns. A data-type error
// skips the record, any other error fails the batch.
type Processor interface {
	ProcessRecord(ctx context.Context, rec models.Record) (models.Record, error)
}

// SyncDeps is handed to a SyncFactory
type SyncDeps struct {
	Stream      *models.Stream
	Source      *models.Source
	Config      *models.StreamConfig
	AccessToken string
	// Refresh obtains a new access token for Source and persists it
	Refresh clients.RefreshFunc
	// HTTPClient is rate limited and refreshes once on a 401
	HTTPClient *http.Client
}

// ProcessorDeps is handed to a ProcessorFactory
type ProcessorDeps struct {
	Source *models.Source
	Config *models.StreamConfig
}
