package models

import (
	"time"

	"github.com/google/uuid"
)

// Record is a raw record as produced by a sync or pushed by a device
type Record = map[string]any

// RecordBatch is a staged set of raw records awaiting processing
type RecordBatch struct {
	StreamID   uuid.UUID      `json:"stream_id"`
	SourceID   uuid.UUID      `json:"source_id"`
	StreamName string         `json:"stream_name"`
	FetchedAt  time.Time      `json:"fetched_at"`
	Records    []Record       `json:"data"`
	Metadata   map[string]any `json:"batch_metadata,omitempty"`
}

// Len returns the number of records in the batch
func (b *RecordBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// StoredRecord is a row ready for the relational sink. Object-bound fields
// appear only as {field}_path and {field}_stored_at references.
type StoredRecord struct {
	Table   string
	Columns map[string]any
}

// PathColumn returns the reference column name for an object-bound field
func PathColumn(field string) string {
	return field + "_path"
}

// StoredAtColumn returns the upload timestamp column for an object-bound field
func StoredAtColumn(field string) string {
	return field + "_stored_at"
}
