package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType categorises a pipeline activity
type ActivityType string

const (
	ActivityIngestion           ActivityType = "ingestion"
	ActivitySignalCreation      ActivityType = "signal_creation"
	ActivityTransitionDetection ActivityType = "transition_detection"
	ActivityTokenRefresh        ActivityType = "token_refresh"
	ActivityScheduledCheck      ActivityType = "scheduled_check"
	ActivityCleanup             ActivityType = "cleanup"
)

// ActivityStatus is the lifecycle state of a pipeline activity
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s ActivityStatus) IsTerminal() bool {
	switch s {
	case ActivityCompleted, ActivityFailed, ActivityCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces pending -> running -> {completed, failed, cancelled}.
// A pending activity may also be cancelled before it starts.
func (s ActivityStatus) CanTransitionTo(next ActivityStatus) bool {
	switch s {
	case ActivityPending:
		return next == ActivityRunning || next == ActivityCancelled
	case ActivityRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// MaxErrorMessageLength bounds PipelineActivity.ErrorMessage
const MaxErrorMessageLength = 1000

// PipelineActivity is one row of the pipeline activity ledger
type PipelineActivity struct {
	ID               uuid.UUID      `json:"id"`
	Type             ActivityType   `json:"activity_type"`
	Name             string         `json:"activity_name"`
	SourceName       string         `json:"source_name,omitempty"`
	StreamID         *uuid.UUID     `json:"stream_id,omitempty"`
	Status           ActivityStatus `json:"status"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int64          `json:"records_processed"`
	DataSizeBytes    int64          `json:"data_size_bytes"`
	OutputPath       string         `json:"output_path,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"activity_metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Duration returns how long the activity ran, or zero while it is open
func (a *PipelineActivity) Duration() time.Duration {
	if a.StartedAt == nil || a.CompletedAt == nil {
		return 0
	}
	return a.CompletedAt.Sub(*a.StartedAt)
}
