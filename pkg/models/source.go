// Package models provides the typed entities shared by the sync scheduler,
// the task runner and the storage layer: sources, streams, stream
// configurations, pipeline activities and record batches.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies where a source's data originates
type Platform string

const (
	// PlatformCloud sources are pulled from a provider API
	PlatformCloud Platform = "cloud"
	// PlatformDevice sources push data from a paired device
	PlatformDevice Platform = "device"
)

// AuthKind identifies how a source authenticates
type AuthKind string

const (
	AuthKindOAuth2      AuthKind = "oauth2"
	AuthKindDeviceToken AuthKind = "device_token"
	AuthKindAPIKey      AuthKind = "api_key"
	AuthKindNone        AuthKind = "none"
)

// SourceStatus is the lifecycle state of a source
type SourceStatus string

const (
	SourceStatusAuthenticated SourceStatus = "authenticated"
	SourceStatusActive        SourceStatus = "active"
	SourceStatusError         SourceStatus = "error"
	SourceStatusInactive      SourceStatus = "inactive"
)

// Source is a connected account or device. Sources are never deleted;
// deactivation sets the status to inactive.
type Source struct {
	ID           uuid.UUID    `json:"id"`
	SourceType   string       `json:"source_type"`
	InstanceName string       `json:"instance_name"`
	Platform     Platform     `json:"platform"`
	AuthKind     AuthKind     `json:"auth_kind"`
	Credential   *Credential  `json:"-"`
	Status       SourceStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsActive reports whether the source may be synced
func (s *Source) IsActive() bool {
	return s.Status == SourceStatusActive || s.Status == SourceStatusAuthenticated
}

// IsDevice reports whether the source is device platform
func (s *Source) IsDevice() bool {
	return s.Platform == PlatformDevice
}

// Deactivate marks the source inactive
func (s *Source) Deactivate(now time.Time) {
	s.Status = SourceStatusInactive
	s.UpdatedAt = now
}
