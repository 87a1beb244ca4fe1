package domain

import "time"

// CapabilityStatus is the availability of one capability.
type CapabilityStatus string

// Capability statuses.
const (
	CapabilityEnabled  CapabilityStatus = "enabled"
	CapabilityDisabled CapabilityStatus = "disabled"
	CapabilityDegraded CapabilityStatus = "degraded"
)

// CapabilityEntry describes one tool or pipeline in the manifest.
type CapabilityEntry struct {
	Status       CapabilityStatus `json:"status"`
	Safety       string           `json:"safety,omitempty"`
	Fallback     string           `json:"fallback,omitempty"`
	RolloutNotes string           `json:"rolloutNotes,omitempty"`
}

// CapabilityProfile is the manifest of enabled capabilities.
type CapabilityProfile struct {
	ProfileID    string                     `json:"profileId"`
	LastUpdated  time.Time                  `json:"lastUpdated"`
	Capabilities map[string]CapabilityEntry `json:"capabilities"`
}

// GatingStatus is the snapshot of the generated enforcement artifact.
type GatingStatus struct {
	ClassificationEnforced bool      `json:"classificationEnforced"`
	SidecarOnly            bool      `json:"sidecarOnly"`
	ChecksumMatch          bool      `json:"checksumMatch"`
	RetrievalEnabled       bool      `json:"retrievalEnabled"`
	UpdatedAt              time.Time `json:"updatedAt"`
	Source                 string    `json:"source,omitempty"`
	Version                string    `json:"version,omitempty"`
}

// DefaultGatingStatus is used when the artifact is missing or unreadable.
func DefaultGatingStatus() GatingStatus {
	return GatingStatus{
		ClassificationEnforced: false,
		SidecarOnly:            true,
		RetrievalEnabled:       false,
		Source:                 "default",
	}
}

// HealthStatus is the coarse backend health signal.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is the current poller view of backend health.
type HealthSnapshot struct {
	Status       HealthStatus  `json:"status"`
	Message      string        `json:"message"`
	PollInterval time.Duration `json:"pollInterval"`
	CheckedAt    time.Time     `json:"checkedAt"`
	Failures     int           `json:"consecutiveFailures"`
}

// CanExecuteRisky reports whether non-safe tools may run.
func (h HealthSnapshot) CanExecuteRisky() bool {
	return h.Status == HealthHealthy || h.Status == HealthDegraded
}
