// Package store provides telemetry persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
)

// Filter narrows a telemetry listing. Zero fields match everything.
type Filter struct {
	SessionID    string
	ToolID       string
	InvocationID string
	Kind         domain.EventKind
	Since        time.Time
	Limit        int
}

// Match reports whether ev satisfies f, ignoring Limit.
func (f Filter) Match(ev domain.TelemetryEvent) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.ToolID != "" && ev.ToolID != f.ToolID {
		return false
	}
	if f.InvocationID != "" && ev.InvocationID != f.InvocationID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Repository persists append-only telemetry events.
type Repository interface {
	// AppendEvents inserts events; existing ids are left untouched.
	AppendEvents(ctx context.Context, events []domain.TelemetryEvent) error

	// ListEvents returns matching events oldest first, keeping the newest
	// Limit entries when Limit > 0.
	ListEvents(ctx context.Context, filter Filter) ([]domain.TelemetryEvent, error)

	// PruneEvents removes events older than cutoff and returns how many were deleted.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
