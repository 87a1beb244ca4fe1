// Package capability caches the sidecar's capability manifest.
package capability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
)

// Source fetches the current manifest.
type Source interface {
	FetchCapabilities(ctx context.Context) (*domain.CapabilityProfile, error)
}

// Snapshot is an immutable view of the cached manifest.
type Snapshot struct {
	Profile   domain.CapabilityProfile `json:"profile"`
	FetchedAt time.Time                `json:"fetchedAt"`
	Stale     bool                     `json:"stale"`
	LastError string                   `json:"lastError,omitempty"`
}

// Enabled reports whether id is listed and enabled (or degraded). Used for
// availability display, where a stale manifest is still informative.
func (s Snapshot) Enabled(id string) bool {
	entry, ok := s.Profile.Capabilities[id]
	return ok && entry.Status != domain.CapabilityDisabled
}

// Disabled reports whether the manifest explicitly disables id.
func (s Snapshot) Disabled(id string) bool {
	entry, ok := s.Profile.Capabilities[id]
	return ok && entry.Status == domain.CapabilityDisabled
}

// EnabledIDs lists enabled capability ids.
func (s Snapshot) EnabledIDs() []string {
	ids := make([]string, 0, len(s.Profile.Capabilities))
	for id := range s.Profile.Capabilities {
		if s.Enabled(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Cache holds the latest manifest. Refreshes replace the whole snapshot
// atomically; concurrent refreshes are not serialized and the last write wins.
type Cache struct {
	src     Source
	ttl     time.Duration
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache(src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached snapshot, if any.
func (c *Cache) Snapshot() (Snapshot, bool) {
	s := c.current.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Fetch returns the cached snapshot while fresh, refreshing otherwise.
func (c *Cache) Fetch(ctx context.Context) (Snapshot, error) {
	if s := c.current.Load(); s != nil && !s.Stale && c.now().Sub(s.FetchedAt) < c.ttl {
		return *s, nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the manifest. On failure the previous snapshot is kept but
// marked stale, and returned alongside the error.
func (c *Cache) Refresh(ctx context.Context) (Snapshot, error) {
	profile, err := c.src.FetchCapabilities(ctx)
	if err == nil && profile == nil {
		err = fmt.Errorf("empty capability manifest")
	}
	if err != nil {
		prev := c.current.Load()
		if prev == nil {
			return Snapshot{Stale: true, LastError: err.Error()}, fmt.Errorf("fetch capabilities: %w", err)
		}
		stale := *prev
		stale.Stale = true
		stale.LastError = err.Error()
		c.current.Store(&stale)
		return stale, fmt.Errorf("fetch capabilities: %w", err)
	}

	next := &Snapshot{Profile: *profile, FetchedAt: c.now()}
	if next.Profile.Capabilities == nil {
		next.Profile.Capabilities = map[string]domain.CapabilityEntry{}
	}
	c.current.Store(next)
	return *next, nil
}

// Clear drops the cached snapshot.
func (c *Cache) Clear() {
	c.current.Store(nil)
}

// Allows is the gating decision for id. A tool the manifest explicitly
// disables is always refused. Other non-safe tools additionally need a fresh
// manifest; whether they run is then up to the approval gate. Tools the
// manifest does not list are not refused here.
func (c *Cache) Allows(id string, safe bool) bool {
	s, ok := c.Snapshot()
	if safe {
		return !ok || !s.Disabled(id)
	}
	return ok && !s.Stale && !s.Disabled(id)
}
