package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	profile *domain.CapabilityProfile
	err     error
	calls   int
}

func (f *fakeSource) FetchCapabilities(context.Context) (*domain.CapabilityProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.profile
	return &cp, nil
}

func profile(entries map[string]domain.CapabilityStatus) *domain.CapabilityProfile {
	caps := make(map[string]domain.CapabilityEntry, len(entries))
	for id, st := range entries {
		caps[id] = domain.CapabilityEntry{Status: st}
	}
	return &domain.CapabilityProfile{ProfileID: "default-profile", Capabilities: caps}
}

func TestFetchUsesCacheWhileFresh(t *testing.T) {
	t.Parallel()

	src := &fakeSource{profile: profile(map[string]domain.CapabilityStatus{"context.read": domain.CapabilityEnabled})}
	c := NewCache(src, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("source called %d times, want 1", src.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expired snapshot should refresh, calls = %d", src.calls)
	}
}

func TestRefreshFailureKeepsStaleSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{profile: profile(map[string]domain.CapabilityStatus{
		"pipeline.run": domain.CapabilityEnabled,
		"context.read": domain.CapabilityEnabled,
	})}
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !c.Allows("pipeline.run", false) {
		t.Fatal("fresh enabled capability should be allowed")
	}

	src.err = errors.New("connection refused")
	snap, err := c.Refresh(ctx)
	if err == nil {
		t.Fatal("expected refresh error")
	}
	if !snap.Stale || !snap.Enabled("pipeline.run") {
		t.Fatalf("stale snapshot should keep previous profile: %+v", snap)
	}
	if c.Allows("pipeline.run", false) {
		t.Fatal("stale manifest must not allow non-safe tools")
	}
	if !c.Allows("context.read", true) {
		t.Fatal("safe tools stay available on a stale manifest")
	}
}

func TestAllowsWithoutSnapshot(t *testing.T) {
	t.Parallel()

	c := NewCache(&fakeSource{err: errors.New("down")}, time.Minute)
	if _, err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := c.Snapshot(); ok {
		t.Fatal("failed first refresh should not store a snapshot")
	}
	if c.Allows("pipeline.run", false) {
		t.Fatal("no manifest must fail closed for non-safe tools")
	}
	if !c.Allows("context.read", true) {
		t.Fatal("no manifest should not block safe tools")
	}
}

func TestExplicitlyDisabledSafeTool(t *testing.T) {
	t.Parallel()

	src := &fakeSource{profile: profile(map[string]domain.CapabilityStatus{"entity.similar": domain.CapabilityDisabled})}
	c := NewCache(src, time.Minute)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if c.Allows("entity.similar", true) {
		t.Fatal("explicitly disabled capability must be refused")
	}
	c.Clear()
	if _, ok := c.Snapshot(); ok {
		t.Fatal("Clear should drop the snapshot")
	}
}

func TestUnlistedNonSafeToolDefersToApproval(t *testing.T) {
	t.Parallel()

	src := &fakeSource{profile: profile(map[string]domain.CapabilityStatus{
		"context.read":  domain.CapabilityEnabled,
		"context.write": domain.CapabilityDisabled,
	})}
	c := NewCache(src, time.Minute)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !c.Allows("pipeline.run", false) {
		t.Fatal("a tool missing from a fresh manifest should be left to the approval gate")
	}
	if c.Allows("context.write", false) {
		t.Fatal("explicitly disabled non-safe tool must be refused")
	}
}
