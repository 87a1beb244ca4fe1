// Package gating reads the generated enforcement artifact that decides
// whether destructive actions and retrieval features are active.
package gating

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// Load reads the artifact at path. A missing or malformed artifact yields the
// conservative default together with the reason.
func Load(path string) (domain.GatingStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.DefaultGatingStatus(), fmt.Errorf("read gating artifact: %w", err)
	}
	return Parse(data)
}

// Parse decodes artifact bytes, falling back to the default on error.
func Parse(data []byte) (domain.GatingStatus, error) {
	var raw struct {
		ClassificationEnforced *bool     `json:"classificationEnforced"`
		SidecarOnly            *bool     `json:"sidecarOnly"`
		ChecksumMatch          *bool     `json:"checksumMatch"`
		RetrievalEnabled       *bool     `json:"retrievalEnabled"`
		UpdatedAt              time.Time `json:"updatedAt"`
		Source                 string    `json:"source"`
		Version                string    `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.DefaultGatingStatus(), fmt.Errorf("parse gating artifact: %w", err)
	}

	status := domain.DefaultGatingStatus()
	if raw.ClassificationEnforced != nil {
		status.ClassificationEnforced = *raw.ClassificationEnforced
	}
	if raw.SidecarOnly != nil {
		status.SidecarOnly = *raw.SidecarOnly
	}
	if raw.ChecksumMatch != nil {
		status.ChecksumMatch = *raw.ChecksumMatch
	}
	if raw.RetrievalEnabled != nil {
		status.RetrievalEnabled = *raw.RetrievalEnabled
	}
	status.UpdatedAt = raw.UpdatedAt
	status.Source = raw.Source
	status.Version = raw.Version
	return status, nil
}

// Source provides the gating snapshot read at gating time.
type Source interface {
	Current() domain.GatingStatus
}

// Static is a fixed Source.
type Static domain.GatingStatus

// Current implements Source.
func (s Static) Current() domain.GatingStatus { return domain.GatingStatus(s) }

// Watcher keeps the artifact snapshot current by watching its directory.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[domain.GatingStatus]
}

// NewWatcher loads the artifact once. Call Run to follow changes.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger}
	w.Reload()
	return w
}

// Current returns the latest snapshot.
func (w *Watcher) Current() domain.GatingStatus {
	return *w.current.Load()
}

// Reload re-reads the artifact and swaps the snapshot.
func (w *Watcher) Reload() domain.GatingStatus {
	status, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Using conservative gating defaults", "path", w.path, "error", err)
	}
	w.current.Store(&status)
	return status
}

// Run watches the artifact directory until ctx ends. The directory is
// watched instead of the file so atomic renames by the generator are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create gating watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		_ = fw.Close()
		return fmt.Errorf("create gating directory: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer fw.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			status := w.Reload()
			w.logger.Info("Gating artifact reloaded",
				"op", ev.Op.String(),
				"classification_enforced", status.ClassificationEnforced,
				"retrieval_enabled", status.RetrievalEnabled)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Gating watcher error", "error", err)
		}
	}
}
