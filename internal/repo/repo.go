// Package repo reads the local context repository: plain files for
// context.read and entity YAML for search and lookup.
package repo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/contextkit-core/internal/shared"
	"gopkg.in/yaml.v3"
)

// DefaultMaxReadBytes caps context.read when no limit is configured.
const DefaultMaxReadBytes = 256 * 1024

const (
	defaultSearchLimit = 20
	summaryLimit       = 200
	contextsDir        = "contexts"
)

// File content encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// ErrNotFound is returned when a file or entity does not exist.
var ErrNotFound = errors.New("not found")

// FileContent is the result of ReadFile.
type FileContent struct {
	Path             string    `json:"path"`
	RepoRelativePath string    `json:"repoRelativePath"`
	Content          string    `json:"content"`
	Encoding         string    `json:"encoding"`
	Size             int64     `json:"size"`
	LastModified     time.Time `json:"lastModified"`
	Truncated        bool      `json:"truncated"`
}

// SearchHit is one entity matching a search query.
type SearchHit struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Name       string `json:"name"`
	Summary    string `json:"summary,omitempty"`
}

// Entity is a decoded entity document.
type Entity struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Path       string         `json:"path"`
	Data       map[string]any `json:"data"`
}

// Reader resolves repository paths relative to a default repository.
type Reader struct {
	defaultPath string
	maxBytes    int64
}

// NewReader creates a Reader. An empty repoPath in later calls falls back to
// defaultPath.
func NewReader(defaultPath string, maxBytes int64) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}
	return &Reader{defaultPath: defaultPath, maxBytes: maxBytes}
}

// Root returns the absolute repository root for repoPath.
func (r *Reader) Root(repoPath string) (string, error) {
	root := strings.TrimSpace(repoPath)
	if root == "" {
		root = r.defaultPath
	}
	if root == "" {
		return "", shared.NewError(shared.CodeValidationError, "repository path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve repository root: %w", err)
	}
	return abs, nil
}

// Resolve returns the absolute path of rel inside repoPath, rejecting any path
// that leaves the repository, including through symlinks.
func (r *Reader) Resolve(repoPath, rel string) (string, error) {
	root, err := r.Root(repoPath)
	if err != nil {
		return "", err
	}
	clean := strings.TrimSpace(rel)
	if clean == "" {
		return "", shared.NewError(shared.CodeValidationError, "path is required")
	}
	if filepath.IsAbs(clean) {
		return "", shared.Errorf(shared.CodeValidationError, "path %q must be relative to the repository", rel)
	}
	target := filepath.Join(root, clean)
	if !within(root, target) {
		return "", shared.Errorf(shared.CodeValidationError, "path %q escapes the repository", rel)
	}

	// Symlinks are only followed if they stay inside the repository.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		realRoot, rerr := filepath.EvalSymlinks(root)
		if rerr != nil {
			realRoot = root
		}
		if !within(realRoot, resolved) {
			return "", shared.Errorf(shared.CodeValidationError, "path %q escapes the repository", rel)
		}
	}
	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// ReadFile reads rel from the repository, truncating at maxBytes (or the
// reader default when maxBytes <= 0). Non UTF-8 content is base64 encoded.
func (r *Reader) ReadFile(ctx context.Context, repoPath, rel string, maxBytes int64) (*FileContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := r.Resolve(repoPath, rel)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", rel, ErrNotFound)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, shared.Errorf(shared.CodeValidationError, "%s is a directory", rel)
	}

	limit := r.maxBytes
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	out := &FileContent{
		Path:             resolved,
		RepoRelativePath: filepath.ToSlash(filepath.Clean(rel)),
		Encoding:         EncodingUTF8,
		Size:             info.Size(),
		LastModified:     info.ModTime().UTC(),
		Truncated:        int64(len(buf)) < info.Size(),
	}
	if utf8.Valid(buf) {
		out.Content = string(buf)
	} else {
		out.Encoding = EncodingBase64
		out.Content = base64.StdEncoding.EncodeToString(buf)
	}
	return out, nil
}

// Search does a case-insensitive substring search over entity YAML files
// under contexts/<type>/. Results are ordered by type then id.
func (r *Reader) Search(ctx context.Context, repoPath, query, entityType string, limit int) ([]SearchHit, error) {
	root, err := r.Root(repoPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	types, err := entityTypes(root, entityType)
	if err != nil {
		return nil, err
	}

	hits := []SearchHit{}
	for _, etype := range types {
		files, err := filepath.Glob(filepath.Join(root, contextsDir, etype, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("list %s entities: %w", etype, err)
		}
		sort.Strings(files)
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			raw, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			if !strings.Contains(strings.ToLower(string(raw)), needle) {
				continue
			}
			var data map[string]any
			if err := yaml.Unmarshal(raw, &data); err != nil {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(f), ".yaml")
			hits = append(hits, SearchHit{
				EntityType: etype,
				EntityID:   id,
				Name:       firstString(data, id, "name", "title"),
				Summary:    truncate(firstString(data, "", "summary", "description"), summaryLimit),
			})
			if len(hits) >= limit {
				return hits, nil
			}
		}
	}
	return hits, nil
}

// Entity loads contexts/<type>/<id>.yaml. With an empty type every type
// directory is tried in name order.
func (r *Reader) Entity(ctx context.Context, repoPath, id, entityType string) (*Entity, error) {
	root, err := r.Root(repoPath)
	if err != nil {
		return nil, err
	}
	types, err := entityTypes(root, entityType)
	if err != nil {
		return nil, err
	}
	for _, etype := range types {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := filepath.Join(contextsDir, etype, id+".yaml")
		path, err := r.Resolve(root, rel)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read entity %s: %w", id, err)
		}
		var data map[string]any
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse entity %s/%s: %w", etype, id, err)
		}
		return &Entity{EntityType: etype, EntityID: id, Path: filepath.ToSlash(rel), Data: data}, nil
	}
	if entityType != "" {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, id, ErrNotFound)
	}
	return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
}

func entityTypes(root, entityType string) ([]string, error) {
	if entityType != "" {
		return []string{entityType}, nil
	}
	entries, err := os.ReadDir(filepath.Join(root, contextsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	var types []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			types = append(types, e.Name())
		}
	}
	return types, nil
}

func firstString(data map[string]any, fallback string, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
