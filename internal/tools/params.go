// Package tools defines the typed parameter shape of every tool id and
// decodes raw invocation payloads into them.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/shared"
)

// Tool ids known to the orchestrator.
const (
	ToolContextRead        = "context.read"
	ToolContextSearch      = "context.search"
	ToolContextWrite       = "context.write"
	ToolContextDelete      = "context.delete"
	ToolEntityDetails      = "entity.details"
	ToolEntitySimilar      = "entity.similar"
	ToolPipelineValidate   = "pipeline.validate"
	ToolPipelineBuildGraph = "pipeline.build-graph"
	ToolPipelineImpact     = "pipeline.impact"
	ToolPipelineGenerate   = "pipeline.generate"
	ToolPipelineRun        = "pipeline.run"
	ToolPRPrepare          = "pr.prepare"
)

// Pipelines that pipeline.run may start.
var Pipelines = []string{"validate", "build-graph", "impact", "generate"}

// IsPipeline reports whether toolID is dispatched to the pipeline runner.
func IsPipeline(toolID string) bool {
	return strings.HasPrefix(toolID, "pipeline.")
}

// Params is the decoded parameter object of one invocation.
type Params interface {
	ToolID() string
	Validate() error
}

// PipelineParams is implemented by parameter types that start a pipeline.
type PipelineParams interface {
	Params
	Pipeline() (name string, args map[string]string)
}

// ChangeParams is implemented by parameter types that carry file changes.
type ChangeParams interface {
	Params
	ProposedChanges() []domain.FileChange
}

// ContextRead reads one file from the context repository.
type ContextRead struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

func (ContextRead) ToolID() string { return ToolContextRead }

func (p ContextRead) Validate() error {
	return ValidateRelativePath(p.Path)
}

// ContextSearch searches entity YAML files.
type ContextSearch struct {
	Query      string `json:"query"`
	EntityType string `json:"entityType,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (ContextSearch) ToolID() string { return ToolContextSearch }

func (p ContextSearch) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("context.search requires a query")
	}
	return validateEntityType(p.EntityType)
}

// EntityDetails looks up one entity by id.
type EntityDetails struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType,omitempty"`
}

func (EntityDetails) ToolID() string { return ToolEntityDetails }

func (p EntityDetails) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("entity.details requires an id")
	}
	return validateEntityType(p.EntityType)
}

// EntitySimilar asks the similarity index for neighbours of an entity.
type EntitySimilar struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (EntitySimilar) ToolID() string { return ToolEntitySimilar }

func (p EntitySimilar) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("entity.similar requires an id")
	}
	return validateEntityType(p.EntityType)
}

// PipelineValidate runs schema validation over the repository.
type PipelineValidate struct {
	Args map[string]string `json:"args,omitempty"`
}

func (PipelineValidate) ToolID() string  { return ToolPipelineValidate }
func (PipelineValidate) Validate() error { return nil }

func (p PipelineValidate) Pipeline() (string, map[string]string) { return "validate", p.Args }

// PipelineBuildGraph rebuilds the dependency graph.
type PipelineBuildGraph struct {
	Args map[string]string `json:"args,omitempty"`
}

func (PipelineBuildGraph) ToolID() string  { return ToolPipelineBuildGraph }
func (PipelineBuildGraph) Validate() error { return nil }

func (p PipelineBuildGraph) Pipeline() (string, map[string]string) { return "build-graph", p.Args }

// PipelineImpact analyses the impact of changing the given entities.
type PipelineImpact struct {
	IDs []string `json:"ids"`
}

func (PipelineImpact) ToolID() string { return ToolPipelineImpact }

func (p PipelineImpact) Validate() error {
	return requireIDs(ToolPipelineImpact, p.IDs)
}

func (p PipelineImpact) Pipeline() (string, map[string]string) {
	return "impact", map[string]string{"entities": strings.Join(p.IDs, ",")}
}

// PipelineGenerate renders templates for the given entities.
type PipelineGenerate struct {
	IDs        []string `json:"ids"`
	Template   string   `json:"template,omitempty"`
	OutputPath string   `json:"outputPath,omitempty"`
}

func (PipelineGenerate) ToolID() string { return ToolPipelineGenerate }

func (p PipelineGenerate) Validate() error {
	if err := requireIDs(ToolPipelineGenerate, p.IDs); err != nil {
		return err
	}
	if p.OutputPath != "" {
		return ValidateRelativePath(p.OutputPath)
	}
	return nil
}

func (p PipelineGenerate) Pipeline() (string, map[string]string) {
	args := map[string]string{"ids": strings.Join(p.IDs, ",")}
	if p.Template != "" {
		args["template"] = p.Template
	}
	if p.OutputPath != "" {
		args["output"] = p.OutputPath
	}
	return "generate", args
}

// PipelineRun starts any allowlisted pipeline by name.
type PipelineRun struct {
	Name string            `json:"pipeline"`
	Args map[string]string `json:"args,omitempty"`
}

func (PipelineRun) ToolID() string { return ToolPipelineRun }

func (p PipelineRun) Validate() error {
	for _, name := range Pipelines {
		if p.Name == name {
			return validateArgs(p.Args)
		}
	}
	return fmt.Errorf("unknown pipeline %q (allowed: %s)", p.Name, strings.Join(Pipelines, ", "))
}

func (p PipelineRun) Pipeline() (string, map[string]string) { return p.Name, p.Args }

// ChangeSet carries proposed file edits. It backs context.write,
// context.delete and pr.prepare.
type ChangeSet struct {
	Tool        string              `json:"-"`
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Changes     []domain.FileChange `json:"changes,omitempty"`
	Paths       []string            `json:"paths,omitempty"`
}

func (p ChangeSet) ToolID() string { return p.Tool }

func (p ChangeSet) Validate() error {
	if p.Tool == ToolContextDelete {
		if len(p.Paths) == 0 && len(p.Changes) == 0 {
			return fmt.Errorf("%s requires one or more paths", p.Tool)
		}
	} else if len(p.Changes) == 0 {
		return fmt.Errorf("%s requires one or more changes", p.Tool)
	}
	for _, c := range p.Changes {
		if err := ValidateRelativePath(c.Path); err != nil {
			return err
		}
	}
	for _, rel := range p.Paths {
		if err := ValidateRelativePath(rel); err != nil {
			return err
		}
	}
	return nil
}

// ProposedChanges returns the edits, turning delete paths into delete changes.
func (p ChangeSet) ProposedChanges() []domain.FileChange {
	out := append([]domain.FileChange(nil), p.Changes...)
	for _, rel := range p.Paths {
		out = append(out, domain.FileChange{Path: rel, Delete: true})
	}
	if p.Tool == ToolContextDelete {
		for i := range out {
			out[i].Delete = true
		}
	}
	return out
}

// Generic holds parameters for tool ids without a typed shape.
type Generic struct {
	Tool   string
	Fields map[string]any
}

func (p Generic) ToolID() string { return p.Tool }
func (Generic) Validate() error  { return nil }

// Decode turns raw into the typed parameters for toolID. Schema and semantic
// failures are returned as VALIDATION_ERROR.
func Decode(toolID string, raw json.RawMessage) (Params, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := validateShape(toolID, raw); err != nil {
		return nil, shared.WrapError(shared.CodeValidationError, err)
	}

	var p Params
	switch toolID {
	case ToolContextRead:
		p = &ContextRead{}
	case ToolContextSearch:
		p = &ContextSearch{}
	case ToolEntityDetails:
		p = &EntityDetails{}
	case ToolEntitySimilar:
		p = &EntitySimilar{}
	case ToolPipelineValidate:
		p = &PipelineValidate{}
	case ToolPipelineBuildGraph:
		p = &PipelineBuildGraph{}
	case ToolPipelineImpact:
		p = &PipelineImpact{}
	case ToolPipelineGenerate:
		p = &PipelineGenerate{}
	case ToolPipelineRun:
		p = &PipelineRun{}
	case ToolContextWrite, ToolContextDelete, ToolPRPrepare:
		p = &ChangeSet{Tool: toolID}
	default:
		g := Generic{Tool: toolID}
		if err := json.Unmarshal(raw, &g.Fields); err != nil {
			return nil, shared.WrapError(shared.CodeValidationError, err)
		}
		return g, nil
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, shared.WrapError(shared.CodeValidationError, fmt.Errorf("decode %s parameters: %w", toolID, err))
	}
	if err := p.Validate(); err != nil {
		return nil, shared.WrapError(shared.CodeValidationError, err)
	}
	return deref(p), nil
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *ContextRead:
		return *v
	case *ContextSearch:
		return *v
	case *EntityDetails:
		return *v
	case *EntitySimilar:
		return *v
	case *PipelineValidate:
		return *v
	case *PipelineBuildGraph:
		return *v
	case *PipelineImpact:
		return *v
	case *PipelineGenerate:
		return *v
	case *PipelineRun:
		return *v
	case *ChangeSet:
		return *v
	}
	return p
}

// ValidateRelativePath rejects empty, absolute and parent-escaping paths.
func ValidateRelativePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("path is required")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if path.IsAbs(slashed) || (len(slashed) > 1 && slashed[1] == ':') {
		return fmt.Errorf("path %q must be relative to the repository", p)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the repository", p)
	}
	return nil
}

func requireIDs(toolID string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%s requires one or more ids", toolID)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s ids must not be blank", toolID)
		}
		if strings.ContainsAny(id, ",/\\") {
			return fmt.Errorf("%s id %q contains an invalid character", toolID, id)
		}
	}
	return nil
}

func validateEntityType(t string) error {
	if t == "" {
		return nil
	}
	if strings.ContainsAny(t, "/\\.") {
		return fmt.Errorf("invalid entity type %q", t)
	}
	return nil
}

func validateArgs(args map[string]string) error {
	for k := range args {
		if k == "" || strings.HasPrefix(k, "-") || strings.ContainsAny(k, " =") {
			return fmt.Errorf("invalid pipeline argument name %q", k)
		}
	}
	return nil
}
