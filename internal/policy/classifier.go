// Package policy classifies tools by safety tier and enforces approval
// gating before execution.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ashureev/contextkit-core/internal/capability"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/shared"
	"gopkg.in/yaml.v3"
)

// Class is a tool's safety tier.
type Class string

// Safety classes.
const (
	Safe        Class = "safe"
	Mutating    Class = "mutating"
	Destructive Class = "destructive"
)

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case Safe, Mutating, Destructive:
		return c, nil
	default:
		return "", fmt.Errorf("unknown safety class %q", s)
	}
}

// DefaultMinReasonLength is the default minimum approval justification.
const DefaultMinReasonLength = 8

// builtin is the conservative table used when no manifest is available.
// Anything not listed is treated as mutating.
var builtin = map[string]Class{
	"context.read":         Safe,
	"context.search":       Safe,
	"entity.details":       Safe,
	"entity.similar":       Safe,
	"pipeline.validate":    Safe,
	"pipeline.build-graph": Safe,
	"pipeline.impact":      Safe,
	"pipeline.generate":    Safe,
	"pipeline.run":         Mutating,
	"context.write":        Mutating,
	"pr.prepare":           Mutating,
	"context.delete":       Destructive,
}

// BuiltinTable returns a copy of the built-in classification table.
func BuiltinTable() map[string]Class {
	out := make(map[string]Class, len(builtin))
	for k, v := range builtin {
		out[k] = v
	}
	return out
}

// Approval is the caller's approval claim for an invocation.
type Approval struct {
	Provided bool   `json:"provided"`
	Reason   string `json:"reason"`
}

// Overrides is the YAML policy file format:
//
//	tools:
//	  pipeline.generate: mutating
//	  context.delete: destructive
type Overrides struct {
	Tools map[string]string `yaml:"tools"`
}

// LoadOverrides reads a YAML policy file. An empty path yields no overrides.
func LoadOverrides(path string) (map[string]Class, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var raw Overrides
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	out := make(map[string]Class, len(raw.Tools))
	for id, name := range raw.Tools {
		c, err := ParseClass(name)
		if err != nil {
			return nil, fmt.Errorf("policy file %s: tool %s: %w", path, id, err)
		}
		out[id] = c
	}
	return out, nil
}

type table struct {
	classes map[string]Class
	source  string
}

// Classifier maps tool ids to classes. The table is swapped atomically on
// refresh so readers never see a partial update.
type Classifier struct {
	overrides map[string]Class
	minReason int
	current   atomic.Pointer[table]
}

// NewClassifier starts from the built-in table plus overrides.
func NewClassifier(overrides map[string]Class, minReason int) *Classifier {
	if minReason < 0 {
		minReason = DefaultMinReasonLength
	}
	c := &Classifier{overrides: overrides, minReason: minReason}
	c.Reset()
	return c
}

// Reset reverts to the built-in table plus overrides.
func (c *Classifier) Reset() {
	classes := BuiltinTable()
	for id, cl := range c.overrides {
		classes[id] = cl
	}
	c.current.Store(&table{classes: classes, source: "builtin"})
}

// Refresh rebuilds the table from the capability manifest. Manifest entries
// carrying a safety tier override the built-ins; local overrides win over
// both. If the manifest cannot be fetched the table resets to the built-in
// default.
func (c *Classifier) Refresh(ctx context.Context, cache *capability.Cache) error {
	snap, err := cache.Fetch(ctx)
	if err != nil {
		c.Reset()
		return fmt.Errorf("refresh classification: %w", err)
	}
	c.Apply(snap.Profile)
	return nil
}

// Apply rebuilds the table from profile.
func (c *Classifier) Apply(profile domain.CapabilityProfile) {
	classes := BuiltinTable()
	for id, entry := range profile.Capabilities {
		if entry.Safety == "" {
			continue
		}
		if cl, err := ParseClass(entry.Safety); err == nil {
			classes[id] = cl
		}
	}
	for id, cl := range c.overrides {
		classes[id] = cl
	}
	c.current.Store(&table{classes: classes, source: "manifest:" + profile.ProfileID})
}

// Classify returns the class for toolID. Unknown tools are mutating.
func (c *Classifier) Classify(toolID string) Class {
	if cl, ok := c.current.Load().classes[toolID]; ok {
		return cl
	}
	return Mutating
}

// Source names where the current table came from.
func (c *Classifier) Source() string {
	return c.current.Load().source
}

// MinReasonLength returns the approval justification minimum.
func (c *Classifier) MinReasonLength() int {
	return c.minReason
}

// ValidateInvocation enforces approval and gating for toolID.
func (c *Classifier) ValidateInvocation(toolID string, approval Approval, gating domain.GatingStatus) error {
	class := c.Classify(toolID)
	if class == Safe {
		return nil
	}

	if class == Destructive && !gating.ClassificationEnforced {
		return shared.Errorf(shared.CodeGatingBlocked,
			"%s is destructive and classification enforcement is disabled", toolID)
	}

	if !approval.Provided {
		return shared.Errorf(shared.CodeApprovalRequired, "%s is %s and requires approval", toolID, class)
	}
	if n := len([]rune(strings.TrimSpace(approval.Reason))); n < c.minReason {
		return shared.Errorf(shared.CodeApprovalRequired,
			"%s requires a reason of at least %d characters, got %d", toolID, c.minReason, n)
	}
	return nil
}
