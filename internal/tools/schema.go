package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	contextReadSchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string"},
    "maxBytes": {"type": "integer", "minimum": 0}
  }
}`

	contextSearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string"},
    "entityType": {"type": "string"},
    "limit": {"type": "integer", "minimum": 0, "maximum": 200}
  }
}`

	entitySchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string"},
    "entityType": {"type": "string"},
    "limit": {"type": "integer", "minimum": 0, "maximum": 50}
  }
}`

	pipelineNoArgsSchema = `{
  "type": "object",
  "properties": {
    "args": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

	pipelineIDsSchema = `{
  "type": "object",
  "properties": {
    "ids": {"type": "array", "items": {"type": "string"}},
    "template": {"type": "string"},
    "outputPath": {"type": "string"}
  }
}`

	pipelineRunSchema = `{
  "type": "object",
  "required": ["pipeline"],
  "properties": {
    "pipeline": {"type": "string"},
    "args": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

	changeSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "description": {"type": "string"},
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "content": {"type": "string"},
          "delete": {"type": "boolean"}
        }
      }
    },
    "paths": {"type": "array", "items": {"type": "string"}}
  }
}`
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	tools   map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		sources := map[string]string{
			ToolContextRead:        contextReadSchema,
			ToolContextSearch:      contextSearchSchema,
			ToolEntityDetails:      entitySchema,
			ToolEntitySimilar:      entitySchema,
			ToolPipelineValidate:   pipelineNoArgsSchema,
			ToolPipelineBuildGraph: pipelineNoArgsSchema,
			ToolPipelineImpact:     pipelineIDsSchema,
			ToolPipelineGenerate:   pipelineIDsSchema,
			ToolPipelineRun:        pipelineRunSchema,
			ToolContextWrite:       changeSchema,
			ToolContextDelete:      changeSchema,
			ToolPRPrepare:          changeSchema,
		}
		schemas.tools = make(map[string]*jsonschema.Schema, len(sources))
		for id, src := range sources {
			compiled, err := jsonschema.CompileString("tool_"+id+".json", src)
			if err != nil {
				schemas.initErr = fmt.Errorf("compile schema for %s: %w", id, err)
				return
			}
			schemas.tools[id] = compiled
		}
	})
	return schemas.initErr
}

// validateShape checks raw against the tool's schema. Tools without a schema
// only need to be a JSON object.
func validateShape(toolID string, raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	if _, ok := payload.(map[string]any); !ok {
		return fmt.Errorf("parameters must be a JSON object")
	}
	if schema := schemas.tools[toolID]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return fmt.Errorf("invalid parameters for %s: %w", toolID, err)
		}
	}
	return nil
}
