package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BlueprintSchema describes the plan stage reply.
func BlueprintSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string", "minLength": 1},
			"summary": map[string]any{"type": "string", "minLength": 1},
			"required_points": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"title", "summary"},
	}
}

// ScoreSchema describes the assess stage reply.
func ScoreSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"scores": map[string]any{
				"type":          "object",
				"minProperties": 1,
				"additionalProperties": map[string]any{
					"type": "number", "minimum": 0, "maximum": 10,
				},
			},
			"readability": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "boolean"},
			},
			"feedback": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"summary": map[string]any{"type": "string"},
		},
		"required": []string{"scores"},
	}
}

var (
	blueprintOnce   sync.Once
	blueprintSchema *jsonschema.Schema
	blueprintErr    error

	scoreOnce   sync.Once
	scoreSchema *jsonschema.Schema
	scoreErr    error
)

func compiledBlueprint() (*jsonschema.Schema, error) {
	blueprintOnce.Do(func() { blueprintSchema, blueprintErr = compileSchema(BlueprintSchema()) })
	return blueprintSchema, blueprintErr
}

func compiledScore() (*jsonschema.Schema, error) {
	scoreOnce.Do(func() { scoreSchema, scoreErr = compileSchema(ScoreSchema()) })
	return scoreSchema, scoreErr
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateJSON checks data against schema and decodes it into out.
func validateJSON(schema *jsonschema.Schema, data []byte, out any) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// extractJSON strips markdown code fences and any prose around the outermost object.
func extractJSON(content string) []byte {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return []byte(strings.TrimSpace(s))
}
