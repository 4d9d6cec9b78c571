// Package schema validates structured model output against a response
// format and, when present, a JSON Schema.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/arclabs/arcreactor/pkg/models"
)

var schemaCache sync.Map

func compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("response.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Validate checks content against the requested format. For FormatJSON and
// FormatYAML the content must parse; when schemaDoc is non-empty the parsed
// value must also satisfy it. FormatText always passes.
func Validate(format models.ResponseFormat, schemaDoc json.RawMessage, content string) error {
	switch format {
	case models.FormatJSON:
		return validateJSON(schemaDoc, content)
	case models.FormatYAML:
		return validateYAML(schemaDoc, content)
	default:
		return nil
	}
}

func validateJSON(schemaDoc json.RawMessage, content string) error {
	var value any
	if err := json.Unmarshal([]byte(stripFences(content)), &value); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	return validateAgainstSchema(schemaDoc, value)
}

func validateYAML(schemaDoc json.RawMessage, content string) error {
	var value any
	if err := yaml.Unmarshal([]byte(stripFences(content)), &value); err != nil {
		return fmt.Errorf("response is not valid YAML: %w", err)
	}
	return validateAgainstSchema(schemaDoc, normalizeYAML(value))
}

func validateAgainstSchema(schemaDoc json.RawMessage, value any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	compiled, err := compile(schemaDoc)
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}
	return nil
}

// stripFences removes a markdown code fence wrapping the payload, a common
// model failure mode for structured output.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// normalizeYAML converts map[any]any trees from the YAML decoder into
// map[string]any so the JSON Schema validator can walk them.
func normalizeYAML(value any) any {
	switch typed := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalizeYAML(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return value
	}
}

// RepairPrompt builds the single corrective user turn sent after a
// validation failure.
func RepairPrompt(format models.ResponseFormat, validationErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous response was not valid %s: %s\n\n", strings.ToUpper(string(format)), validationErr)
	fmt.Fprintf(&b, "Respond again with only the corrected %s. Do not include any explanation or markdown fences.", strings.ToUpper(string(format)))
	return b.String()
}
