// Package schema validates entity field values against a template's
// field definitions by compiling them to a JSON Schema.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"worldloom/api/internal/store"
)

// Issue is one field-level violation.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator wraps a compiled schema for one template.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a validator from a template's ordered field definitions.
func Compile(fields []store.TemplateField) (*Validator, error) {
	doc, err := buildSchema(fields)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("template.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks entity field values; a nil return means valid.
func (v *Validator) Validate(values map[string]any) []Issue {
	err := v.schema.Validate(anyValues(values))
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return []Issue{{Field: "", Message: err.Error()}}
	}
	return flatten(validationErr)
}

func buildSchema(fields []store.TemplateField) (map[string]any, error) {
	properties := map[string]any{}
	required := []string{}

	for _, field := range fields {
		if field.Name == "" {
			return nil, fmt.Errorf("field with empty name")
		}
		var prop map[string]any
		switch field.Type {
		case "text", "longtext":
			prop = map[string]any{"type": "string"}
			if field.MaxLength > 0 {
				prop["maxLength"] = field.MaxLength
			}
		case "number":
			prop = map[string]any{"type": "number"}
		case "boolean":
			prop = map[string]any{"type": "boolean"}
		case "select":
			if len(field.Options) == 0 {
				return nil, fmt.Errorf("select field %q has no options", field.Name)
			}
			prop = map[string]any{"enum": field.Options}
		case "tags":
			prop = map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			}
		default:
			return nil, fmt.Errorf("unknown field type %q for %q", field.Type, field.Name)
		}
		properties[field.Name] = prop
		if field.Required {
			required = append(required, field.Name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc, nil
}

// anyValues round-trips through interface{} values the way json.Unmarshal
// produces them, which is what the validator expects.
func anyValues(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}

func flatten(err *jsonschema.ValidationError) []Issue {
	if len(err.Causes) == 0 {
		return []Issue{{Field: fieldFromLocation(err.InstanceLocation), Message: err.Message}}
	}
	var issues []Issue
	for _, cause := range err.Causes {
		issues = append(issues, flatten(cause)...)
	}
	return issues
}

func fieldFromLocation(location string) string {
	trimmed := strings.TrimPrefix(location, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[0]
}
