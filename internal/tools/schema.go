package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NormalizeSchema applies the strict-mode rewrite once at definition
// time: every object schema gets additionalProperties=false unless it
// already sets it, and every declared property becomes required.
func NormalizeSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false,"required":[]}`), nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid tool schema: %w", err)
	}
	normalizeObject(schema)
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeObject(schema map[string]any) {
	if isObjectSchema(schema) {
		if _, ok := schema["additionalProperties"]; !ok {
			schema["additionalProperties"] = false
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			schema["required"] = names
		}
	}

	for _, key := range []string{"properties", "$defs", "definitions", "patternProperties"} {
		if children, ok := schema[key].(map[string]any); ok {
			for _, child := range children {
				if childSchema, ok := child.(map[string]any); ok {
					normalizeObject(childSchema)
				}
			}
		}
	}
	for _, key := range []string{"items", "additionalItems", "not"} {
		if child, ok := schema[key].(map[string]any); ok {
			normalizeObject(child)
		}
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf", "prefixItems"} {
		if list, ok := schema[key].([]any); ok {
			for _, child := range list {
				if childSchema, ok := child.(map[string]any); ok {
					normalizeObject(childSchema)
				}
			}
		}
	}
}

func isObjectSchema(schema map[string]any) bool {
	if t, ok := schema["type"].(string); ok && t == "object" {
		return true
	}
	_, hasProps := schema["properties"]
	return hasProps
}

// compileSchema builds a validator from a normalized schema.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// ValidateArgs checks parsed arguments against a compiled schema and
// renders violations as one descriptive error.
func ValidateArgs(schema *jsonschema.Schema, args any) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("arguments do not match the tool schema: %w", err)
	}
	return nil
}
