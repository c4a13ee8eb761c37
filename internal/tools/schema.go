package tools

import (
	"fmt"
	"strings"
)

// validateArgs checks an argument object against a JSON-schema-like
// parameter spec: required fields must be present and declared property
// types must match. Undeclared properties pass through untouched; the
// handler decides what to do with extras.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	required, _ := schema["required"].([]any)
	for _, entry := range required {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	if reqStrings, ok := schema["required"].([]string); ok {
		for _, name := range reqStrings {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, raw := range properties {
		value, present := args[name]
		if !present || value == nil {
			continue
		}
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		declared, _ := propSchema["type"].(string)
		if declared == "" {
			continue
		}
		if err := checkType(name, declared, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, declared string, value any) error {
	ok := true
	switch strings.ToLower(declared) {
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "number":
		ok = isJSONNumber(value)
	case "integer":
		f, isNum := value.(float64)
		if isNum {
			ok = f == float64(int64(f))
		} else {
			_, ok = value.(int)
		}
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("argument %q must be of type %s", name, declared)
	}
	return nil
}

func isJSONNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}
