package inline

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// substituteVariables replaces {{path}} placeholders in template with values
// looked up from vars by dot-path, grounded on the teacher's
// node_executors.go substituteVariables. A placeholder whose path resolves
// to nothing is left untouched rather than replaced with "<nil>".
func substituteVariables(template string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value := getNestedValue(vars, path)
		if value == nil {
			return match
		}
		s := fmt.Sprintf("%v", value)
		if s == "" {
			return match
		}
		return s
	})
}

// getNestedValue resolves a dot-separated path ("customer.email") against a
// tree of nested maps, matching the teacher's getNestedValue.
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// resolveSecret follows the teacher's API-key priority order: an explicit
// param value, then a bound input (the upstream port most commonly used to
// thread a secret-store lookup result into a node), then a process default.
func resolveSecret(params, inputs map[string]any, paramName, inputName, fallback string) string {
	if v, ok := params[paramName].(string); ok && v != "" {
		return v
	}
	if v, ok := inputs[inputName].(string); ok && v != "" {
		return v
	}
	return fallback
}
