// Package expression provides variable interpolation and condition
// evaluation for workflow node configs and edge conditions.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches {{name}}, {{node_id.result}} and {{node_id.result.field}}.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// MissingVariableError is returned when a required reference cannot be
// resolved against the execution variables.
type MissingVariableError struct {
	Ref string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable: %s", e.Ref)
}

// Interpolate replaces every {{ref}} occurrence in template with its value
// from vars. References listed in required fail with MissingVariableError
// when absent; all other missing references substitute the empty string.
func Interpolate(template string, vars map[string]interface{}, required []string) (string, error) {
	var missing *MissingVariableError

	result := refPattern.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		val, ok := lookup(vars, ref)
		if !ok {
			if missing == nil && isRequired(ref, required) {
				missing = &MissingVariableError{Ref: ref}
			}
			return ""
		}
		return Stringify(val)
	})

	if missing != nil {
		return "", missing
	}
	return result, nil
}

// References returns every {{ref}} path appearing in the template.
func References(template string) []string {
	var refs []string
	for _, match := range refPattern.FindAllStringSubmatch(template, -1) {
		refs = append(refs, strings.TrimSpace(match[1]))
	}
	return refs
}

// Resolve evaluates a template that may be a single reference. A template
// that is exactly one {{ref}} returns the referenced value with its type
// preserved; anything else falls back to string interpolation.
func Resolve(template string, vars map[string]interface{}, required []string) (interface{}, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") {
			val, ok := lookup(vars, inner)
			if !ok {
				if isRequired(inner, required) {
					return nil, &MissingVariableError{Ref: inner}
				}
				return "", nil
			}
			return val, nil
		}
	}
	return Interpolate(template, vars, required)
}

// InterpolateMap evaluates every string value in config, recursing into
// nested maps and slices.
func InterpolateMap(config map[string]interface{}, vars map[string]interface{}, required []string) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(config))
	for key, value := range config {
		evaluated, err := interpolateValue(value, vars, required)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", key, err)
		}
		result[key] = evaluated
	}
	return result, nil
}

func interpolateValue(value interface{}, vars map[string]interface{}, required []string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return Resolve(v, vars, required)
	case map[string]interface{}:
		return InterpolateMap(v, vars, required)
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			evaluated, err := interpolateValue(item, vars, required)
			if err != nil {
				return nil, err
			}
			result[i] = evaluated
		}
		return result, nil
	default:
		return value, nil
	}
}

func isRequired(ref string, required []string) bool {
	for _, r := range required {
		if r == ref {
			return true
		}
	}
	return false
}

// lookup walks a dot path against vars. The segment "result" directly after
// a node id is transparent when the node output is not a map, so
// {{node.result}} resolves to a scalar output as well as to output["result"].
func lookup(vars map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = vars

	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			if part == "result" && i > 0 {
				continue
			}
			return nil, false
		}
		val, exists := m[part]
		if !exists {
			if part == "result" && i > 0 {
				// The node output itself stands in for .result.
				continue
			}
			return nil, false
		}
		current = val
	}
	return current, true
}

// Stringify renders a resolved value the way it appears inside an
// interpolated string.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
