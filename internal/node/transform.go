package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

// TransformExecutor reshapes data flowing between nodes. The operation is
// selected by config["operation"]; the input value comes from resolving
// config["source"] against the execution variables.
type TransformExecutor struct{}

func (TransformExecutor) Kind() model.NodeKind { return model.NodeKindTransform }

func (TransformExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	operation := configString(nc.Node.Config, "operation")
	source := configString(nc.Node.Config, "source")

	value, err := expression.Resolve(source, nc.Variables, []string{strings.Trim(strings.TrimSpace(source), "{} ")})
	if err != nil {
		return nil, err
	}

	var result interface{}
	switch operation {
	case "split_by_lines":
		result = splitByLines(value)
	case "validate_structure":
		if err := validateStructure(value, configMap(nc.Node.Config, "schema")); err != nil {
			return nil, err
		}
		result = value
	case "jsonpath_pick":
		result, err = jsonpathPick(value, configString(nc.Node.Config, "path"))
		if err != nil {
			return nil, err
		}
	case "merge":
		result, err = mergeSources(nc, value)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown transform operation %q", operation)
	}

	return &Result{Output: map[string]interface{}{"result": result}}, nil
}

func splitByLines(value interface{}) []interface{} {
	text := expression.Stringify(value)
	var lines []interface{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// validateStructure checks that value is a map carrying every key named in
// schema, where schema values name the expected JSON type ("string",
// "number", "bool", "object", "array", or "any").
func validateStructure(value interface{}, schema map[string]interface{}) error {
	m, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected an object, got %T", value)
	}
	for key, want := range schema {
		got, exists := m[key]
		if !exists {
			return fmt.Errorf("missing required field %q", key)
		}
		wantType, _ := want.(string)
		if wantType == "" || wantType == "any" {
			continue
		}
		if !matchesType(got, wantType) {
			return fmt.Errorf("field %q: expected %s, got %T", key, wantType, got)
		}
	}
	return nil
}

func matchesType(value interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int32, int64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	}
	return false
}

// jsonpathPick walks a dot path with optional [n] index segments, e.g.
// "items[0].name".
func jsonpathPick(value interface{}, path string) (interface{}, error) {
	if path == "" {
		return value, nil
	}
	current := value
	for _, segment := range strings.Split(path, ".") {
		name, index, hasIndex, err := parseSegment(segment)
		if err != nil {
			return nil, err
		}
		if name != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: cannot descend into %T", path, current)
			}
			current, ok = m[name]
			if !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, name)
			}
		}
		if hasIndex {
			list, ok := current.([]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: cannot index into %T", path, current)
			}
			if index < 0 || index >= len(list) {
				return nil, fmt.Errorf("path %q: index %d out of range", path, index)
			}
			current = list[index]
		}
	}
	return current, nil
}

func parseSegment(segment string) (name string, index int, hasIndex bool, err error) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, 0, false, nil
	}
	close := strings.IndexByte(segment, ']')
	if close < open {
		return "", 0, false, fmt.Errorf("malformed path segment %q", segment)
	}
	name = segment[:open]
	if _, err := fmt.Sscanf(segment[open+1:close], "%d", &index); err != nil {
		return "", 0, false, fmt.Errorf("malformed index in segment %q", segment)
	}
	return name, index, true, nil
}

// mergeSources shallow-merges the primary value with each additional
// resolved source from config["with"]. Later sources win on key conflict.
func mergeSources(nc *Context, primary interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	if m, ok := primary.(map[string]interface{}); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	extra, _ := nc.Node.Config["with"].([]interface{})
	for _, ref := range extra {
		template, _ := ref.(string)
		value, err := expression.Resolve(template, nc.Variables, nil)
		if err != nil {
			return nil, err
		}
		if m, ok := value.(map[string]interface{}); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	return merged, nil
}
