package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition operators, longest first so >= is matched before >.
var operators = []string{"==", "!=", ">=", "<=", ">", "<", "contains"}

// EvaluateCondition evaluates a `LHS OP RHS` expression against the
// execution variables. LHS may be a {{ref}} or a literal; RHS is a literal.
// An empty expression is true (unconditional edge).
func EvaluateCondition(expr string, vars map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	op, lhsRaw, rhsRaw, err := splitCondition(expr)
	if err != nil {
		return false, err
	}

	lhs, err := Resolve(lhsRaw, vars, nil)
	if err != nil {
		return false, err
	}
	// Bare identifiers on the left are treated as variable paths so edge
	// conditions may be written `C.result == true` without braces.
	if s, ok := lhs.(string); ok && s == lhsRaw && !isLiteral(lhsRaw) {
		if val, found := lookup(vars, lhsRaw); found {
			lhs = val
		}
	}
	rhs := parseLiteral(rhsRaw)

	return compare(lhs, op, rhs)
}

func splitCondition(expr string) (op, lhs, rhs string, err error) {
	if idx := strings.Index(expr, " contains "); idx > 0 {
		return "contains", strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(" contains "):]), nil
	}
	for _, candidate := range operators {
		if candidate == "contains" {
			continue
		}
		if idx := strings.Index(expr, candidate); idx > 0 {
			// Reject > inside >= by requiring the longest match first.
			return candidate, strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(candidate):]), nil
		}
	}
	return "", "", "", fmt.Errorf("invalid condition expression: %q", expr)
}

func isLiteral(s string) bool {
	if s == "true" || s == "false" || s == "null" {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "'")
}

func parseLiteral(s string) interface{} {
	switch {
	case s == "true":
		return true
	case s == "false":
		return false
	case s == "null":
		return nil
	case strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2:
		return s[1 : len(s)-1]
	case strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2:
		return s[1 : len(s)-1]
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func compare(lhs interface{}, op string, rhs interface{}) (bool, error) {
	if op == "contains" {
		return evalContains(lhs, rhs)
	}

	ln, lok := toFloat(lhs)
	rn, rok := toFloat(rhs)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	ls, rs := Stringify(lhs), Stringify(rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unsupported operator: %s", op)
}

func evalContains(lhs, rhs interface{}) (bool, error) {
	needle := Stringify(rhs)
	switch v := lhs.(type) {
	case string:
		return strings.Contains(v, needle), nil
	case []interface{}:
		for _, item := range v {
			if Stringify(item) == needle {
				return true, nil
			}
		}
		return false, nil
	default:
		return strings.Contains(Stringify(lhs), needle), nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
