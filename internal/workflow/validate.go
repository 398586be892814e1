package workflow

import (
	"fmt"
	"strings"

	"github.com/flowcore-ai/flowcore/internal/model"
)

// ValidationError collects everything wrong with a workflow definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid workflow: " + strings.Join(e.Problems, "; ")
}

var validKinds = map[model.NodeKind]bool{
	model.NodeKindTrigger:     true,
	model.NodeKindTimer:       true,
	model.NodeKindAIProcessor: true,
	model.NodeKindHTTPAction:  true,
	model.NodeKindCondition:   true,
	model.NodeKindDecision:    true,
	model.NodeKindHumanTask:   true,
	model.NodeKindTransform:   true,
	model.NodeKindDataInput:   true,
	model.NodeKindDataOutput:  true,
}

var validTransformOps = map[string]bool{
	"split_by_lines":     true,
	"validate_structure": true,
	"jsonpath_pick":      true,
	"merge":              true,
}

var validTimeoutFallbacks = map[string]bool{
	"":             true,
	"escalate":     true,
	"auto_approve": true,
	"cancel":       true,
}

// Validate checks the structural and per-kind config rules a workflow must
// satisfy before it can be saved.
func Validate(w *model.Workflow) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(w.Name) == "" {
		add("name is required")
	}
	if len(w.Nodes) == 0 {
		add("at least one node is required")
	}

	ids := make(map[string]bool, len(w.Nodes))
	entryCount := 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			add("node with empty id")
			continue
		}
		if ids[n.ID] {
			add("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true

		if !validKinds[n.Kind] {
			add("node %q has unknown kind %q", n.ID, n.Kind)
			continue
		}
		if n.Kind == model.NodeKindTrigger || n.Kind == model.NodeKindTimer {
			entryCount++
		}
		validateNodeConfig(&n, add)
	}
	if entryCount > 1 {
		add("at most one trigger or timer entry node is allowed, found %d", entryCount)
	}

	for _, e := range w.Edges {
		if !ids[e.Source] {
			add("edge %q references unknown source %q", e.ID, e.Source)
		}
		if !ids[e.Target] {
			add("edge %q references unknown target %q", e.ID, e.Target)
		}
		if e.Source == e.Target {
			add("edge %q is a self loop on %q", e.ID, e.Source)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateNodeConfig(n *model.Node, add func(string, ...interface{})) {
	str := func(key string) string {
		v, _ := n.Config[key].(string)
		return v
	}

	switch n.Kind {
	case model.NodeKindAIProcessor:
		if str("prompt") == "" {
			add("ai_processor node %q requires config.prompt", n.ID)
		}
	case model.NodeKindHTTPAction:
		if str("url") == "" {
			add("http_action node %q requires config.url", n.ID)
		}
	case model.NodeKindCondition, model.NodeKindDecision:
		if str("expression") == "" {
			add("%s node %q requires config.expression", n.Kind, n.ID)
		}
	case model.NodeKindHumanTask:
		if str("assignee") == "" {
			add("human_task node %q requires config.assignee", n.ID)
		}
		if !validTimeoutFallbacks[str("on_timeout")] {
			add("human_task node %q has unknown on_timeout %q", n.ID, str("on_timeout"))
		}
	case model.NodeKindTransform:
		if op := str("operation"); !validTransformOps[op] {
			add("transform node %q has unknown operation %q", n.ID, op)
		}
	}
}
