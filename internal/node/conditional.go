package node

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

// ConditionExecutor evaluates config["expression"] and records the boolean
// outcome. Downstream edge conditions branch on {{node.result}}.
type ConditionExecutor struct{}

func (ConditionExecutor) Kind() model.NodeKind { return model.NodeKindCondition }

func (ConditionExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	expr := configString(nc.Node.Config, "expression")
	if expr == "" {
		return nil, fmt.Errorf("condition node %s has no expression", nc.Node.ID)
	}
	outcome, err := expression.EvaluateCondition(expr, nc.Variables)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]interface{}{"result": outcome}}, nil
}

// DecisionExecutor evaluates config["expression"] and routes by branch
// label: outgoing edges whose condition names the label ("true" or
// "false") are taken.
type DecisionExecutor struct{}

func (DecisionExecutor) Kind() model.NodeKind { return model.NodeKindDecision }

func (DecisionExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	expr := configString(nc.Node.Config, "expression")
	if expr == "" {
		return nil, fmt.Errorf("decision node %s has no expression", nc.Node.ID)
	}
	outcome, err := expression.EvaluateCondition(expr, nc.Variables)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:      map[string]interface{}{"result": outcome},
		BranchLabel: strconv.FormatBool(outcome),
	}, nil
}
