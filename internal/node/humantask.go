package node

import (
	"context"
	"fmt"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

// Fallback actions applied when an approval deadline passes.
const (
	FallbackEscalate    = "escalate"
	FallbackAutoApprove = "auto_approve"
	FallbackCancel      = "cancel"
)

// HumanTaskExecutor never completes inline. It resolves the assignee and
// deadline from config and returns a SuspendError; the engine pauses the
// execution and the approval subsystem takes over.
type HumanTaskExecutor struct{}

func (HumanTaskExecutor) Kind() model.NodeKind { return model.NodeKindHumanTask }

func (HumanTaskExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	assignee, err := expression.Interpolate(configString(nc.Node.Config, "assignee"), nc.Variables, nil)
	if err != nil {
		return nil, err
	}
	if assignee == "" {
		return nil, fmt.Errorf("human_task node %s has no assignee", nc.Node.ID)
	}

	fallback := configString(nc.Node.Config, "on_timeout")
	switch fallback {
	case "", FallbackEscalate, FallbackAutoApprove, FallbackCancel:
	default:
		return nil, fmt.Errorf("human_task node %s has unknown on_timeout %q", nc.Node.ID, fallback)
	}

	message, err := expression.Interpolate(configString(nc.Node.Config, "message"), nc.Variables, nil)
	if err != nil {
		return nil, err
	}

	return nil, &SuspendError{
		Assignee: assignee,
		Timeout:  configDuration(nc.Node.Config, "timeout_ms", 0),
		Fallback: fallback,
		Message:  message,
	}
}
