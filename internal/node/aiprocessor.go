package node

import (
	"context"

	"github.com/flowcore-ai/flowcore/internal/ai"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

// AIProcessorExecutor renders the prompt template against the execution
// variables and routes it through the AI router. Prompt references are
// required: a missing variable fails the node instead of sending a
// half-rendered prompt upstream.
type AIProcessorExecutor struct {
	Router *ai.Router
}

func (*AIProcessorExecutor) Kind() model.NodeKind { return model.NodeKindAIProcessor }

func (e *AIProcessorExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	promptTemplate := configString(nc.Node.Config, "prompt")
	prompt, err := expression.Interpolate(promptTemplate, nc.Variables, referencedPaths(promptTemplate))
	if err != nil {
		return nil, err
	}

	req := &ai.Request{
		TaskType:       configString(nc.Node.Config, "task_type"),
		Prompt:         prompt,
		SystemPrompt:   configString(nc.Node.Config, "system_prompt"),
		Provider:       configString(nc.Node.Config, "provider"),
		Model:          configString(nc.Node.Config, "model"),
		MaxTokens:      configInt(nc.Node.Config, "max_tokens", 0),
		Temperature:    configFloat(nc.Node.Config, "temperature"),
		Timeout:        configDuration(nc.Node.Config, "timeout_ms", 0),
		ResponseFormat: configString(nc.Node.Config, "response_format"),
		ExecutionID:    nc.Execution.ID,
		NodeID:         nc.Node.ID,
	}

	resp, err := e.Router.Route(ctx, req)
	if err != nil {
		return nil, err
	}

	var result interface{} = resp.Content
	if resp.Parsed != nil {
		result = resp.Parsed
	}
	return &Result{
		Output: map[string]interface{}{
			"result":        result,
			"provider":      resp.Provider,
			"model":         resp.Model,
			"tokens_used":   resp.TokensUsed,
			"fallback_used": resp.FallbackUsed,
		},
		TokensUsed: resp.TokensUsed,
		Cost:       resp.Cost,
	}, nil
}

func configFloat(config map[string]interface{}, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// referencedPaths extracts every {{ref}} in the template so all of them
// are treated as required during interpolation.
func referencedPaths(template string) []string {
	matches := expression.References(template)
	return matches
}
