// Package ai routes model inference requests to external providers by
// task type, with per-provider quotas, retry and fallback chains.
package ai

import (
	"fmt"
	"time"
)

// Task types recognized by the routing table.
const (
	TaskQuickDecision     = "quick_decision"
	TaskContentGeneration = "content_generation"
	TaskLongContext       = "long_context"
	TaskSentimentAnalysis = "sentiment_analysis"
	TaskCodeGeneration    = "code_generation"
	TaskMathReasoning     = "math_reasoning"
	TaskMultilingual      = "multilingual"
	TaskAuto              = "auto"
)

// Response formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Request is one inference request. Provider overrides the routing table
// when set.
type Request struct {
	TaskType       string
	Prompt         string
	SystemPrompt   string
	Provider       string
	Model          string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	ResponseFormat string

	// Event correlation, set by the calling executor.
	ExecutionID string
	NodeID      string

	// TraceID correlates the request with the dispatch trace. The router
	// fills it from the active span when the caller leaves it empty.
	TraceID string
}

// Response is a normalized provider answer.
type Response struct {
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Content      string                 `json:"content"`
	Parsed       map[string]interface{} `json:"parsed,omitempty"`
	TokensUsed   int                    `json:"tokens_used"`
	Cost         float64                `json:"cost"`
	LatencyMs    int64                  `json:"latency_ms"`
	Attempts     int                    `json:"attempts"`
	FallbackUsed bool                   `json:"fallback_used"`
}

// ProviderError is a failed provider call. Retryable errors are rate
// limits, server errors and transport failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// QuotaExceededError means the local per-provider quota rejected the call
// before it was dispatched.
type QuotaExceededError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("provider %s quota exceeded, retry after %s", e.Provider, e.RetryAfter)
}

// ParseError means the provider answered but the content failed the
// requested response format.
type ParseError struct {
	Provider string
	Content  string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("provider %s returned unparseable content: %v", e.Provider, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
