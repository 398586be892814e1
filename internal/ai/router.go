package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/platform/ratelimit"
)

const (
	// One initial call plus three retries per provider.
	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
	maxCallTimeout = 60 * time.Second
	tracerName     = "flowcore/ai"
)

// route is one routing table entry: the primary provider and the ordered
// fallback chain tried when the primary is exhausted or unconfigured.
type route struct {
	primary   string
	fallbacks []string
}

var routingTable = map[string]route{
	TaskQuickDecision:     {primary: "groq", fallbacks: []string{"gemini", "qwen"}},
	TaskContentGeneration: {primary: "gemini", fallbacks: []string{"kimi", "qwen"}},
	TaskLongContext:       {primary: "kimi", fallbacks: []string{"gemini"}},
	TaskSentimentAnalysis: {primary: "huggingface", fallbacks: []string{"gemini"}},
	TaskCodeGeneration:    {primary: "qwen", fallbacks: []string{"glm4", "gemini"}},
	TaskMathReasoning:     {primary: "glm4", fallbacks: []string{"qwen", "gemini"}},
	TaskMultilingual:      {primary: "qwen", fallbacks: []string{"gemini"}},
	TaskAuto:              {primary: "gemini", fallbacks: []string{"groq", "qwen"}},
}

var defaultModels = map[string]string{
	"gemini":      "gemini-2.0-flash",
	"groq":        "llama-3.3-70b-versatile",
	"kimi":        "moonshot-v1-128k",
	"huggingface": "distilbert-base-uncased-finetuned-sst-2-english",
	"qwen":        "qwen-plus",
	"glm4":        "glm-4-flash",
}

var defaultBaseURLs = map[string]string{
	"gemini":      "https://generativelanguage.googleapis.com/v1beta",
	"groq":        "https://api.groq.com/openai/v1",
	"kimi":        "https://api.moonshot.cn/v1",
	"huggingface": "https://api-inference.huggingface.co",
	"qwen":        "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"glm4":        "https://open.bigmodel.cn/api/paas/v4",
}

// EventSink receives ai_request and ai_response events for the event log
// and the bus.
type EventSink func(ctx context.Context, event *model.Event)

// Router picks a provider per request, enforces local quotas, retries with
// backoff and walks the fallback chain on exhaustion.
type Router struct {
	providers map[string]Provider
	limiter   *ratelimit.Limiter
	quota     config.RateLimitConfig
	log       logger.Logger
	metrics   *metrics.Metrics
	sink      EventSink

	// test seams
	sleep func(context.Context, time.Duration) error
}

// NewRouter builds the router from configured provider credentials.
// Providers without an API key are left unregistered and skipped during
// routing (huggingface works anonymously, so it always registers).
func NewRouter(creds map[string]config.ProviderCredential, limiter *ratelimit.Limiter, quota config.RateLimitConfig, log logger.Logger, m *metrics.Metrics) *Router {
	client := &http.Client{Timeout: maxCallTimeout}
	providers := make(map[string]Provider)
	for name, cred := range creds {
		if cred.APIKey == "" && name != "huggingface" {
			continue
		}
		providers[name] = buildProvider(name, cred, client)
	}
	return &Router{
		providers: providers,
		limiter:   limiter,
		quota:     quota,
		log:       log,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

func buildProvider(name string, cred config.ProviderCredential, client *http.Client) Provider {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[name]
	}
	switch name {
	case "gemini":
		return &geminiProvider{baseURL: baseURL, apiKey: cred.APIKey, defaultModel: defaultModels[name], client: client}
	case "huggingface":
		return &huggingFaceProvider{baseURL: baseURL, apiKey: cred.APIKey, defaultModel: defaultModels[name], client: client}
	default:
		return &openAICompatProvider{name: name, baseURL: baseURL, apiKey: cred.APIKey, defaultModel: defaultModels[name], client: client}
	}
}

// SetEventSink wires lifecycle event emission. Called once at startup.
func (r *Router) SetEventSink(sink EventSink) { r.sink = sink }

// RegisterProvider replaces a provider adapter. Used in tests.
func (r *Router) RegisterProvider(p Provider) { r.providers[p.Name()] = p }

// Route dispatches the request to the provider chain for its task type.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	chain, err := r.chainFor(req)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ai.route", trace.WithAttributes(
		attribute.String("ai.task_type", req.TaskType),
	))
	defer span.End()
	if req.TraceID == "" {
		if sc := span.SpanContext(); sc.HasTraceID() {
			req.TraceID = sc.TraceID().String()
		}
	}

	var lastErr error
	for i, name := range chain {
		provider, ok := r.providers[name]
		if !ok {
			continue
		}
		resp, err := r.invokeWithRetry(ctx, provider, req)
		if err == nil {
			resp.FallbackUsed = i > 0
			if err := r.applyFormat(ctx, provider, req, resp); err != nil {
				return nil, err
			}
			r.observe(name, "success", resp)
			span.SetAttributes(attribute.String("ai.provider", resp.Provider))
			r.emit(ctx, model.NewEvent(model.EventAIResponse, req.ExecutionID, req.NodeID, map[string]interface{}{
				"provider":      resp.Provider,
				"model":         resp.Model,
				"tokens_used":   resp.TokensUsed,
				"cost":          resp.Cost,
				"latency_ms":    resp.LatencyMs,
				"attempts":      resp.Attempts,
				"fallback_used": resp.FallbackUsed,
			}))
			return resp, nil
		}
		lastErr = err
		r.observe(name, "failure", nil)

		// Fail fast on non-retryable provider rejections. Only exhausted
		// retryable failures and quota rejections move down the chain.
		var provErr *ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("provider exhausted, trying fallback",
			"provider", name, "task_type", req.TaskType, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider configured for task type %q", req.TaskType)
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all providers failed")
	return nil, fmt.Errorf("all providers failed for task type %q: %w", req.TaskType, lastErr)
}

func (r *Router) chainFor(req *Request) ([]string, error) {
	if req.Provider != "" {
		if _, ok := r.providers[req.Provider]; !ok {
			return nil, fmt.Errorf("provider %q is not configured", req.Provider)
		}
		return []string{req.Provider}, nil
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = TaskAuto
	}
	entry, ok := routingTable[taskType]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	return append([]string{entry.primary}, entry.fallbacks...), nil
}

// invokeWithRetry runs up to maxAttempts against one provider, backing off
// exponentially on rate limits, server errors and transport failures.
// Every dispatched attempt emits its own ai_request event naming the
// provider actually called.
func (r *Router) invokeWithRetry(ctx context.Context, provider Provider, req *Request) (*Response, error) {
	if err := r.checkQuota(ctx, provider.Name()); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 || timeout > maxCallTimeout {
		timeout = maxCallTimeout
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.emit(ctx, model.NewEvent(model.EventAIRequest, req.ExecutionID, req.NodeID, map[string]interface{}{
			"task_type": req.TaskType,
			"provider":  provider.Name(),
			"attempt":   attempt,
			"trace_id":  req.TraceID,
		}))
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := provider.Invoke(callCtx, req)
		cancel()
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err

		var provErr *ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, lastErr
}

// applyFormat validates and fills Parsed for json-format requests. A
// malformed first answer earns one re-ask with a stronger instruction.
func (r *Router) applyFormat(ctx context.Context, provider Provider, req *Request, resp *Response) error {
	if req.ResponseFormat != FormatJSON {
		return nil
	}
	parsed, err := parseJSONContent(resp.Content)
	if err == nil {
		resp.Parsed = parsed
		return nil
	}

	retryReq := *req
	retryReq.Prompt = req.Prompt + "\n\nRespond with a single valid JSON object and nothing else. No prose, no markdown fences."
	retried, retryErr := r.invokeWithRetry(ctx, provider, &retryReq)
	if retryErr != nil {
		return &ParseError{Provider: provider.Name(), Content: resp.Content, Cause: err}
	}
	parsed, err = parseJSONContent(retried.Content)
	if err != nil {
		return &ParseError{Provider: provider.Name(), Content: retried.Content, Cause: err}
	}
	resp.Content = retried.Content
	resp.Parsed = parsed
	resp.TokensUsed += retried.TokensUsed
	resp.Cost += retried.Cost
	resp.Attempts += retried.Attempts
	return nil
}

// parseJSONContent tolerates markdown fencing around the object.
func parseJSONContent(content string) (map[string]interface{}, error) {
	trimmed := content
	if start := indexByte(trimmed, '{'); start >= 0 {
		if end := lastIndexByte(trimmed, '}'); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (r *Router) checkQuota(ctx context.Context, provider string) error {
	if r.limiter == nil || r.quota.ProviderMax <= 0 {
		return nil
	}
	res := r.limiter.Allow(ctx, "provider", provider, r.quota.ProviderWindow, r.quota.ProviderMax)
	if !res.Allowed {
		return &QuotaExceededError{Provider: provider, RetryAfter: res.RetryAfter}
	}
	return nil
}

func (r *Router) observe(provider, outcome string, resp *Response) {
	if r.metrics == nil {
		return
	}
	r.metrics.AIRequests.WithLabelValues(provider, outcome).Inc()
	if resp != nil {
		r.metrics.AITokensUsed.WithLabelValues(provider).Add(float64(resp.TokensUsed))
		r.metrics.AICost.WithLabelValues(provider).Add(resp.Cost)
	}
}

func (r *Router) emit(ctx context.Context, event *model.Event) {
	if r.sink != nil {
		r.sink(ctx, event)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
