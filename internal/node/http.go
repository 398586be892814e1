package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	httpRetryBackoff   = time.Second
	maxResponseBytes   = 4 << 20
)

// HTTPActionExecutor performs an outbound HTTP call. URL, headers and body
// are interpolated against the execution variables. Server errors and
// timeouts retry up to config["max_retries"] times, defaulting to the
// workflow's max_retries setting; client errors fail immediately.
type HTTPActionExecutor struct {
	Client *http.Client
}

// NewHTTPActionExecutor creates the executor with a shared client.
func NewHTTPActionExecutor() *HTTPActionExecutor {
	return &HTTPActionExecutor{Client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (*HTTPActionExecutor) Kind() model.NodeKind { return model.NodeKindHTTPAction }

func (e *HTTPActionExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	url, err := expression.Interpolate(configString(nc.Node.Config, "url"), nc.Variables, nil)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("http_action node %s has no url", nc.Node.ID)
	}

	method := strings.ToUpper(configString(nc.Node.Config, "method"))
	if method == "" {
		method = http.MethodGet
	}

	body, err := e.buildBody(nc)
	if err != nil {
		return nil, err
	}

	timeout := configDuration(nc.Node.Config, "timeout_ms", defaultHTTPTimeout)
	maxRetries := configInt(nc.Node.Config, "max_retries", workflowMaxRetries(nc))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(httpRetryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result, retryable, err := e.do(ctx, nc, method, url, body, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("http_action exhausted retries: %w", lastErr)
}

func (e *HTTPActionExecutor) buildBody(nc *Context) ([]byte, error) {
	raw, ok := nc.Node.Config["body"]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		rendered, err := expression.Interpolate(v, nc.Variables, nil)
		if err != nil {
			return nil, err
		}
		return []byte(rendered), nil
	case map[string]interface{}:
		rendered, err := expression.InterpolateMap(v, nc.Variables, nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rendered)
	default:
		return json.Marshal(v)
	}
}

func (e *HTTPActionExecutor) do(ctx context.Context, nc *Context, method, url string, body []byte, timeout time.Duration) (*Result, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range configMap(nc.Node.Config, "headers") {
		rendered, err := expression.Interpolate(expression.Stringify(value), nc.Variables, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set(key, rendered)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		// Transport failures and deadline hits are retryable.
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("upstream rejected request with %d", resp.StatusCode)
	}

	return &Result{Output: map[string]interface{}{
		"result":      decodeBody(resp.Header.Get("Content-Type"), payload),
		"status_code": resp.StatusCode,
	}}, false, nil
}

// workflowMaxRetries is the retry budget when the node config does not
// override it.
func workflowMaxRetries(nc *Context) int {
	if nc.Workflow == nil || nc.Workflow.Settings.MaxRetries < 0 {
		return 0
	}
	return nc.Workflow.Settings.MaxRetries
}

// decodeBody parses the payload as JSON when the content type says so,
// otherwise returns it as text.
func decodeBody(contentType string, payload []byte) interface{} {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(payload)
	}
	if mediaType != "application/json" && mediaType != "text/json" && !strings.HasSuffix(mediaType, "+json") {
		return string(payload)
	}
	var parsed interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return string(payload)
	}
	return parsed
}
