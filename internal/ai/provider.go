package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider dispatches a single request to one upstream model API.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// price per 1K tokens in USD. Free-tier providers price at zero.
var pricePerThousandTokens = map[string]float64{
	"gemini":      0,
	"groq":        0,
	"kimi":        0.012,
	"huggingface": 0,
	"qwen":        0.002,
	"glm4":        0.001,
}

func costFor(provider string, tokens int) float64 {
	return pricePerThousandTokens[provider] * float64(tokens) / 1000
}

func providerHTTPError(provider string, statusCode int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    msg,
		Retryable:  statusCode == http.StatusTooManyRequests || statusCode >= 500,
	}
}

func transportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: 0,
		Message:    err.Error(),
		Retryable:  true,
	}
}

// openAICompatProvider talks to the OpenAI-style chat completions API that
// groq, kimi, qwen and glm4 all expose.
type openAICompatProvider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *openAICompatProvider) Name() string { return p.name }

func (p *openAICompatProvider) Invoke(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerHTTPError(p.name, resp.StatusCode, payload)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: "malformed completion response", Retryable: false}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: "empty completion choices", Retryable: false}
	}

	answeredModel := parsed.Model
	if answeredModel == "" {
		answeredModel = model
	}
	tokens := parsed.Usage.TotalTokens
	return &Response{
		Provider:   p.name,
		Model:      answeredModel,
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: tokens,
		Cost:       costFor(p.name, tokens),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// geminiProvider talks to the Google generateContent API.
type geminiProvider struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   *geminiConfig   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Invoke(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		Config:   &geminiConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError("gemini", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError("gemini", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerHTTPError("gemini", resp.StatusCode, payload)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &ProviderError{Provider: "gemini", StatusCode: resp.StatusCode, Message: "malformed response", Retryable: false}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, &ProviderError{Provider: "gemini", StatusCode: resp.StatusCode, Message: "empty candidates", Retryable: false}
	}

	tokens := parsed.UsageMetadata.TotalTokenCount
	return &Response{
		Provider:   "gemini",
		Model:      model,
		Content:    parsed.Candidates[0].Content.Parts[0].Text,
		TokensUsed: tokens,
		Cost:       costFor("gemini", tokens),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// huggingFaceProvider talks to the serverless inference API.
type huggingFaceProvider struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

func (p *huggingFaceProvider) Name() string { return "huggingface" }

func (p *huggingFaceProvider) Invoke(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(map[string]interface{}{"inputs": req.Prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/models/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError("huggingface", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError("huggingface", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerHTTPError("huggingface", resp.StatusCode, payload)
	}

	content, err := normalizeHuggingFace(payload)
	if err != nil {
		return nil, &ProviderError{Provider: "huggingface", StatusCode: resp.StatusCode, Message: err.Error(), Retryable: false}
	}
	return &Response{
		Provider:  "huggingface",
		Model:     model,
		Content:   content,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// normalizeHuggingFace flattens the task-shaped inference replies into a
// single string. Classification replies become the top label.
func normalizeHuggingFace(payload []byte) (string, error) {
	var generated []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(payload, &generated); err == nil && len(generated) > 0 && generated[0].GeneratedText != "" {
		return generated[0].GeneratedText, nil
	}

	var classified [][]struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(payload, &classified); err == nil && len(classified) > 0 && len(classified[0]) > 0 {
		best := classified[0][0]
		for _, c := range classified[0][1:] {
			if c.Score > best.Score {
				best = c
			}
		}
		out, err := json.Marshal(map[string]interface{}{"label": best.Label, "score": best.Score})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	return "", errors.New("unrecognized inference response shape")
}
