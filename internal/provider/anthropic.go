package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"routegate/internal/domain"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic Messages dialect. System text
// travels in a top-level field, usage counters use the
// input/output_tokens naming, and content arrives as typed blocks.
type AnthropicClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAnthropicClient creates an Anthropic dialect client.
func NewAnthropicClient(name, baseURL, apiKey string, httpClient *http.Client) *AnthropicClient {
	return &AnthropicClient{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// ChatComplete sends a messages request to the Anthropic API.
func (c *AnthropicClient) ChatComplete(ctx context.Context, model string, req *domain.LLMRequest) (*domain.ProviderResult, error) {
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		// The Messages API rejects system-role entries in the list.
		if m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // required field in this dialect
	}

	body := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(c.name, resp.StatusCode, string(raw), resp.Header.Get("Retry-After"))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapError(domain.ErrUnknown, err, "decode response")
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, domain.NewError(domain.ErrUnknown, "provider %s returned no text content", c.name)
	}

	return &domain.ProviderResult{
		Content:      text,
		FinishReason: result.StopReason,
		Usage: domain.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
		Provider: c.name,
	}, nil
}

// Ping probes the models listing endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

var _ domain.LLMClient = (*AnthropicClient)(nil)
