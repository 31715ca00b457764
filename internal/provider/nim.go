package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"routegate/internal/domain"
)

// NIMClient speaks the NVIDIA NIM chat completions dialect. NIM is
// OpenAI-compatible on the wire, so the request and response shapes
// mirror /v1/chat/completions.
type NIMClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewNIMClient creates a NIM dialect client.
func NewNIMClient(name, baseURL, apiKey string, httpClient *http.Client) *NIMClient {
	return &NIMClient{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// ChatComplete sends a chat completion request. model is the
// provider-native model id, already resolved by the manager.
func (c *NIMClient) ChatComplete(ctx context.Context, model string, req *domain.LLMRequest) (*domain.ProviderResult, error) {
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapError(domain.ErrUnknown, err, "decode response")
	}
	if len(result.Choices) == 0 {
		return nil, domain.NewError(domain.ErrUnknown, "provider %s returned no choices", c.name)
	}

	return &domain.ProviderResult{
		Content:      result.Choices[0].Message.Content,
		FinishReason: result.Choices[0].FinishReason,
		Usage: domain.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Provider: c.name,
	}, nil
}

// Ping probes the models listing endpoint.
func (c *NIMClient) Ping(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

var _ domain.LLMClient = (*NIMClient)(nil)

func (c *NIMClient) String() string {
	return fmt.Sprintf("nim(%s)", c.name)
}
