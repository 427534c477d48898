package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption customizes the client.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicBaseURL overrides the API base URL (tests, proxies).
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = baseURL }
}

// WithAnthropicHTTPClient overrides the HTTP client.
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(c *AnthropicClient) { c.httpClient = client }
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    defaultAnthropicBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CompletionFor returns the binding completion call for a native model.
func (c *AnthropicClient) CompletionFor(nativeModel string) CompletionFunc {
	return func(ctx context.Context, prompt string, temperature float64, maxTokens int) (*Completion, error) {
		body, err := json.Marshal(anthropicRequest{
			Model:       nativeModel,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, gwerrors.NewInternalError(fmt.Sprintf("marshal anthropic request: %v", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, gwerrors.NewInternalError(fmt.Sprintf("build anthropic request: %v", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, gwerrors.NewProviderNetworkError(TagAnthropic, nativeModel, err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, gwerrors.NewProviderNetworkError(TagAnthropic, nativeModel, err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, mapUpstreamError(TagAnthropic, nativeModel, resp.StatusCode, respBody)
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, gwerrors.NewProviderError(TagAnthropic, nativeModel, resp.StatusCode, "malformed upstream response")
		}

		var sb strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "" || block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text := sb.String()
		if text == "" {
			return nil, gwerrors.NewProviderError(TagAnthropic, nativeModel, resp.StatusCode, "upstream returned no text content")
		}

		completion := &Completion{Text: text}
		if parsed.Usage != nil {
			completion.PromptTokens = parsed.Usage.InputTokens
			completion.CompletionTokens = parsed.Usage.OutputTokens
		} else {
			completion.PromptTokens = EstimateTokens(prompt)
			completion.CompletionTokens = EstimateTokens(text)
		}

		return completion, nil
	}
}
