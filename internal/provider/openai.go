package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// OpenAIOption customizes the client.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIBaseURL overrides the API base URL (tests, proxies).
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = baseURL }
}

// WithOpenAIHTTPClient overrides the HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = client }
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompletionFor returns the binding completion call for a native model.
func (c *OpenAIClient) CompletionFor(nativeModel string) CompletionFunc {
	return func(ctx context.Context, prompt string, temperature float64, maxTokens int) (*Completion, error) {
		body, err := json.Marshal(openAIChatRequest{
			Model:       nativeModel,
			Messages:    []openAIMessage{{Role: "user", Content: prompt}},
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return nil, gwerrors.NewInternalError(fmt.Sprintf("marshal openai request: %v", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, gwerrors.NewInternalError(fmt.Sprintf("build openai request: %v", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, gwerrors.NewProviderNetworkError(TagOpenAI, nativeModel, err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, gwerrors.NewProviderNetworkError(TagOpenAI, nativeModel, err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, mapUpstreamError(TagOpenAI, nativeModel, resp.StatusCode, respBody)
		}

		var parsed openAIChatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, gwerrors.NewProviderError(TagOpenAI, nativeModel, resp.StatusCode, "malformed upstream response")
		}
		if len(parsed.Choices) == 0 {
			return nil, gwerrors.NewProviderError(TagOpenAI, nativeModel, resp.StatusCode, "upstream returned no choices")
		}

		text := parsed.Choices[0].Message.Content
		completion := &Completion{Text: text}

		if parsed.Usage != nil {
			completion.PromptTokens = parsed.Usage.PromptTokens
			completion.CompletionTokens = parsed.Usage.CompletionTokens
		} else {
			completion.PromptTokens = EstimateTokens(prompt)
			completion.CompletionTokens = EstimateTokens(text)
		}

		return completion, nil
	}
}

// mapUpstreamError translates an upstream HTTP failure to the taxonomy,
// pulling the message out of the standard error envelope when present.
func mapUpstreamError(tag, model string, status int, body []byte) error {
	message := fmt.Sprintf("upstream returned status %d", status)
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	return gwerrors.NewProviderError(tag, model, status, message)
}
