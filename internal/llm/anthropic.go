package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

// AnthropicAdapter calls the legacy text completion endpoint with a single
// Human/Assistant prompt string.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewAnthropic(apiKey string, timeout time.Duration) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		timeout: timeout,
		client:  &http.Client{},
	}, nil
}

// WithBaseURL points the adapter at another host, e.g. a test server.
func (a *AnthropicAdapter) WithBaseURL(url string) *AnthropicAdapter {
	a.baseURL = strings.TrimRight(url, "/")
	return a
}

func (a *AnthropicAdapter) Provider() Provider { return ProviderAnthropic }

type completeRequest struct {
	Model             string `json:"model"`
	Prompt            string `json:"prompt"`
	MaxTokensToSample int    `json:"max_tokens_to_sample"`
}

type completeResponse struct {
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
}

func (a *AnthropicAdapter) Generate(ctx context.Context, req Request) *Stream {
	model, err := ModelFor(ProviderAnthropic, req.Tier)
	if err != nil {
		return Failed(ProviderAnthropic, err)
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	return Single(ProviderAnthropic, func() (string, error) {
		var out completeResponse
		err := postJSON(ctx, a.client, a.baseURL+"/v1/complete", map[string]string{
			"x-api-key":         a.apiKey,
			"anthropic-version": anthropicVersion,
		}, completeRequest{
			Model:             model,
			Prompt:            completionPrompt(req),
			MaxTokensToSample: anthropicMaxTokens,
		}, &out)
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(out.Completion)
		if text == "" {
			return "", fmt.Errorf("empty completion")
		}
		return text, nil
	}, cancel)
}

// withTimeout applies the provider timeout when one is configured.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
