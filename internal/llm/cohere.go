package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const cohereBaseURL = "https://api.cohere.ai"

// CohereAdapter calls the text generation REST endpoint.
type CohereAdapter struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewCohere(apiKey string, timeout time.Duration) (*CohereAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	return &CohereAdapter{
		apiKey:  apiKey,
		baseURL: cohereBaseURL,
		timeout: timeout,
		client:  &http.Client{},
	}, nil
}

// WithBaseURL points the adapter at another host, e.g. a test server.
func (a *CohereAdapter) WithBaseURL(url string) *CohereAdapter {
	a.baseURL = strings.TrimRight(url, "/")
	return a
}

func (a *CohereAdapter) Provider() Provider { return ProviderCohere }

type generateRequest struct {
	Prompt           string  `json:"prompt"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature"`
	P                float64 `json:"p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	Model            string  `json:"model"`
}

type generateResponse struct {
	Generations []struct {
		Text string `json:"text"`
	} `json:"generations"`
}

func (a *CohereAdapter) Generate(ctx context.Context, req Request) *Stream {
	model, err := ModelFor(ProviderCohere, req.Tier)
	if err != nil {
		return Failed(ProviderCohere, err)
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	return Single(ProviderCohere, func() (string, error) {
		var out generateResponse
		err := postJSON(ctx, a.client, a.baseURL+"/v1/generate", map[string]string{
			"Authorization": "Bearer " + a.apiKey,
		}, generateRequest{
			Prompt:      generatePrompt(req),
			MaxTokens:   2048,
			Temperature: 0.5,
			P:           1,
			Model:       model,
		}, &out)
		if err != nil {
			return "", err
		}
		if len(out.Generations) == 0 {
			return "", fmt.Errorf("no generations returned")
		}
		text := strings.TrimSpace(out.Generations[0].Text)
		if text == "" {
			return "", fmt.Errorf("empty generation")
		}
		return text, nil
	}, cancel)
}
