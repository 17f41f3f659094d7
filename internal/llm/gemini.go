package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"doc-chat/internal/transcript"
)

// responseIterator is satisfied by *genai.GenerateContentResponseIterator.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

type chatSession interface {
	SendMessageStream(ctx context.Context, parts ...genai.Part) responseIterator
}

// chatStarter opens a chat session seeded with provider-native history.
type chatStarter interface {
	StartChat(model string, history []*genai.Content) chatSession
}

// GeminiAdapter answers through a chat session whose history is the native
// genai content list.
type GeminiAdapter struct {
	client  *genai.Client
	chats   chatStarter
	timeout time.Duration
}

func NewGemini(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiAdapter{
		client:  client,
		chats:   genaiChats{client: client},
		timeout: timeout,
	}, nil
}

func (a *GeminiAdapter) Provider() Provider { return ProviderGemini }

// Close releases the underlying client connection.
func (a *GeminiAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *GeminiAdapter) Generate(ctx context.Context, req Request) *Stream {
	model, err := ModelFor(ProviderGemini, req.Tier)
	if err != nil {
		return Failed(ProviderGemini, err)
	}
	ctx, cancel := withTimeout(ctx, a.timeout)

	var (
		it       responseIterator
		full     strings.Builder
		finished bool
	)
	next := func() (Response, error) {
		if finished {
			return Response{}, io.EOF
		}
		if it == nil {
			history, pending := nativeHistory(req.History)
			parts := append(append([]genai.Part(nil), pending...), genai.Text(req.SystemContext+"\n\n"+req.Question))
			it = a.chats.StartChat(model, history).SendMessageStream(ctx, parts...)
		}
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return Response{}, err
			}
			delta := responseText(resp)
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			return Response{Text: delta, Partial: true}, nil
		}
		finished = true
		if full.Len() == 0 {
			return Response{}, fmt.Errorf("no content returned")
		}
		return Response{Text: full.String()}, nil
	}
	return NewStream(ProviderGemini, next, cancel)
}

// nativeHistory converts transcript turns to genai contents. The API only knows
// the "user" and "model" roles, and a chat history must start with a user turn
// and alternate. Leading model turns are dropped and runs of one role are merged
// into a single content. Trailing user turns that never got an answer are
// returned as pending parts to send ahead of the new question.
func nativeHistory(turns []transcript.Turn) (history []*genai.Content, pending []genai.Part) {
	for _, t := range turns {
		role := "user"
		if t.Speaker == transcript.Assistant {
			role = "model"
		}
		if len(history) == 0 && role == "model" {
			continue
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.Text(t.Text))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Text)}})
	}
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		pending = history[n-1].Parts
		history = history[:n-1]
	}
	return history, pending
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

type genaiChats struct {
	client *genai.Client
}

func (g genaiChats) StartChat(model string, history []*genai.Content) chatSession {
	cs := g.client.GenerativeModel(model).StartChat()
	cs.History = history
	return genaiSession{cs: cs}
}

type genaiSession struct {
	cs *genai.ChatSession
}

func (s genaiSession) SendMessageStream(ctx context.Context, parts ...genai.Part) responseIterator {
	return s.cs.SendMessageStream(ctx, parts...)
}
