package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"doc-chat/internal/transcript"
)

// OpenAIAdapter streams answers from the Chat Completions API.
type OpenAIAdapter struct {
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAI builds an adapter against api.openai.com; opts may override the
// base URL or retry policy.
func NewOpenAI(apiKey string, timeout time.Duration, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	cli := openai.NewClient(opts...)
	return &OpenAIAdapter{client: &cli, timeout: timeout}, nil
}

func (a *OpenAIAdapter) Provider() Provider { return ProviderOpenAI }

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) *Stream {
	model, err := ModelFor(ProviderOpenAI, req.Tier)
	if err != nil {
		return Failed(ProviderOpenAI, err)
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: buildMessages(req),
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	var (
		stream   *ssestream.Stream[openai.ChatCompletionChunk]
		full     strings.Builder
		finished bool
	)
	next := func() (Response, error) {
		if finished {
			return Response{}, io.EOF
		}
		if stream == nil {
			stream = a.client.Chat.Completions.NewStreaming(ctx, params)
		}
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			return Response{Text: delta, Partial: true}, nil
		}
		if err := stream.Err(); err != nil {
			return Response{}, err
		}
		finished = true
		if full.Len() == 0 {
			return Response{}, fmt.Errorf("no content returned")
		}
		return Response{Text: full.String()}, nil
	}
	release := func() {
		if stream != nil {
			_ = stream.Close()
		}
		cancel()
	}
	return NewStream(ProviderOpenAI, next, release)
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, systemMessage(systemPrompt(req.SystemContext)))
	for _, t := range req.History {
		switch t.Speaker {
		case transcript.Assistant:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(t.Text),
					},
				},
			})
		case transcript.System:
			messages = append(messages, systemMessage(t.Text))
		default:
			messages = append(messages, userMessage(t.Text))
		}
	}
	return append(messages, userMessage(req.Question))
}

func systemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: openai.String(text),
			},
		},
	}
}

func userMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(text),
			},
		},
	}
}
