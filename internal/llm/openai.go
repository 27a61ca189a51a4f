package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/sashabaranov/go-openai"
)

type openAIGenerator struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIGenerator streams chat completions. Token usage arrives on the
// last chunk through the include_usage stream option.
func NewOpenAIGenerator(client *openai.Client, defaultModel string) Generator {
	return &openAIGenerator{client: client, defaultModel: defaultModel}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	if model == "" {
		return apierr.Missing("llm model")
	}
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	started := time.Now()
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return apierr.Classify("chat completion", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apierr.Classify("chat completion stream", err)
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Partial:   true,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		for _, choice := range resp.Choices {
			chunk.Content += choice.Delta.Content
			if choice.FinishReason != "" {
				chunk.Partial = false
			}
		}
		if resp.Usage != nil {
			chunk.PromptTokens = resp.Usage.PromptTokens
			chunk.CompletionTokens = resp.Usage.CompletionTokens
			chunk.Partial = false
		}
		if chunk.Content == "" && chunk.PromptTokens == 0 && chunk.CompletionTokens == 0 {
			continue
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
}
