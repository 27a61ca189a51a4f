package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator echoes the prompt word by word with a fixed delay, so the
// streaming path can run without a model.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 2 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	started := time.Now()
	words := strings.SplitAfter(strings.TrimSpace(req.Prompt), " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		last := i == len(words)-1
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   !last,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		if last {
			chunk.PromptTokens = len(strings.Fields(req.System)) + len(words)
			chunk.CompletionTokens = len(words)
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}
