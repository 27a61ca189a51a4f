package llm

import (
	"context"
	"time"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output. Token counts are running totals
// and are usually only set on the last chunk.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. consumer is called once per
// delta, in order; an error from it stops generation and is returned.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Collect runs a generation to completion and returns the joined text with
// the final token counts.
func Collect(ctx context.Context, g Generator, req Request) (Chunk, error) {
	var out Chunk
	var content []byte
	err := g.Generate(ctx, req, func(c Chunk) error {
		content = append(content, c.Content...)
		if c.PromptTokens > 0 {
			out.PromptTokens = c.PromptTokens
		}
		if c.CompletionTokens > 0 {
			out.CompletionTokens = c.CompletionTokens
		}
		out.Latency = c.Latency
		return nil
	})
	out.SessionID = req.SessionID
	out.TraceID = req.TraceID
	out.Content = string(content)
	return out, err
}

// Defaults fills unset sampling parameters on every request before it
// reaches the wrapped generator.
type Defaults struct {
	Next        Generator
	MaxTokens   int
	Temperature float64
}

func (d Defaults) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if req.MaxTokens <= 0 {
		req.MaxTokens = d.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = d.Temperature
	}
	return d.Next.Generate(ctx, req, consumer)
}
