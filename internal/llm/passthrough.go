package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/textseg"
)

// DefaultChunkLength bounds the deltas emitted by the passthrough generator.
const DefaultChunkLength = 4000

type passthroughGenerator struct {
	maxLength int
}

// NewPassthroughGenerator streams the prompt back unchanged, split at
// natural boundaries. It stands in for summarization when no model is set.
func NewPassthroughGenerator(maxLength int) Generator {
	if maxLength <= 0 {
		maxLength = DefaultChunkLength
	}
	return &passthroughGenerator{maxLength: maxLength}
}

func (g *passthroughGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	started := time.Now()
	chunks := textseg.Chunk(req.Prompt, g.maxLength)
	for i, text := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		last := i == len(chunks)-1
		if !last {
			text += " "
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   text,
			Partial:   !last,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}
