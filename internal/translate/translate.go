// Package translate turns single sentences into a target language through a
// streaming text generator.
package translate

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/loqalabs/loqa-narrator/internal/llm"
)

// DefaultPrompt is the system prompt used when none is configured. The
// placeholder {language} is replaced by the target language.
const DefaultPrompt = "Translate the user's text into {language}. Reply with the translation only, keeping the tone and punctuation. Do not add explanations."

// Request is one sentence to translate.
type Request struct {
	Text     string
	Language string
	Model    string
	Prompt   string
}

// Result is a translated sentence with its token usage.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Cached           bool
}

// Translator translates one sentence.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// LLMTranslator asks a generator for the translation.
type LLMTranslator struct {
	gen llm.Generator
}

func NewLLMTranslator(gen llm.Generator) *LLMTranslator {
	return &LLMTranslator{gen: gen}
}

func (t *LLMTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Language) == "" {
		return Result{}, apierr.Missing("translation target language")
	}
	out, err := llm.Collect(ctx, t.gen, llm.Request{
		Model:  req.Model,
		System: SystemPrompt(req.Prompt, req.Language),
		Prompt: req.Text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("translate: %w", err)
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return Result{}, fmt.Errorf("translate: empty response for %q", req.Text)
	}
	return Result{
		Text:             text,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
	}, nil
}

// SystemPrompt fills the language into prompt, falling back to DefaultPrompt.
func SystemPrompt(prompt, language string) string {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	if strings.Contains(prompt, "{language}") {
		return strings.ReplaceAll(prompt, "{language}", language)
	}
	return prompt + "\nTarget language: " + language
}

type cacheKey struct {
	language string
	model    string
	prompt   string
	text     string
}

// Cached memoizes successful translations in an LRU cache. Cached results
// report zero token usage.
type Cached struct {
	next  Translator
	cache *lru.Cache[cacheKey, string]
}

func NewCached(next Translator, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, fmt.Errorf("create translation cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Translate(ctx context.Context, req Request) (Result, error) {
	key := cacheKey{language: req.Language, model: req.Model, prompt: req.Prompt, text: strings.TrimSpace(req.Text)}
	if text, ok := c.cache.Get(key); ok {
		return Result{Text: text, Cached: true}, nil
	}
	res, err := c.next.Translate(ctx, req)
	if err != nil {
		return res, err
	}
	c.cache.Add(key, res.Text)
	return res, nil
}

// Len reports the number of cached translations.
func (c *Cached) Len() int { return c.cache.Len() }
