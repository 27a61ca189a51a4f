package translate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/loqalabs/loqa-narrator/internal/llm"
)

type fakeGenerator struct {
	calls []llm.Request
	reply func(req llm.Request) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	f.calls = append(f.calls, req)
	text, err := f.reply(req)
	if err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(text, " ") {
		if err := consumer(llm.Chunk{Content: word, Partial: true}); err != nil {
			return err
		}
	}
	return consumer(llm.Chunk{PromptTokens: 7, CompletionTokens: 3})
}

func TestLLMTranslatorUsesLanguagePrompt(t *testing.T) {
	gen := &fakeGenerator{reply: func(llm.Request) (string, error) { return " Bonjour le monde. ", nil }}
	res, err := NewLLMTranslator(gen).Translate(context.Background(), Request{Text: "Hello world.", Language: "French", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Text != "Bonjour le monde." || res.PromptTokens != 7 || res.CompletionTokens != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	call := gen.calls[0]
	if !strings.Contains(call.System, "French") || call.Prompt != "Hello world." || call.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected request %+v", call)
	}
}

func TestLLMTranslatorRejectsMissingLanguage(t *testing.T) {
	gen := &fakeGenerator{reply: func(llm.Request) (string, error) { return "x", nil }}
	_, err := NewLLMTranslator(gen).Translate(context.Background(), Request{Text: "Hello."})
	var cfgErr *apierr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("generator must not be called")
	}
}

func TestLLMTranslatorEmptyResponse(t *testing.T) {
	gen := &fakeGenerator{reply: func(llm.Request) (string, error) { return "   ", nil }}
	if _, err := NewLLMTranslator(gen).Translate(context.Background(), Request{Text: "Hi.", Language: "German"}); err == nil {
		t.Fatalf("expected error for empty translation")
	}
}

func TestSystemPrompt(t *testing.T) {
	if got := SystemPrompt("Into {language}, please.", "Spanish"); got != "Into Spanish, please." {
		t.Fatalf("unexpected prompt %q", got)
	}
	if got := SystemPrompt("Translate.", "Spanish"); !strings.HasSuffix(got, "Target language: Spanish") {
		t.Fatalf("unexpected prompt %q", got)
	}
	if got := SystemPrompt("", "Italian"); !strings.Contains(got, "Italian") {
		t.Fatalf("default prompt missing language: %q", got)
	}
}

func TestCachedTranslator(t *testing.T) {
	gen := &fakeGenerator{reply: func(req llm.Request) (string, error) { return "Hallo.", nil }}
	cached, err := NewCached(NewLLMTranslator(gen), 2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	req := Request{Text: "Hello.", Language: "German"}
	first, err := cached.Translate(context.Background(), req)
	if err != nil || first.Cached {
		t.Fatalf("first call: %+v %v", first, err)
	}
	second, err := cached.Translate(context.Background(), req)
	if err != nil || !second.Cached || second.Text != "Hallo." {
		t.Fatalf("second call: %+v %v", second, err)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("expected one generator call, got %d", len(gen.calls))
	}
	if _, err := cached.Translate(context.Background(), Request{Text: "Hello.", Language: "Dutch"}); err != nil {
		t.Fatal(err)
	}
	if cached.Len() != 2 || len(gen.calls) != 2 {
		t.Fatalf("language must be part of the key: len=%d calls=%d", cached.Len(), len(gen.calls))
	}
}

func TestCachedTranslatorDoesNotCacheErrors(t *testing.T) {
	fails := 1
	gen := &fakeGenerator{reply: func(llm.Request) (string, error) {
		if fails > 0 {
			fails--
			return "", errors.New("boom")
		}
		return "Ciao.", nil
	}}
	cached, _ := NewCached(NewLLMTranslator(gen), 4)
	req := Request{Text: "Hi.", Language: "Italian"}
	if _, err := cached.Translate(context.Background(), req); err == nil {
		t.Fatalf("expected error")
	}
	res, err := cached.Translate(context.Background(), req)
	if err != nil || res.Text != "Ciao." || res.Cached {
		t.Fatalf("unexpected retry result %+v %v", res, err)
	}
}
