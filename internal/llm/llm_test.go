package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/loqalabs/loqa-narrator/internal/textseg"
	"github.com/sashabaranov/go-openai"
)

func openAIClient(url string) *openai.Client {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = url + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIGeneratorStreamsDeltasAndUsage(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", " there.", " Bye."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":5,\"total_tokens\":17}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(openAIClient(srv.URL), "gpt-4o-mini")
	out, err := Collect(context.Background(), gen, Request{System: "Summarize.", Prompt: "Some text."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != "Hello there. Bye." {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if out.PromptTokens != 12 || out.CompletionTokens != 5 {
		t.Fatalf("unexpected usage %+v", out)
	}
	if got.Model != "gpt-4o-mini" || got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("expected system and user messages, got %+v", got.Messages)
	}
}

func TestOpenAIGeneratorClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	err := NewOpenAIGenerator(openAIClient(srv.URL), "m").Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	var apiErr *apierr.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected classified api error, got %T %v", err, err)
	}
}

func TestOpenAIGeneratorRequiresModel(t *testing.T) {
	err := NewOpenAIGenerator(openAIClient("http://127.0.0.1:1"), "").Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	var cfgErr *apierr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPassthroughMatchesSegmenter(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	var deltas []string
	err := NewPassthroughGenerator(300).Generate(context.Background(), Request{Prompt: text}, func(c Chunk) error {
		deltas = append(deltas, strings.TrimSpace(c.Content))
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := textseg.Chunk(text, 300)
	if len(deltas) != len(want) {
		t.Fatalf("expected %d deltas, got %d", len(want), len(deltas))
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("delta %d mismatch: %q vs %q", i, deltas[i], want[i])
		}
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "llama3.2:latest" || !req.Stream {
			t.Errorf("unexpected request %+v", req)
		}
		fmt.Fprintln(w, `{"response":"One. ","done":false}`)
		fmt.Fprintln(w, `{"response":"Two.","done":true,"eval_count":4,"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	out, err := Collect(context.Background(), NewOllamaGenerator(srv.URL+"/", ""), Request{Prompt: "count"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != "One. Two." || out.CompletionTokens != 4 || out.PromptTokens != 9 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Collect(context.Background(), NewOllamaGenerator(srv.URL, "missing"), Request{Prompt: "x"})
	var apiErr *apierr.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestMockGeneratorEchoesPrompt(t *testing.T) {
	out, err := Collect(context.Background(), NewMockGenerator(), Request{Prompt: "  Echo this back. "})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != "Echo this back." {
		t.Fatalf("unexpected content %q", out.Content)
	}
}

func TestMockGeneratorHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockGenerator().Generate(ctx, Request{Prompt: "a b c"}, func(Chunk) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

type requestCapture struct{ got Request }

func (c *requestCapture) Generate(_ context.Context, req Request, _ func(Chunk) error) error {
	c.got = req
	return nil
}

func TestDefaultsFillUnsetParameters(t *testing.T) {
	capture := &requestCapture{}
	g := Defaults{Next: capture, MaxTokens: 512, Temperature: 0.3}

	if err := g.Generate(context.Background(), Request{Prompt: "x"}, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if capture.got.MaxTokens != 512 || capture.got.Temperature != 0.3 {
		t.Fatalf("defaults not applied: %+v", capture.got)
	}

	if err := g.Generate(context.Background(), Request{Prompt: "x", MaxTokens: 64, Temperature: 0.9}, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if capture.got.MaxTokens != 64 || capture.got.Temperature != 0.9 {
		t.Fatalf("explicit values overridden: %+v", capture.got)
	}
}
