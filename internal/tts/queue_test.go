package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSynth answers each request through respond and records every
// request plus the peak number of concurrent calls.
type scriptedSynth struct {
	respond func(req SynthRequest) ([]byte, error)

	mu       sync.Mutex
	requests []SynthRequest
	active   int
	peak     int
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.active++
	s.peak = max(s.peak, s.active)
	s.mu.Unlock()
	go func() {
		defer close(chunks)
		defer close(errs)
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		time.Sleep(2 * time.Millisecond)
		data, err := s.respond(req)
		if err != nil {
			errs <- err
			return
		}
		select {
		case chunks <- SynthChunk{Format: FormatPCM, Data: data, Final: true}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func (s *scriptedSynth) Requests() []SynthRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthRequest(nil), s.requests...)
}

type recorder struct {
	mu        sync.Mutex
	audio     []string
	sentences []SentenceResult
	errs      []error
	completes atomic.Int32
	done      chan struct{}
	once      sync.Once
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) handlers() Handlers {
	return Handlers{
		Audio: func(index int, chunk SynthChunk) {
			r.mu.Lock()
			r.audio = append(r.audio, string(chunk.Data))
			r.mu.Unlock()
		},
		Sentence: func(res SentenceResult) {
			r.mu.Lock()
			r.sentences = append(r.sentences, res)
			r.mu.Unlock()
		},
		Complete: func() {
			r.completes.Add(1)
			r.once.Do(func() { close(r.done) })
		},
		Error: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not finish")
	}
}

func echo(req SynthRequest) ([]byte, error) { return []byte(req.Text), nil }

func TestQueueSynthesizesInOrderOneAtATime(t *testing.T) {
	synth := &scriptedSynth{respond: echo}
	rec := newRecorder()
	q := NewQueue(synth, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Voice: "alloy"})

	want := []string{"one.", "two.", "three.", "four.", "five."}
	for _, s := range want {
		q.Enqueue(s)
	}
	q.MarkAllSentencesEnqueued()
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != len(want) {
		t.Fatalf("expected %d audio chunks, got %d", len(want), len(rec.audio))
	}
	for i, s := range want {
		if rec.audio[i] != s || rec.sentences[i].Index != i || rec.sentences[i].Text != s {
			t.Fatalf("sentence %d out of order: audio=%q result=%+v", i, rec.audio[i], rec.sentences[i])
		}
		if rec.sentences[i].Characters != len(s) || rec.sentences[i].Bytes != len(s) {
			t.Fatalf("unexpected usage for %d: %+v", i, rec.sentences[i])
		}
	}
	synth.mu.Lock()
	peak := synth.peak
	synth.mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected one call in flight, peak was %d", peak)
	}
	if rec.completes.Load() != 1 {
		t.Fatalf("expected one completion, got %d", rec.completes.Load())
	}
}

func TestQueueCompletesWhenEmpty(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(&scriptedSynth{respond: echo}, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Voice: "alloy"})
	q.MarkAllSentencesEnqueued()
	rec.wait(t)
	q.MarkAllSentencesEnqueued()
	if rec.completes.Load() != 1 {
		t.Fatalf("expected one completion, got %d", rec.completes.Load())
	}
}

func TestQueueFallbackOnAccessError(t *testing.T) {
	synth := &scriptedSynth{respond: func(req SynthRequest) ([]byte, error) {
		if req.Voice == "custom" {
			return nil, &apierr.APIError{StatusCode: 403, Message: "voice not available for this account"}
		}
		return []byte(req.Text), nil
	}}
	rec := newRecorder()
	q := NewQueue(synth, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Model: "tts-1", Voice: "custom", FallbackModel: "tts-1-hd", FallbackVoice: "alloy"})
	q.Enqueue("Hello there.")
	q.MarkAllSentencesEnqueued()
	rec.wait(t)

	reqs := synth.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected primary plus fallback request, got %d", len(reqs))
	}
	if reqs[1].Model != "tts-1-hd" || reqs[1].Voice != "alloy" {
		t.Fatalf("fallback used wrong voice: %+v", reqs[1])
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 || !rec.sentences[0].Fallback {
		t.Fatalf("expected fallback success, errs=%v results=%+v", rec.errs, rec.sentences)
	}
}

func TestQueueNoFallbackOnQuotaMessage(t *testing.T) {
	synth := &scriptedSynth{respond: func(req SynthRequest) ([]byte, error) {
		return nil, &apierr.APIError{StatusCode: 402, Message: "You have exceeded your quota"}
	}}
	rec := newRecorder()
	q := NewQueue(synth, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Voice: "custom", FallbackVoice: "alloy"})
	q.Enqueue("First sentence.")
	q.Enqueue("Second sentence.")
	q.MarkAllSentencesEnqueued()
	rec.wait(t)

	if n := len(synth.Requests()); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("expected one error, got %v", rec.errs)
	}
	var apiErr *apierr.APIError
	if !errors.As(rec.errs[0], &apiErr) || apiErr.StatusCode != 402 {
		t.Fatalf("expected api error, got %v", rec.errs[0])
	}
	if rec.completes.Load() != 0 {
		t.Fatalf("completion must not fire after an error")
	}
}

func TestQueueFallbackFailureIsReported(t *testing.T) {
	synth := &scriptedSynth{respond: func(req SynthRequest) ([]byte, error) {
		return nil, &apierr.APIError{StatusCode: 404, Message: "model not found"}
	}}
	rec := newRecorder()
	q := NewQueue(synth, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Voice: "custom", FallbackVoice: "alloy"})
	q.Enqueue("Hello there.")
	rec.wait(t)
	if n := len(synth.Requests()); n != 2 {
		t.Fatalf("expected exactly one fallback attempt, got %d requests", n)
	}
}

func TestQueueCancelSuppressesLateResults(t *testing.T) {
	release := make(chan struct{})
	synth := &scriptedSynth{respond: func(req SynthRequest) ([]byte, error) {
		<-release
		return []byte(req.Text), nil
	}}
	rec := newRecorder()
	q := NewQueue(synth, rec.handlers(), newTestLogger())
	q.Begin(context.Background(), Options{Voice: "alloy"})
	q.Enqueue("Never heard.")
	q.Enqueue("Also dropped.")
	q.MarkAllSentencesEnqueued()
	q.Cancel()
	q.Cancel()
	close(release)

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 0 || len(rec.sentences) != 0 || len(rec.errs) != 0 || rec.completes.Load() != 0 {
		t.Fatalf("cancelled queue emitted events: audio=%v sentences=%v errs=%v", rec.audio, rec.sentences, rec.errs)
	}
}

func TestShouldFallback(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&apierr.APIError{StatusCode: 403, Message: "forbidden"}, true},
		{&apierr.APIError{StatusCode: 404, Message: "voice not found"}, true},
		{&apierr.APIError{StatusCode: 402, Message: "Insufficient credits"}, false},
		{&apierr.APIError{StatusCode: 500, Message: "boom"}, false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := shouldFallback(tc.err); got != tc.want {
			t.Fatalf("shouldFallback(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
