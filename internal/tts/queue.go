package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
)

// MaxInputLength is the longest text, in runes, sent in a single request.
const MaxInputLength = 4096

// Options select the voice for a queue session.
type Options struct {
	SessionID     string
	Model         string
	Voice         string
	FallbackModel string
	FallbackVoice string
	Instructions  string
	Speed         float64
}

func (o Options) hasFallback() bool {
	return o.FallbackModel != "" || o.FallbackVoice != ""
}

// SentenceResult reports one synthesized sentence.
type SentenceResult struct {
	Index      int
	Text       string
	Characters int
	Bytes      int
	Fallback   bool
}

// Handlers receive queue events. Audio and Sentence events arrive in
// sentence order from one goroutine at a time. Complete and Error are
// terminal; at most one of them fires per session.
type Handlers struct {
	Audio    func(index int, chunk SynthChunk)
	Sentence func(SentenceResult)
	Complete func()
	Error    func(err error)
}

// Queue synthesizes sentences strictly one at a time in FIFO order.
type Queue struct {
	synth    Synthesizer
	handlers Handlers
	log      *slog.Logger

	mu       sync.Mutex
	session  uint64
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	pending  []string
	next     int
	inFlight bool
	closed   bool
	halted   bool
	finished bool
}

func NewQueue(synth Synthesizer, handlers Handlers, log *slog.Logger) *Queue {
	return &Queue{
		synth:    synth,
		handlers: handlers,
		log:      log.With(slog.String("component", "tts-queue")),
	}
}

// Begin discards any previous session and opens a new one bound to ctx.
func (q *Queue) Begin(ctx context.Context, opts Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
	q.opts = opts
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Enqueue appends a sentence and starts synthesis if the queue is idle.
func (q *Queue) Enqueue(text string) {
	q.mu.Lock()
	if q.ctx == nil || q.closed || q.halted {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, text)
	fire := q.advanceLocked()
	q.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// MarkAllSentencesEnqueued closes the input. Complete fires once the last
// sentence has been synthesized, or right away if nothing is pending.
func (q *Queue) MarkAllSentencesEnqueued() {
	q.mu.Lock()
	if q.ctx == nil {
		q.mu.Unlock()
		return
	}
	q.closed = true
	fire := q.advanceLocked()
	q.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Cancel drops pending sentences and suppresses late results of the call in
// flight. It is idempotent.
func (q *Queue) Cancel() {
	q.mu.Lock()
	q.resetLocked()
	q.mu.Unlock()
}

func (q *Queue) resetLocked() {
	if q.cancel != nil {
		q.cancel()
	}
	q.session++
	q.ctx = nil
	q.cancel = nil
	q.pending = nil
	q.next = 0
	q.inFlight = false
	q.closed = false
	q.halted = false
	q.finished = false
}

// advanceLocked starts the next sentence when idle and returns the Complete
// callback when the session has just finished.
func (q *Queue) advanceLocked() func() {
	if q.inFlight || q.halted || q.finished {
		return nil
	}
	if len(q.pending) == 0 {
		if !q.closed {
			return nil
		}
		q.finished = true
		if q.handlers.Complete == nil {
			return nil
		}
		return q.handlers.Complete
	}
	text := q.pending[0]
	q.pending = q.pending[1:]
	index := q.next
	q.next++
	q.inFlight = true
	go q.run(q.ctx, q.session, q.opts, index, text)
	return nil
}

func (q *Queue) current(session uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return session == q.session
}

func (q *Queue) run(ctx context.Context, session uint64, opts Options, index int, text string) {
	req := SynthRequest{
		SessionID:    opts.SessionID,
		Text:         text,
		Model:        opts.Model,
		Voice:        opts.Voice,
		Instructions: opts.Instructions,
		Speed:        opts.Speed,
	}
	result := SentenceResult{Index: index, Text: text}
	err := q.attempt(ctx, session, index, req, &result)
	if err != nil && result.Bytes == 0 && opts.hasFallback() && shouldFallback(err) {
		q.log.Warn("synthesis rejected, retrying with fallback voice",
			slog.Int("sentence", index), slogError(err))
		if opts.FallbackModel != "" {
			req.Model = opts.FallbackModel
		}
		if opts.FallbackVoice != "" {
			req.Voice = opts.FallbackVoice
		}
		result.Fallback = true
		err = q.attempt(ctx, session, index, req, &result)
	}

	if err != nil {
		q.mu.Lock()
		if session != q.session {
			q.mu.Unlock()
			return
		}
		q.inFlight = false
		q.halted = true
		q.pending = nil
		q.mu.Unlock()
		if q.handlers.Error != nil {
			q.handlers.Error(fmt.Errorf("synthesize sentence %d: %w", index, err))
		}
		return
	}

	if result.Characters == 0 {
		result.Characters = utf8.RuneCountInString(text)
	}
	if q.handlers.Sentence != nil && q.current(session) {
		q.handlers.Sentence(result)
	}

	q.mu.Lock()
	if session != q.session {
		q.mu.Unlock()
		return
	}
	q.inFlight = false
	fire := q.advanceLocked()
	q.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (q *Queue) attempt(ctx context.Context, session uint64, index int, req SynthRequest, result *SentenceResult) error {
	chunks, errs := q.synth.Synthesize(ctx, req)
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.Characters > 0 {
				result.Characters = chunk.Characters
			}
			if len(chunk.Data) == 0 {
				continue
			}
			if !q.current(session) {
				return context.Canceled
			}
			result.Bytes += len(chunk.Data)
			if q.handlers.Audio != nil {
				q.handlers.Audio(index, chunk)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return synthErr
}

// shouldFallback reports whether err is an access-class rejection worth one
// retry with the alternate voice. Quota and credit failures are not.
func shouldFallback(err error) bool {
	var apiErr *apierr.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusPaymentRequired, http.StatusForbidden, http.StatusNotFound:
		return !apiErr.IsBillingMessage()
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
