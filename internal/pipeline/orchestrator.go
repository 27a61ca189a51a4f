// Package pipeline turns text into streamed speech: it condenses the input
// through a streaming LLM, optionally translates each sentence, synthesizes
// sentences one at a time and feeds the audio to playback while text is
// still arriving.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/loqalabs/loqa-narrator/internal/textseg"
	"github.com/loqalabs/loqa-narrator/internal/translate"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/wavstream"
)

// DefaultSummarizationPrompt is used when a summarization model is set
// without a prompt.
const DefaultSummarizationPrompt = "Condense the user's text into a short spoken summary. Use plain sentences without lists or markup."

const deltaBuffer = 64

// RetryPolicy bounds translation retries. Waits double from InitialBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultRetry waits 0.3s and then 0.6s between three attempts.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: 300 * time.Millisecond}

// Options wires the orchestrator's collaborators. Synthesizers is keyed by
// provider name; everything else is optional.
type Options struct {
	Summarizer        llm.Generator
	Passthrough       llm.Generator
	Translator        translate.Translator
	Synthesizers      map[string]tts.Synthesizer
	Playback          *playback.StreamBuffer
	Recorder          Recorder
	Observer          Observer
	AudioFormat       wavstream.Format
	MinSentenceLength int
	Retry             RetryPolicy
	Meter             metric.Meter
	Tracer            trace.Tracer
}

// Orchestrator runs one pipeline at a time. Starting a run supersedes the
// previous one; results of superseded runs are dropped.
type Orchestrator struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	// emitMu serializes observer events with run transitions.
	emitMu sync.Mutex
	mu     sync.Mutex
	nextID RunID
	active *run
	wg     sync.WaitGroup
}

type run struct {
	id        RunID
	ctx       context.Context
	cancel    context.CancelFunc
	genCtx    context.Context
	genCancel context.CancelFunc
	span      trace.Span
	input     string
	cfg       RunConfig
	queue     *tts.Queue
	acc       *sentence.Accumulator
	started   time.Time

	terminated atomic.Bool

	mu         sync.Mutex
	result     Result
	summary    []string
	translated []string
	audio      []byte
	decoder    *wavstream.Decoder
	decoderFor int
	progressed map[string]bool
	halt       *Error
}

func New(opts Options, log *slog.Logger) (*Orchestrator, error) {
	if len(opts.Synthesizers) == 0 {
		return nil, errors.New("pipeline: at least one synthesizer is required")
	}
	if opts.Passthrough == nil {
		opts.Passthrough = llm.NewPassthroughGenerator(0)
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.AudioFormat == (wavstream.Format{}) {
		opts.AudioFormat = wavstream.Format{SampleRate: tts.DefaultSampleRate, Channels: tts.DefaultChannels, BitDepth: tts.DefaultBitDepth}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry.InitialBackoff = DefaultRetry.InitialBackoff
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	o := &Orchestrator{
		opts:   opts,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: opts.Tracer,
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	o.metrics = m
	return o, nil
}

// Start validates the request, supersedes any active run and launches a new
// one bound to ctx. Configuration problems are returned before any network
// call is made.
func (o *Orchestrator) Start(ctx context.Context, text string, cfg RunConfig) (RunID, error) {
	synth, err := o.validate(text, cfg)
	if err != nil {
		return 0, err
	}

	r := &run{
		input:      text,
		cfg:        cfg,
		acc:        sentence.NewAccumulator(o.opts.MinSentenceLength),
		started:    time.Now(),
		progressed: make(map[string]bool),
		decoderFor: -1,
	}
	r.queue = tts.NewQueue(synth, tts.Handlers{
		Audio:    func(index int, chunk tts.SynthChunk) { o.handleAudio(r, index, chunk) },
		Sentence: func(res tts.SentenceResult) { o.handleSynthesized(r, res) },
		Complete: func() { o.complete(r) },
		Error:    func(err error) { o.fail(r, StageSynthesis, err) },
	}, o.log)

	o.emitMu.Lock()
	o.mu.Lock()
	prev := o.active
	o.nextID++
	r.id = o.nextID
	r.result.RunID = r.id
	o.active = r
	o.mu.Unlock()

	spanCtx, span := o.tracer.Start(ctx, "narrator.run", trace.WithAttributes(
		attribute.String("narrator.run_id", r.id.String()),
		attribute.String("narrator.tts_provider", cfg.TTSProvider),
		attribute.String("narrator.target_language", cfg.TargetLanguage),
		attribute.Int("narrator.input_chars", len(text)),
	))
	r.span = span
	r.ctx, r.cancel = context.WithCancel(spanCtx)
	r.genCtx, r.genCancel = context.WithCancel(r.ctx)

	if prev != nil {
		o.abandonLocked(prev, StatusSuperseded)
	}
	if o.opts.Playback != nil {
		o.opts.Playback.Reset()
	}
	o.emitMu.Unlock()

	o.log.Info("run started",
		slog.String("run_id", r.id.String()),
		slog.String("tts_provider", cfg.TTSProvider),
		slog.String("target_language", cfg.TargetLanguage),
		slog.Int("input_chars", len(text)),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(r)
	}()
	return r.id, nil
}

// Cancel stops the active run, if any, without emitting a terminal event.
// It is idempotent and safe to call from any goroutine except observer
// callbacks.
func (o *Orchestrator) Cancel() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()
	if r != nil {
		o.abandonLocked(r, StatusCancelled)
	}
	if o.opts.Playback != nil {
		o.opts.Playback.Stop()
	}
}

// Current returns the id of the active run, or zero when idle.
func (o *Orchestrator) Current() RunID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return 0
	}
	return o.active.id
}

// Close cancels the active run and waits for run goroutines to exit.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.wg.Wait()
}

func (o *Orchestrator) validate(text string, cfg RunConfig) (tts.Synthesizer, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apierr.Missing("text")
	}
	synth, ok := o.opts.Synthesizers[cfg.TTSProvider]
	if !ok {
		return nil, &apierr.ConfigurationError{Field: "tts provider", Reason: fmt.Sprintf("unknown provider %q", cfg.TTSProvider)}
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return nil, apierr.Missing("voice")
	}
	if cfg.SummarizationModel != "" && o.opts.Summarizer == nil {
		return nil, &apierr.ConfigurationError{Field: "summarization model", Reason: "is set but no summarizer is configured"}
	}
	if cfg.TargetLanguage != "" && o.opts.Translator == nil {
		return nil, &apierr.ConfigurationError{Field: "target language", Reason: "is set but no translator is configured"}
	}
	if cfg.Speed < 0 {
		return nil, &apierr.ConfigurationError{Field: "speed", Reason: "must not be negative"}
	}
	return synth, nil
}

func (o *Orchestrator) execute(r *run) {
	r.queue.Begin(r.ctx, tts.Options{
		SessionID:     r.id.String(),
		Model:         r.cfg.TTSModel,
		Voice:         r.cfg.Voice,
		FallbackModel: r.cfg.FallbackModel,
		FallbackVoice: r.cfg.FallbackVoice,
		Instructions:  r.cfg.TTSInstructions,
		Speed:         r.cfg.Speed,
	})
	o.progress(r, ProgressSummarizing)

	deltas := make(chan string, deltaBuffer)
	drained := make(chan struct{})
	go o.processDeltas(r, deltas, drained)

	gen, req := o.summarizationRequest(r)
	err := gen.Generate(r.genCtx, req, func(c llm.Chunk) error {
		r.mu.Lock()
		if c.PromptTokens > 0 {
			r.result.SummaryPromptTokens = c.PromptTokens
		}
		if c.CompletionTokens > 0 {
			r.result.SummaryCompletionTokens = c.CompletionTokens
		}
		r.mu.Unlock()
		if c.Content == "" {
			return nil
		}
		select {
		case deltas <- c.Content:
			return nil
		case <-r.genCtx.Done():
			return r.genCtx.Err()
		}
	})
	close(deltas)
	<-drained

	if r.halted() {
		// Sentences already queued still play; the error fires once they drain.
		r.queue.MarkAllSentencesEnqueued()
		return
	}
	if err != nil {
		o.fail(r, StageSummarization, err)
		return
	}
	if r.ctx.Err() != nil {
		o.fail(r, StageCancelled, r.ctx.Err())
		return
	}
	if tail, ok := r.acc.Flush(); ok {
		if err := o.handleSentence(r, tail); err != nil {
			o.haltRun(r, err)
		}
	}
	o.progress(r, ProgressFinishing)
	r.queue.MarkAllSentencesEnqueued()
}

// processDeltas is the run's serial processing queue. It owns the
// accumulator until deltas is closed.
func (o *Orchestrator) processDeltas(r *run, deltas <-chan string, drained chan<- struct{}) {
	defer close(drained)
	for delta := range deltas {
		if r.halted() || r.ctx.Err() != nil {
			continue
		}
		for _, s := range r.acc.Accumulate(delta) {
			if err := o.handleSentence(r, s); err != nil {
				o.haltRun(r, err)
				break
			}
		}
	}
}

func (o *Orchestrator) summarizationRequest(r *run) (llm.Generator, llm.Request) {
	if r.cfg.SummarizationModel == "" {
		return o.opts.Passthrough, llm.Request{SessionID: r.id.String(), Prompt: r.input}
	}
	prompt := r.cfg.SummarizationPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSummarizationPrompt
	}
	return o.opts.Summarizer, llm.Request{
		SessionID: r.id.String(),
		Model:     r.cfg.SummarizationModel,
		System:    prompt,
		Prompt:    r.input,
		TraceID:   r.span.SpanContext().TraceID().String(),
	}
}

// handleSentence reports a summary sentence, translates it when a target
// language is set and queues it for synthesis. Only translation errors are
// returned.
func (o *Orchestrator) handleSentence(r *run, text string) error {
	o.emit(r, func() { o.opts.Observer.SummarySentence(r.id, text) })
	r.mu.Lock()
	r.summary = append(r.summary, text)
	r.result.Sentences++
	r.mu.Unlock()

	spoken := text
	if r.cfg.TargetLanguage != "" {
		o.progress(r, ProgressTranslating)
		res, err := o.translate(r, text)
		if err != nil {
			return err
		}
		spoken = res.Text
		r.mu.Lock()
		r.translated = append(r.translated, spoken)
		r.result.TranslationPromptTokens += res.PromptTokens
		r.result.TranslationCompletionTokens += res.CompletionTokens
		r.mu.Unlock()
		o.emit(r, func() { o.opts.Observer.TranslatedSentence(r.id, spoken) })
	}

	for _, part := range textseg.Chunk(spoken, tts.MaxInputLength) {
		r.queue.Enqueue(part)
	}
	o.metrics.sentence()
	o.progress(r, ProgressSynthesizing)
	return nil
}

func (o *Orchestrator) translate(r *run, text string) (translate.Result, error) {
	req := translate.Request{
		Text:     text,
		Language: r.cfg.TargetLanguage,
		Model:    r.cfg.TranslationModel,
		Prompt:   r.cfg.TranslationPrompt,
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     o.opts.Retry.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	return backoff.Retry(r.ctx, func() (translate.Result, error) {
		res, err := o.opts.Translator.Translate(r.ctx, req)
		if err == nil {
			return res, nil
		}
		if r.ctx.Err() != nil {
			return res, backoff.Permanent(r.ctx.Err())
		}
		var cfgErr *apierr.ConfigurationError
		if errors.As(err, &cfgErr) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.mu.Lock()
			r.result.TranslationRetries++
			r.mu.Unlock()
			o.metrics.retry()
			o.log.Warn("translation failed, retrying",
				slog.String("run_id", r.id.String()),
				slog.Duration("wait", wait),
				slogError(err),
			)
		}),
	)
}

// haltRun stops the summarization stream after a translation failure. The
// run errors once already queued sentences have been synthesized.
func (o *Orchestrator) haltRun(r *run, err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	if r.halt == nil {
		r.halt = &Error{Stage: StageTranslation, Err: err}
	}
	r.mu.Unlock()
	r.genCancel()
}

func (r *run) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt != nil
}

func (o *Orchestrator) handleAudio(r *run, index int, chunk tts.SynthChunk) {
	pcm := chunk.Data
	if chunk.Format == tts.FormatWAV {
		r.mu.Lock()
		if r.decoder == nil || r.decoderFor != index {
			r.decoder = wavstream.NewDecoder(o.opts.AudioFormat)
			r.decoderFor = index
		}
		out, err := r.decoder.Consume(chunk.Data)
		r.mu.Unlock()
		if err != nil {
			o.fail(r, StageSynthesis, err)
			return
		}
		pcm = out
	}
	if len(pcm) == 0 {
		return
	}

	r.mu.Lock()
	first := r.result.AudioBytes == 0
	r.result.AudioBytes += len(pcm)
	if first {
		r.result.FirstAudio = time.Since(r.started)
	}
	if o.opts.Recorder != nil {
		r.audio = append(r.audio, pcm...)
	}
	latency := r.result.FirstAudio
	r.mu.Unlock()
	if first {
		o.metrics.firstAudioLatency(latency)
	}

	var playErr error
	o.emit(r, func() {
		o.opts.Observer.AudioChunk(r.id, pcm)
		if o.opts.Playback != nil {
			playErr = o.opts.Playback.Enqueue(pcm)
		}
	})
	if playErr != nil {
		o.fail(r, StagePlayback, playErr)
	}
}

func (o *Orchestrator) handleSynthesized(r *run, res tts.SentenceResult) {
	r.mu.Lock()
	var finalizeErr error
	if r.decoder != nil && r.decoderFor == res.Index {
		finalizeErr = r.decoder.Finalize()
		r.decoder = nil
		r.decoderFor = -1
	}
	r.result.TTSCharacters += res.Characters
	r.mu.Unlock()
	if finalizeErr != nil {
		o.fail(r, StageSynthesis, finalizeErr)
		return
	}
	o.metrics.characters(res.Characters)
	if res.Fallback {
		o.log.Info("sentence synthesized with fallback voice",
			slog.String("run_id", r.id.String()), slog.Int("sentence", res.Index))
	}
}

func (o *Orchestrator) complete(r *run) {
	r.mu.Lock()
	halt := r.halt
	r.mu.Unlock()
	if halt != nil {
		o.fail(r, halt.Stage, halt.Err)
		return
	}

	result := r.snapshot()
	var playErr error
	if !o.emit(r, func() {
		if o.opts.Playback != nil {
			playErr = o.opts.Playback.MarkStreamComplete()
		}
	}) {
		return
	}
	if playErr != nil {
		o.fail(r, StagePlayback, playErr)
		return
	}
	o.record(r, StatusCompleted, result, nil)
	if o.terminate(r, StatusCompleted, nil, func() { o.opts.Observer.Complete(r.id, result) }) {
		o.log.Info("run completed",
			slog.String("run_id", r.id.String()),
			slog.Int("sentences", result.Sentences),
			slog.Int("audio_bytes", result.AudioBytes),
			slog.Duration("first_audio", result.FirstAudio),
			slog.Duration("duration", result.Duration),
		)
	}
}

// fail ends the run with an error. Cancellation of the run itself is never
// reported.
func (o *Orchestrator) fail(r *run, stage Stage, err error) {
	if stage == StageCancelled || (r.ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		o.emitMu.Lock()
		o.abandonLocked(r, StatusCancelled)
		o.emitMu.Unlock()
		return
	}
	if !o.isActive(r) || r.terminated.Load() {
		return
	}
	pe := &Error{Stage: stage, Err: err}
	o.record(r, StatusFailed, r.snapshot(), pe)
	if !o.terminate(r, StatusFailed, pe, func() { o.opts.Observer.Error(r.id, pe) }) {
		return
	}
	o.log.Warn("run failed",
		slog.String("run_id", r.id.String()),
		slog.String("stage", stage.String()),
		slogError(err),
	)
}

// emit runs fn under the emission lock if r is still the active run.
func (o *Orchestrator) emit(r *run, fn func()) bool {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if !o.isActive(r) || r.terminated.Load() {
		return false
	}
	fn()
	return true
}

func (o *Orchestrator) progress(r *run, label string) {
	r.mu.Lock()
	seen := r.progressed[label]
	r.progressed[label] = true
	r.mu.Unlock()
	if !seen {
		o.emit(r, func() { o.opts.Observer.Progress(r.id, label) })
	}
}

func (o *Orchestrator) isActive(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active == r
}

// terminate emits the single terminal event of r and releases the run.
func (o *Orchestrator) terminate(r *run, status string, err error, fn func()) bool {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if !o.isActive(r) || !r.terminated.CompareAndSwap(false, true) {
		return false
	}
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
	r.genCancel()
	r.queue.Cancel()
	if status == StatusFailed && o.opts.Playback != nil {
		// A sink that already failed to start stays silent.
		_ = o.opts.Playback.MarkStreamComplete()
	}
	fn()
	r.cancel()
	o.finishRun(r, status, err)
	return true
}

// abandonLocked ends r without an event. emitMu must be held.
func (o *Orchestrator) abandonLocked(r *run, status string) {
	if !r.terminated.CompareAndSwap(false, true) {
		return
	}
	o.mu.Lock()
	if o.active == r {
		o.active = nil
	}
	o.mu.Unlock()
	r.cancel()
	r.queue.Cancel()
	o.log.Info("run stopped", slog.String("run_id", r.id.String()), slog.String("status", status))
	o.finishRun(r, status, nil)
}

func (o *Orchestrator) finishRun(r *run, status string, err error) {
	o.metrics.run(status, r.cfg.TTSProvider)
	o.metrics.duration(time.Since(r.started))
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.SetAttributes(attribute.String("narrator.outcome", status))
	r.span.End()
}

func (r *run) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Summary = strings.Join(r.summary, " ")
	res.Translation = strings.Join(r.translated, " ")
	res.Duration = time.Since(r.started)
	return res
}

func (o *Orchestrator) record(r *run, status string, result Result, runErr error) {
	if o.opts.Recorder == nil {
		return
	}
	r.mu.Lock()
	audio := r.audio
	r.mu.Unlock()
	t := Transcript{
		ID:         uuid.NewString(),
		RunID:      r.id,
		Input:      r.input,
		Config:     r.cfg,
		Result:     result,
		Status:     status,
		Audio:      audio,
		SampleRate: o.opts.AudioFormat.SampleRate,
		Channels:   o.opts.AudioFormat.Channels,
		BitDepth:   o.opts.AudioFormat.BitDepth,
		StartedAt:  r.started.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		t.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
	defer cancel()
	if err := o.opts.Recorder.RecordRun(ctx, t); err != nil {
		o.log.Warn("failed to record run", slog.String("run_id", r.id.String()), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
