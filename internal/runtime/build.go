package runtime

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/narrator"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/translate"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/wavstream"
	"github.com/sashabaranov/go-openai"
)

// RunDefaults maps config onto the per-run settings requests start from.
func RunDefaults(cfg config.Config) pipeline.RunConfig {
	translationModel := cfg.Translation.Model
	if translationModel == "" {
		translationModel = cfg.LLM.Model
	}
	return pipeline.RunConfig{
		SummarizationModel:  cfg.Summarization.Model,
		SummarizationPrompt: cfg.Summarization.Prompt,
		TargetLanguage:      cfg.Translation.TargetLanguage,
		TranslationModel:    translationModel,
		TranslationPrompt:   cfg.Translation.Prompt,
		TTSProvider:         cfg.TTS.Mode,
		TTSModel:            cfg.TTS.Model,
		Voice:               cfg.TTS.Voice,
		FallbackModel:       cfg.TTS.FallbackModel,
		FallbackVoice:       cfg.TTS.FallbackVoice,
		TTSInstructions:     cfg.TTS.Instructions,
		Speed:               cfg.TTS.Speed,
	}
}

func audioFormat(cfg config.TTSConfig) wavstream.Format {
	return wavstream.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: cfg.BitDepth}
}

func openAIClient(cfg config.OpenAIConfig) *openai.Client {
	if cfg.APIKey == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.OrgID = cfg.Organization
	return openai.NewClientWithConfig(clientCfg)
}

func buildGenerator(cfg config.LLMConfig, client *openai.Client) (llm.Generator, error) {
	var (
		gen llm.Generator
		err error
	)
	switch cfg.Mode {
	case "openai":
		if client == nil {
			return nil, fmt.Errorf("llm mode openai requires openai.api_key")
		}
		gen = llm.NewOpenAIGenerator(client, cfg.Model)
	case "ollama":
		gen = llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model)
	case "exec":
		gen, err = llm.NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, err
		}
	case "mock", "":
		gen = llm.NewMockGenerator()
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	return llm.Defaults{Next: gen, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}, nil
}

// buildSynthesizers registers every backend the config can support. The
// mock backend is always available.
func buildSynthesizers(cfg config.TTSConfig, client *openai.Client) (map[string]tts.Synthesizer, error) {
	synths := map[string]tts.Synthesizer{
		"mock": tts.NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.Format),
	}
	if client != nil {
		synths["openai"] = tts.NewOpenAISynth(client, cfg.Format)
	}
	if cfg.Command != "" {
		synth, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synths["exec"] = synth
	}
	if _, ok := synths[cfg.Mode]; !ok {
		return nil, fmt.Errorf("tts mode %q is not available with the current configuration", cfg.Mode)
	}
	return synths, nil
}

func buildTranslator(cfg config.TranslationConfig, gen llm.Generator) (translate.Translator, error) {
	cached, err := translate.NewCached(translate.NewLLMTranslator(gen), cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func buildSink(cfg config.Config, busClient *bus.Client, log *slog.Logger) (playback.Sink, error) {
	switch cfg.Playback.Sink {
	case "wav":
		format := playback.Format(audioFormat(cfg.TTS))
		return playback.NewWAVFileSink(cfg.Playback.OutputPath, format, log), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("playback sink bus requires a bus connection")
		}
		return narrator.NewBusSink(busClient, cfg.Playback.Target, log), nil
	case "null", "":
		return playback.NewPacedSink(nil, log), nil
	}
	return nil, fmt.Errorf("unknown playback sink %q", cfg.Playback.Sink)
}

func buildPlayback(cfg config.Config, sink playback.Sink, log *slog.Logger) (*playback.StreamBuffer, error) {
	format := playback.Format(audioFormat(cfg.TTS))
	buf, err := playback.NewStreamBuffer(sink, format, time.Duration(cfg.Playback.PrebufferMS)*time.Millisecond, log)
	if err != nil {
		return nil, err
	}
	if cfg.Playback.Rate > 0 {
		buf.SetPlaybackRate(cfg.Playback.Rate)
	}
	return buf, nil
}

// BuildPipeline assembles an orchestrator and its playback buffer from
// config around the given sink. Observer and recorder may be nil.
func BuildPipeline(cfg config.Config, sink playback.Sink, observer pipeline.Observer, recorder pipeline.Recorder, log *slog.Logger) (*pipeline.Orchestrator, *playback.StreamBuffer, error) {
	client := openAIClient(cfg.OpenAI)
	gen, err := buildGenerator(cfg.LLM, client)
	if err != nil {
		return nil, nil, fmt.Errorf("build llm: %w", err)
	}
	synths, err := buildSynthesizers(cfg.TTS, client)
	if err != nil {
		return nil, nil, fmt.Errorf("build tts: %w", err)
	}
	translator, err := buildTranslator(cfg.Translation, gen)
	if err != nil {
		return nil, nil, err
	}
	buf, err := buildPlayback(cfg, sink, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build playback: %w", err)
	}
	orch, err := pipeline.New(pipeline.Options{
		Summarizer:        gen,
		Passthrough:       llm.NewPassthroughGenerator(cfg.Text.MaxChunkLength),
		Translator:        translator,
		Synthesizers:      synths,
		Playback:          buf,
		Recorder:          recorder,
		Observer:          observer,
		AudioFormat:       audioFormat(cfg.TTS),
		MinSentenceLength: cfg.Text.MinSentenceLength,
		Retry: pipeline.RetryPolicy{
			MaxAttempts:    cfg.Translation.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Translation.InitialBackoffMS) * time.Millisecond,
		},
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return orch, buf, nil
}
