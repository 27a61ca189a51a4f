package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// RunID identifies one run. Ids grow monotonically; zero means no run.
type RunID uint64

func (id RunID) String() string { return strconv.FormatUint(uint64(id), 10) }

// RunConfig selects models and voices for a run.
type RunConfig struct {
	SummarizationModel  string  `json:"summarization_model,omitempty" yaml:"summarization_model"`
	SummarizationPrompt string  `json:"summarization_prompt,omitempty" yaml:"summarization_prompt"`
	TargetLanguage      string  `json:"target_language,omitempty" yaml:"target_language"`
	TranslationModel    string  `json:"translation_model,omitempty" yaml:"translation_model"`
	TranslationPrompt   string  `json:"translation_prompt,omitempty" yaml:"translation_prompt"`
	TTSProvider         string  `json:"tts_provider,omitempty" yaml:"tts_provider"`
	TTSModel            string  `json:"tts_model,omitempty" yaml:"tts_model"`
	Voice               string  `json:"voice,omitempty" yaml:"voice"`
	FallbackModel       string  `json:"fallback_model,omitempty" yaml:"fallback_model"`
	FallbackVoice       string  `json:"fallback_voice,omitempty" yaml:"fallback_voice"`
	TTSInstructions     string  `json:"tts_instructions,omitempty" yaml:"tts_instructions"`
	Speed               float64 `json:"speed,omitempty" yaml:"speed"`
}

// Merge returns c with empty fields taken from defaults.
func (c RunConfig) Merge(defaults RunConfig) RunConfig {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	c.SummarizationModel = pick(c.SummarizationModel, defaults.SummarizationModel)
	c.SummarizationPrompt = pick(c.SummarizationPrompt, defaults.SummarizationPrompt)
	c.TargetLanguage = pick(c.TargetLanguage, defaults.TargetLanguage)
	c.TranslationModel = pick(c.TranslationModel, defaults.TranslationModel)
	c.TranslationPrompt = pick(c.TranslationPrompt, defaults.TranslationPrompt)
	c.TTSProvider = pick(c.TTSProvider, defaults.TTSProvider)
	c.TTSModel = pick(c.TTSModel, defaults.TTSModel)
	c.Voice = pick(c.Voice, defaults.Voice)
	c.FallbackModel = pick(c.FallbackModel, defaults.FallbackModel)
	c.FallbackVoice = pick(c.FallbackVoice, defaults.FallbackVoice)
	c.TTSInstructions = pick(c.TTSInstructions, defaults.TTSInstructions)
	if c.Speed == 0 {
		c.Speed = defaults.Speed
	}
	return c
}

// Result aggregates what a run produced.
type Result struct {
	RunID                       RunID         `json:"run_id"`
	Summary                     string        `json:"summary"`
	Translation                 string        `json:"translation,omitempty"`
	Sentences                   int           `json:"sentences"`
	SummaryPromptTokens         int           `json:"summary_prompt_tokens"`
	SummaryCompletionTokens     int           `json:"summary_completion_tokens"`
	TranslationPromptTokens     int           `json:"translation_prompt_tokens"`
	TranslationCompletionTokens int           `json:"translation_completion_tokens"`
	TranslationRetries          int           `json:"translation_retries"`
	TTSCharacters               int           `json:"tts_characters"`
	AudioBytes                  int           `json:"audio_bytes"`
	FirstAudio                  time.Duration `json:"first_audio_ns"`
	Duration                    time.Duration `json:"duration_ns"`
}

// Run outcomes.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusSuperseded = "superseded"
)

// Transcript is a finished run handed to the Recorder.
type Transcript struct {
	ID         string
	RunID      RunID
	Input      string
	Config     RunConfig
	Result     Result
	Status     string
	Error      string
	Audio      []byte
	SampleRate int
	Channels   int
	BitDepth   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, t Transcript) error
}

// Stage names the part of a run that failed.
type Stage int

const (
	StageCancelled Stage = iota + 1
	StageSummarization
	StageTranslation
	StageSynthesis
	StagePlayback
)

func (s Stage) String() string {
	switch s {
	case StageCancelled:
		return "cancelled"
	case StageSummarization:
		return "summarization"
	case StageTranslation:
		return "translation"
	case StageSynthesis:
		return "synthesis"
	case StagePlayback:
		return "playback"
	}
	return "unknown"
}

// Error attributes a run failure to a stage.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == StageCancelled {
		return "pipeline cancelled"
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
