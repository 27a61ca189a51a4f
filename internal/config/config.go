package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceExporter is otlp, stdout or none. Empty picks otlp when an
	// endpoint is set and none otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	LLM           LLMConfig           `yaml:"llm"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Translation   TranslationConfig   `yaml:"translation"`
	TTS           TTSConfig           `yaml:"tts"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Text          TextConfig          `yaml:"text"`
	Narrator      NarratorConfig      `yaml:"narrator"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int      `yaml:"max_payload"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	StoreAudio    bool   `yaml:"store_audio"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // openai, ollama, exec, mock
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type SummarizationConfig struct {
	Model  string `yaml:"model"`
	Prompt string `yaml:"prompt"`
}

type TranslationConfig struct {
	TargetLanguage   string `yaml:"target_language"`
	Model            string `yaml:"model"`
	Prompt           string `yaml:"prompt"`
	MaxAttempts      int    `yaml:"max_attempts"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms"`
	CacheSize        int    `yaml:"cache_size"`
}

type TTSConfig struct {
	Mode          string  `yaml:"mode"` // openai, exec, mock
	Command       string  `yaml:"command"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	Voice         string  `yaml:"voice"`
	FallbackVoice string  `yaml:"fallback_voice"`
	Instructions  string  `yaml:"instructions"`
	Format        string  `yaml:"format"` // pcm, wav
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	BitDepth      int     `yaml:"bit_depth"`
	Speed         float64 `yaml:"speed"`
}

type PlaybackConfig struct {
	Sink        string  `yaml:"sink"` // null, wav, bus
	OutputPath  string  `yaml:"output_path"`
	Target      string  `yaml:"target"`
	PrebufferMS int     `yaml:"prebuffer_ms"`
	Rate        float64 `yaml:"rate"`
}

type TextConfig struct {
	MaxChunkLength    int `yaml:"max_chunk_length"`
	MinSentenceLength int `yaml:"min_sentence_length"`
}

type NarratorConfig struct {
	Enabled bool `yaml:"enabled"`
	// PublishAudio controls whether synthesized PCM is published on the bus.
	PublishAudio bool `yaml:"publish_audio"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayload:     4 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       10000,
			StoreAudio:    true,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.3,
		},
		Translation: TranslationConfig{
			MaxAttempts:      3,
			InitialBackoffMS: 300,
			CacheSize:        512,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Model:      "gpt-4o-mini-tts",
			Voice:      "alloy",
			Format:     "pcm",
			SampleRate: 24000,
			Channels:   1,
			BitDepth:   16,
			Speed:      1.0,
		},
		Playback: PlaybackConfig{
			Sink:        "null",
			OutputPath:  "./data/narration.wav",
			Target:      "default",
			PrebufferMS: 200,
			Rate:        1.0,
		},
		Text: TextConfig{
			MaxChunkLength:    4000,
			MinSentenceLength: 10,
		},
		Narrator: NarratorConfig{
			Enabled:      true,
			PublishAudio: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.StoreAudio, "LOQA_EVENT_STORE_STORE_AUDIO")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.APIKey, "LOQA_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "LOQA_OPENAI_BASE_URL")
	overrideString(&cfg.OpenAI.Organization, "LOQA_OPENAI_ORGANIZATION")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.Summarization.Model, "LOQA_SUMMARIZATION_MODEL")
	overrideString(&cfg.Summarization.Prompt, "LOQA_SUMMARIZATION_PROMPT")
	overrideString(&cfg.Translation.TargetLanguage, "LOQA_TRANSLATION_TARGET_LANGUAGE")
	overrideString(&cfg.Translation.Model, "LOQA_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.Prompt, "LOQA_TRANSLATION_PROMPT")
	overrideInt(&cfg.Translation.MaxAttempts, "LOQA_TRANSLATION_MAX_ATTEMPTS")
	overrideInt(&cfg.Translation.InitialBackoffMS, "LOQA_TRANSLATION_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Translation.CacheSize, "LOQA_TRANSLATION_CACHE_SIZE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.FallbackModel, "LOQA_TTS_FALLBACK_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.FallbackVoice, "LOQA_TTS_FALLBACK_VOICE")
	overrideString(&cfg.TTS.Instructions, "LOQA_TTS_INSTRUCTIONS")
	overrideString(&cfg.TTS.Format, "LOQA_TTS_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.BitDepth, "LOQA_TTS_BIT_DEPTH")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideString(&cfg.Playback.Sink, "LOQA_PLAYBACK_SINK")
	overrideString(&cfg.Playback.OutputPath, "LOQA_PLAYBACK_OUTPUT_PATH")
	overrideString(&cfg.Playback.Target, "LOQA_PLAYBACK_TARGET")
	overrideInt(&cfg.Playback.PrebufferMS, "LOQA_PLAYBACK_PREBUFFER_MS")
	overrideFloat(&cfg.Playback.Rate, "LOQA_PLAYBACK_RATE")
	overrideInt(&cfg.Text.MaxChunkLength, "LOQA_TEXT_MAX_CHUNK_LENGTH")
	overrideInt(&cfg.Text.MinSentenceLength, "LOQA_TEXT_MIN_SENTENCE_LENGTH")
	overrideBool(&cfg.Narrator.Enabled, "LOQA_NARRATOR_ENABLED")
	overrideBool(&cfg.Narrator.PublishAudio, "LOQA_NARRATOR_PUBLISH_AUDIO")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > 64<<20 {
				return errors.New("bus.max_payload must be between 0 and 64MiB")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}

	switch cfg.LLM.Mode {
	case "openai", "ollama", "exec", "mock":
	default:
		return errors.New("llm.mode must be one of openai|ollama|exec|mock")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}

	if cfg.Translation.MaxAttempts <= 0 {
		return errors.New("translation.max_attempts must be >= 1")
	}
	if cfg.Translation.InitialBackoffMS < 0 {
		return errors.New("translation.initial_backoff_ms must be >= 0")
	}

	switch cfg.TTS.Mode {
	case "openai", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of openai|exec|mock")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	switch cfg.TTS.Format {
	case "pcm", "wav":
	default:
		return errors.New("tts.format must be one of pcm|wav")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.BitDepth != 16 {
		return errors.New("tts.bit_depth must be 16")
	}
	if cfg.TTS.Speed < 0 {
		return errors.New("tts.speed must be >= 0")
	}
	if (cfg.LLM.Mode == "openai" || cfg.TTS.Mode == "openai") && cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key must be set when an openai backend is selected")
	}

	switch cfg.Playback.Sink {
	case "null", "bus":
	case "wav":
		if cfg.Playback.OutputPath == "" {
			return errors.New("playback.output_path must be set when sink=wav")
		}
	default:
		return errors.New("playback.sink must be one of null|wav|bus")
	}
	if cfg.Playback.Sink == "bus" && !cfg.Bus.Enabled {
		return errors.New("playback.sink=bus requires bus.enabled")
	}
	if cfg.Playback.PrebufferMS < 0 {
		return errors.New("playback.prebuffer_ms must be >= 0")
	}

	if cfg.Text.MaxChunkLength <= 0 {
		return errors.New("text.max_chunk_length must be positive")
	}
	if cfg.Text.MinSentenceLength < 0 {
		return errors.New("text.min_sentence_length must be >= 0")
	}
	return nil
}
