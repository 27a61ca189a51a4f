package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.RuntimeName != "loqa-narrator" {
		t.Fatalf("expected default runtime name, got %s", cfg.RuntimeName)
	}
	if cfg.TTS.Mode != "mock" || cfg.LLM.Mode != "mock" {
		t.Fatalf("expected offline backends by default, got llm=%s tts=%s", cfg.LLM.Mode, cfg.TTS.Mode)
	}
	if cfg.TTS.SampleRate != 24000 || cfg.TTS.Channels != 1 || cfg.TTS.BitDepth != 16 {
		t.Fatalf("unexpected audio format %+v", cfg.TTS)
	}
	if cfg.Translation.MaxAttempts != 3 || cfg.Translation.InitialBackoffMS != 300 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Translation)
	}
	if cfg.Text.MaxChunkLength != 4000 || cfg.Text.MinSentenceLength != 10 {
		t.Fatalf("unexpected text defaults %+v", cfg.Text)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "narrator.yaml")
	content := `
runtime_name: test-narrator
translation:
  target_language: German
  model: gpt-4o-mini
tts:
  mode: mock
  format: wav
  voice: nova
playback:
  sink: wav
  output_path: ` + filepath.Join(dir, "out.wav") + `
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-narrator" {
		t.Fatalf("runtime name not loaded: %s", cfg.RuntimeName)
	}
	if cfg.Translation.TargetLanguage != "German" || cfg.TTS.Format != "wav" || cfg.TTS.Voice != "nova" {
		t.Fatalf("yaml values not applied: %+v %+v", cfg.Translation, cfg.TTS)
	}
	// Unset keys keep their defaults.
	if cfg.TTS.SampleRate != 24000 {
		t.Fatalf("expected default sample rate, got %d", cfg.TTS.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_TTS_VOICE", "shimmer")
	t.Setenv("LOQA_TTS_SPEED", "1.25")
	t.Setenv("LOQA_TRANSLATION_TARGET_LANGUAGE", "French")
	t.Setenv("LOQA_TEXT_MIN_SENTENCE_LENGTH", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded bus to be disabled")
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://b:4222" {
		t.Fatalf("unexpected servers %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("unexpected retention mode %s", cfg.EventStore.RetentionMode)
	}
	if cfg.TTS.Voice != "shimmer" || cfg.TTS.Speed != 1.25 {
		t.Fatalf("tts overrides not applied: %+v", cfg.TTS)
	}
	if cfg.Translation.TargetLanguage != "French" || cfg.Text.MinSentenceLength != 4 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Translation, cfg.Text)
	}
}

func TestOpenAIKeyPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-generic")
	t.Setenv("LOQA_TTS_MODE", "openai")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-generic" {
		t.Fatalf("expected generic key, got %q", cfg.OpenAI.APIKey)
	}

	t.Setenv("LOQA_OPENAI_API_KEY", "sk-loqa")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-loqa" {
		t.Fatalf("expected prefixed key to win, got %q", cfg.OpenAI.APIKey)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad llm mode":       func(c *Config) { c.LLM.Mode = "gpt" },
		"exec without cmd":   func(c *Config) { c.TTS.Mode = "exec" },
		"bad format":         func(c *Config) { c.TTS.Format = "mp3" },
		"bit depth":          func(c *Config) { c.TTS.BitDepth = 24 },
		"openai without key": func(c *Config) { c.TTS.Mode = "openai"; c.OpenAI.APIKey = "" },
		"bus sink no bus":    func(c *Config) { c.Playback.Sink = "bus"; c.Bus.Enabled = false },
		"zero attempts":      func(c *Config) { c.Translation.MaxAttempts = 0 },
		"chunk length":       func(c *Config) { c.Text.MaxChunkLength = 0 },
		"retention mode":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"trace exporter":     func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"otlp no endpoint":   func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"sample ratio":       func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
