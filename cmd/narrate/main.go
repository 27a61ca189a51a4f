package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/textseg"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'speak', 'chunk' or 'version'")
		os.Exit(2)
	}
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(os.Args[2:])
	case "chunk":
		err = runChunk(os.Args[2:])
	case "version":
		fmt.Println(runtime.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func runChunk(args []string) error {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	in := fs.String("in", "-", "Input text file, - for stdin")
	maxLength := fs.Int("max", 4000, "Maximum chunk length in characters")
	_ = fs.Parse(args)
	if *maxLength <= 0 {
		return fmt.Errorf("-max must be positive, got %d", *maxLength)
	}

	text, err := readInput(*in)
	if err != nil {
		return err
	}
	for i, chunk := range textseg.Chunk(text, *maxLength) {
		fmt.Printf("--- chunk %d (%s chars)\n%s\n", i+1, humanize.Comma(int64(len([]rune(chunk)))), chunk)
	}
	return nil
}

func runSpeak(args []string) error {
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	in := fs.String("in", "-", "Input text file, - for stdin")
	out := fs.String("out", "narration.wav", "Output WAV file")
	language := fs.String("lang", "", "Translate to this language before speaking")
	voice := fs.String("voice", "", "Voice override")
	provider := fs.String("provider", "", "TTS provider override (openai, exec, mock)")
	summarize := fs.String("summarize-model", "", "Summarize with this model before speaking")
	timeout := fs.Duration("timeout", 10*time.Minute, "Give up after this long")
	verbose := fs.Bool("v", false, "Verbose logging")
	_ = fs.Parse(args)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	text, err := readInput(*in)
	if err != nil {
		return err
	}

	runCfg := pipeline.RunConfig{
		TargetLanguage:     *language,
		Voice:              *voice,
		TTSProvider:        *provider,
		SummarizationModel: *summarize,
	}.Merge(runtime.RunDefaults(cfg))

	type outcome struct {
		result pipeline.Result
		err    error
	}
	done := make(chan outcome, 1)
	observer := pipeline.ObserverFuncs{
		OnSummarySentence: func(_ pipeline.RunID, s string) {
			fmt.Fprintln(os.Stderr, "•", s)
		},
		OnTranslatedSentence: func(_ pipeline.RunID, s string) {
			fmt.Fprintln(os.Stderr, "→", s)
		},
		OnComplete: func(_ pipeline.RunID, res pipeline.Result) {
			done <- outcome{result: res}
		},
		OnError: func(_ pipeline.RunID, err error) {
			done <- outcome{err: err}
		},
	}

	sink := playback.NewWAVFileSink(*out, playback.Format{
		SampleRate: cfg.TTS.SampleRate,
		Channels:   cfg.TTS.Channels,
		BitDepth:   cfg.TTS.BitDepth,
	}, logger)
	orch, buf, err := runtime.BuildPipeline(cfg, sink, observer, nil, logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	session := uuid.NewString()
	logger.Debug("starting narration", slog.String("session", session), slog.Int("chars", len([]rune(text))))
	if _, err := orch.Start(ctx, text, runCfg); err != nil {
		return err
	}

	select {
	case o := <-done:
		// Finalizes the WAV header.
		buf.Stop()
		if o.err != nil {
			return o.err
		}
		res := o.result
		fmt.Fprintf(os.Stderr, "wrote %s: %d sentences, %s of audio, %s, first audio after %s\n",
			*out,
			res.Sentences,
			humanize.IBytes(uint64(res.AudioBytes)),
			audioLength(res.AudioBytes, cfg.TTS),
			res.FirstAudio.Round(time.Millisecond))
		if res.TranslationPromptTokens+res.SummaryPromptTokens > 0 {
			fmt.Fprintf(os.Stderr, "tokens: summary %d/%d, translation %d/%d\n",
				res.SummaryPromptTokens, res.SummaryCompletionTokens,
				res.TranslationPromptTokens, res.TranslationCompletionTokens)
		}
		return nil
	case <-ctx.Done():
		orch.Cancel()
		buf.Stop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("narration timed out after %s", *timeout)
		}
		return errors.New("narration cancelled")
	}
}

func audioLength(bytes int, cfg config.TTSConfig) time.Duration {
	frame := cfg.Channels * cfg.BitDepth / 8
	if frame <= 0 || cfg.SampleRate <= 0 {
		return 0
	}
	d := time.Duration(bytes/frame) * time.Second / time.Duration(cfg.SampleRate)
	return d.Round(10 * time.Millisecond)
}
