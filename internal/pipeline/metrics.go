package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

type metrics struct {
	runs               metric.Int64Counter
	sentences          metric.Int64Counter
	translationRetries metric.Int64Counter
	ttsCharacters      metric.Int64Counter
	firstAudio         metric.Float64Histogram
	runDuration        metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		m    metrics
		err  error
		errs []error
	)
	m.runs, err = meter.Int64Counter("narrator.runs", metric.WithDescription("Pipeline runs by outcome"))
	errs = append(errs, err)
	m.sentences, err = meter.Int64Counter("narrator.sentences", metric.WithDescription("Sentences sent to synthesis"))
	errs = append(errs, err)
	m.translationRetries, err = meter.Int64Counter("narrator.translation.retries", metric.WithDescription("Translation attempts that were retried"))
	errs = append(errs, err)
	m.ttsCharacters, err = meter.Int64Counter("narrator.tts.characters", metric.WithDescription("Characters billed by the speech provider"))
	errs = append(errs, err)
	m.firstAudio, err = meter.Float64Histogram("narrator.first_audio.latency", metric.WithUnit("s"), metric.WithDescription("Time from run start to first audio"))
	errs = append(errs, err)
	m.runDuration, err = meter.Float64Histogram("narrator.run.duration", metric.WithUnit("s"))
	errs = append(errs, err)
	return &m, errors.Join(errs...)
}

func (m *metrics) run(outcome, provider string) {
	if m.runs == nil {
		return
	}
	m.runs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("tts.provider", provider),
	))
}

func (m *metrics) sentence() {
	if m.sentences != nil {
		m.sentences.Add(context.Background(), 1)
	}
}

func (m *metrics) retry() {
	if m.translationRetries != nil {
		m.translationRetries.Add(context.Background(), 1)
	}
}

func (m *metrics) characters(n int) {
	if m.ttsCharacters != nil && n > 0 {
		m.ttsCharacters.Add(context.Background(), int64(n))
	}
}

func (m *metrics) firstAudioLatency(d time.Duration) {
	if m.firstAudio != nil {
		m.firstAudio.Record(context.Background(), d.Seconds())
	}
}

func (m *metrics) duration(d time.Duration) {
	if m.runDuration != nil {
		m.runDuration.Record(context.Background(), d.Seconds())
	}
}
