package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/playback"
)

const (
	mockToneHz      = 440.0
	mockPerRune     = 4 * time.Millisecond
	mockMinDuration = 80 * time.Millisecond
	mockMaxDuration = 6 * time.Second
)

// mockSynth produces a deterministic sine tone whose length follows the text
// length. It needs no network and is used for local runs and tests.
type mockSynth struct {
	sampleRate int
	channels   int
	format     string
}

func NewMockSynth(sampleRate, channels int, format string) Synthesizer {
	if format != FormatWAV {
		format = FormatPCM
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, format: format}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		data := Tone(req.Text, m.sampleRate, m.channels)
		if m.format == FormatWAV {
			encoded, err := playback.EncodeWAV(data, playback.Format{SampleRate: m.sampleRate, Channels: m.channels, BitDepth: DefaultBitDepth})
			if err != nil {
				errs <- err
				return
			}
			data = encoded
		}
		characters := utf8.RuneCountInString(req.Text)
		sequence := 0
		for len(data) > 0 {
			n := min(readChunkSize, len(data))
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				Format:     m.format,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				Data:       data[:n],
				Final:      n == len(data),
			}
			if chunk.Final {
				chunk.Characters = characters
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			data = data[n:]
			sequence++
		}
	}()
	return chunks, errs
}

// Tone renders the mock audio for text as little-endian 16-bit PCM.
func Tone(text string, sampleRate, channels int) []byte {
	duration := time.Duration(utf8.RuneCountInString(text)) * mockPerRune
	duration = min(max(duration, mockMinDuration), mockMaxDuration)
	frames := int(duration.Seconds() * float64(sampleRate))
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(v))
		}
	}
	return out
}
