package tts

import (
	"context"
	"errors"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/sashabaranov/go-openai"
)

const (
	readChunkSize = 4096
	// Providers that meter by character report the billed count here.
	characterCountHeader = "X-Character-Count"
)

type openAISynth struct {
	client *openai.Client
	format string
}

// NewOpenAISynth streams speech from the audio/speech endpoint. format is
// FormatPCM (24 kHz 16-bit mono) or FormatWAV.
func NewOpenAISynth(client *openai.Client, format string) Synthesizer {
	if format != FormatWAV {
		format = FormatPCM
	}
	return &openAISynth{client: client, format: format}
}

func (s *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		responseFormat := openai.SpeechResponseFormatPcm
		if s.format == FormatWAV {
			responseFormat = openai.SpeechResponseFormatWav
		}
		resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(req.Model),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(req.Voice),
			Instructions:   req.Instructions,
			ResponseFormat: responseFormat,
			Speed:          req.Speed,
		})
		if err != nil {
			errs <- apierr.Classify("create speech", err)
			return
		}
		defer resp.Close()

		characters := utf8.RuneCountInString(req.Text)
		if v := resp.Header().Get(characterCountHeader); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				characters = n
			}
		}

		sequence := 0
		send := func(chunk SynthChunk) bool {
			chunk.SessionID = req.SessionID
			chunk.Sequence = sequence
			chunk.Format = s.format
			chunk.SampleRate = DefaultSampleRate
			chunk.Channels = DefaultChannels
			sequence++
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}

		buf := make([]byte, readChunkSize)
		for {
			n, err := resp.Read(buf)
			if n > 0 {
				if !send(SynthChunk{Data: append([]byte(nil), buf[:n]...)}) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errs <- apierr.Classify("read speech", err)
				return
			}
		}
		send(SynthChunk{Characters: characters, Final: true})
	}()
	return chunks, errs
}
