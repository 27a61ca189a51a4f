package tts

import "context"

// Audio encodings a synthesizer can return.
const (
	FormatPCM = "pcm"
	FormatWAV = "wav"
)

// Default output layout of the providers: 24 kHz signed 16-bit mono.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

// SynthRequest contains parameters to synthesize speech for one sentence.
type SynthRequest struct {
	SessionID    string
	Text         string
	Model        string
	Voice        string
	Instructions string
	Speed        float64
}

// SynthChunk carries audio bytes. Data is raw PCM when Format is "pcm" and a
// slice of a WAV container stream when it is "wav". Characters, when set,
// is the provider-reported usage for the whole request.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	Format     string
	SampleRate int
	Channels   int
	Data       []byte
	Characters int
	Final      bool
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends; at most one error is sent.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
