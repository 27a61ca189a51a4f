package protocol

import (
	"time"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

const (
	SubjectNarrateRequest      = "narrate.request"
	SubjectNarrateCancel       = "narrate.cancel"
	SubjectSummarySentence     = "narrate.sentence.summary"
	SubjectTranslatedSentence  = "narrate.sentence.translated"
	SubjectAudio               = "narrate.audio"
	SubjectProgress            = "narrate.progress"
	SubjectDone                = "narrate.done"
	SubjectError               = "narrate.error"
	SubjectPlaybackFramePrefix = "playback.frame"
)

// PlaybackSubject returns the frame subject for a playback target.
func PlaybackSubject(target string) string {
	if target == "" {
		target = "default"
	}
	return SubjectPlaybackFramePrefix + "." + target
}

// NarrateRequest asks the narrator to start a run, superseding any current one.
type NarrateRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	Text      string             `json:"text"`
	Config    pipeline.RunConfig `json:"config"`
	TraceID   string             `json:"trace_id,omitempty"`
}

// NarrateReply answers a request sent with a reply subject.
type NarrateReply struct {
	RequestID string `json:"request_id"`
	RunID     uint64 `json:"run_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SentenceEvent carries one summary or translated sentence.
type SentenceEvent struct {
	RunID     uint64    `json:"run_id"`
	RequestID string    `json:"request_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioEvent carries decoded PCM for one sentence.
type AudioEvent struct {
	RunID      uint64 `json:"run_id"`
	RequestID  string `json:"request_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// ProgressEvent reports a stage label.
type ProgressEvent struct {
	RunID     uint64 `json:"run_id"`
	RequestID string `json:"request_id,omitempty"`
	Label     string `json:"label"`
}

// DoneEvent is the terminal success event.
type DoneEvent struct {
	RunID     uint64          `json:"run_id"`
	RequestID string          `json:"request_id,omitempty"`
	Result    pipeline.Result `json:"result"`
}

// ErrorEvent is the terminal failure event.
type ErrorEvent struct {
	RunID     uint64 `json:"run_id"`
	RequestID string `json:"request_id,omitempty"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// AudioFrame is PCM handed to a remote playback device.
type AudioFrame struct {
	Target     string `json:"target"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Envelope wraps an event for the WebSocket stream, which carries every
// subject on one connection.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ClientMessage is what WebSocket clients send.
type ClientMessage struct {
	Type    string          `json:"type"` // narrate, cancel
	Request *NarrateRequest `json:"request,omitempty"`
}
