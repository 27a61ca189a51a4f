// Package playback buffers streamed PCM and feeds it to an audio sink once
// enough has arrived to play without underruns.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

const (
	DefaultPrebuffer = 200 * time.Millisecond
	MinPlaybackRate  = 0.5
	MaxPlaybackRate  = 2.0
)

// Format describes the PCM stream handed to Enqueue.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f Format) frameSize() int { return f.Channels * f.BitDepth / 8 }

// Validate rejects layouts the buffer cannot convert.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("playback: invalid format %+v", f)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("playback: unsupported bit depth %d", f.BitDepth)
	}
	return nil
}

// Sink is an audio output device. Schedule must play buffers in call order
// and invoke done once per buffer when it has finished playing. Stop drops
// queued buffers without invoking their done funcs.
type Sink interface {
	Start() error
	Schedule(buf *audio.IntBuffer, done func())
	Stop()
	SetRate(rate float64)
}

// StreamBuffer collects PCM for one playback session at a time. It starts the
// sink once the prebuffer threshold is reached and reports completion exactly
// once, after the stream is marked complete and every scheduled buffer has
// played.
type StreamBuffer struct {
	sink       Sink
	format     Format
	minSamples int
	log        *slog.Logger

	// scheduleMu keeps sink scheduling in FIFO order across producers. It is
	// never taken by completion handlers.
	scheduleMu sync.Mutex

	mu              sync.Mutex
	session         uint64
	pending         []*audio.IntBuffer
	residual        []byte
	bufferedSamples int
	scheduled       int
	completed       int
	started         bool
	streamFinished  bool
	engineRunning   bool
	notified        bool
	rate            float64
	onComplete      func()
}

// NewStreamBuffer creates a buffer for the given format. prebuffer is the
// amount of audio collected before playback starts.
func NewStreamBuffer(sink Sink, format Format, prebuffer time.Duration, log *slog.Logger) (*StreamBuffer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if prebuffer <= 0 {
		prebuffer = DefaultPrebuffer
	}
	return &StreamBuffer{
		sink:       sink,
		format:     format,
		minSamples: int(prebuffer.Seconds() * float64(format.SampleRate)),
		log:        log.With(slog.String("component", "playback")),
		rate:       1.0,
	}, nil
}

// OnComplete registers the completion callback for subsequent sessions.
func (b *StreamBuffer) OnComplete(fn func()) {
	b.mu.Lock()
	b.onComplete = fn
	b.mu.Unlock()
}

// Enqueue converts pcm to a typed buffer and either queues it or schedules it
// right away when playback is already running. It returns the sink's error
// when crossing the prebuffer threshold fails to start playback; the audio
// stays pending.
func (b *StreamBuffer) Enqueue(pcm []byte) error {
	b.scheduleMu.Lock()
	defer b.scheduleMu.Unlock()

	b.mu.Lock()
	buf := b.convert(pcm)
	if buf == nil {
		b.mu.Unlock()
		return nil
	}
	if b.started {
		session := b.session
		b.scheduled++
		b.mu.Unlock()
		b.sink.Schedule(buf, b.completionHandler(session))
		return nil
	}
	b.pending = append(b.pending, buf)
	b.bufferedSamples += len(buf.Data) / b.format.Channels
	if b.bufferedSamples < b.minSamples {
		b.mu.Unlock()
		return nil
	}
	return b.startLocked()
}

// MarkStreamComplete records that no more audio will arrive. A session that
// never reached the prebuffer threshold starts playing what it has; a sink
// that fails to start is reported and completion never fires.
func (b *StreamBuffer) MarkStreamComplete() error {
	b.scheduleMu.Lock()
	defer b.scheduleMu.Unlock()

	b.mu.Lock()
	b.streamFinished = true
	if !b.started && len(b.pending) > 0 {
		if err := b.startLocked(); err != nil {
			return err
		}
		b.mu.Lock()
	}
	fire := b.checkCompletionLocked()
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
	return nil
}

// startLocked flushes pending buffers into the sink. It is entered with mu
// held and scheduleMu held, and returns with mu released.
func (b *StreamBuffer) startLocked() error {
	if !b.engineRunning {
		if err := b.sink.Start(); err != nil {
			b.mu.Unlock()
			b.log.Warn("audio sink failed to start", slogError(err))
			return fmt.Errorf("start audio sink: %w", err)
		}
		b.engineRunning = true
	}
	b.sink.SetRate(b.rate)
	flush := b.pending
	b.pending = nil
	b.scheduled += len(flush)
	b.started = true
	session := b.session
	b.mu.Unlock()

	for _, buf := range flush {
		b.sink.Schedule(buf, b.completionHandler(session))
	}
	return nil
}

func (b *StreamBuffer) completionHandler(session uint64) func() {
	return func() {
		b.mu.Lock()
		if session != b.session {
			b.mu.Unlock()
			return
		}
		b.completed++
		fire := b.checkCompletionLocked()
		b.mu.Unlock()
		if fire != nil {
			fire()
		}
	}
}

// checkCompletionLocked returns the callback to run if the session just
// completed.
func (b *StreamBuffer) checkCompletionLocked() func() {
	if b.notified || !b.streamFinished || b.scheduled == 0 || b.completed < b.scheduled {
		return nil
	}
	b.notified = true
	if b.onComplete == nil {
		return func() {}
	}
	return b.onComplete
}

// Stop halts the sink and drops pending audio. Scheduled and completed
// counters survive until Reset.
func (b *StreamBuffer) Stop() {
	b.scheduleMu.Lock()
	defer b.scheduleMu.Unlock()

	b.mu.Lock()
	running := b.engineRunning
	b.engineRunning = false
	b.pending = nil
	b.residual = nil
	b.bufferedSamples = 0
	b.started = false
	b.mu.Unlock()

	if running {
		b.sink.Stop()
	}
}

// Reset stops playback and starts a new session.
func (b *StreamBuffer) Reset() {
	b.Stop()
	b.mu.Lock()
	b.session++
	b.scheduled = 0
	b.completed = 0
	b.streamFinished = false
	b.notified = false
	b.mu.Unlock()
}

// SetPlaybackRate changes the playback speed, clamped to [0.5, 2.0].
func (b *StreamBuffer) SetPlaybackRate(rate float64) {
	rate = min(max(rate, MinPlaybackRate), MaxPlaybackRate)
	b.mu.Lock()
	b.rate = rate
	running := b.engineRunning
	b.mu.Unlock()
	if running {
		b.sink.SetRate(rate)
	}
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Scheduled      int
	Completed      int
	Pending        int
	Started        bool
	StreamFinished bool
}

func (b *StreamBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Scheduled:      b.scheduled,
		Completed:      b.completed,
		Pending:        len(b.pending),
		Started:        b.started,
		StreamFinished: b.streamFinished,
	}
}

// convert turns little-endian 16-bit PCM into an IntBuffer, carrying any
// partial frame over to the next call.
func (b *StreamBuffer) convert(pcm []byte) *audio.IntBuffer {
	data := pcm
	if len(b.residual) > 0 {
		data = append(b.residual, pcm...)
		b.residual = nil
	}
	frame := b.format.frameSize()
	whole := len(data) - len(data)%frame
	if whole < len(data) {
		b.residual = append([]byte(nil), data[whole:]...)
	}
	if whole == 0 {
		return nil
	}
	return IntBuffer(data[:whole], b.format)
}

// IntBuffer converts whole frames of little-endian 16-bit PCM.
func IntBuffer(pcm []byte, format Format) *audio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
