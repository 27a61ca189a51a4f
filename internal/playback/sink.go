package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Duration returns how long buf plays at normal speed.
func Duration(buf *audio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return 0
	}
	frames := len(buf.Data) / buf.Format.NumChannels
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

type pacedItem struct {
	buf  *audio.IntBuffer
	done func()
}

// PacedSink plays buffers on a real-time clock. Each buffer is handed to the
// output func and then held for its duration divided by the rate before its
// completion fires. With a nil output it behaves like a silent device.
type PacedSink struct {
	output func(*audio.IntBuffer) error
	log    *slog.Logger

	mu      sync.Mutex
	queue   []pacedItem
	wake    chan struct{}
	cancel  context.CancelFunc
	running bool
	rate    float64
}

func NewPacedSink(output func(*audio.IntBuffer) error, log *slog.Logger) *PacedSink {
	return &PacedSink{
		output: output,
		log:    log.With(slog.String("component", "paced-sink")),
		rate:   1.0,
	}
}

func (s *PacedSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wake = make(chan struct{}, 1)
	s.queue = nil
	s.running = true
	go s.run(ctx, s.wake)
	return nil
}

func (s *PacedSink) Schedule(buf *audio.IntBuffer, done func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.queue = append(s.queue, pacedItem{buf: buf, done: done})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PacedSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.queue = nil
	s.running = false
}

func (s *PacedSink) SetRate(rate float64) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

func (s *PacedSink) run(ctx context.Context, wake <-chan struct{}) {
	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		rate := s.rate
		s.mu.Unlock()
		if rate <= 0 {
			rate = 1
		}

		if s.output != nil {
			if err := s.output(item.buf); err != nil {
				s.log.Warn("audio output failed", slogError(err))
			}
		}
		wait := time.Duration(float64(Duration(item.buf)) / rate)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		item.done()
	}
}

// EncodeWAV wraps pcm in a RIFF/WAVE container in memory.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	var buf seekBuffer
	if err := WriteWAV(&buf, pcm, format); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	n := copy(b.data[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("seek: negative position %d", pos)
	}
	b.pos = int(pos)
	return pos, nil
}

// WriteWAV encodes a complete PCM recording as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	enc := wav.NewEncoder(w, format.SampleRate, format.BitDepth, format.Channels, 1)
	whole := len(pcm) - len(pcm)%format.frameSize()
	if whole > 0 {
		if err := enc.Write(IntBuffer(pcm[:whole], format)); err != nil {
			return fmt.Errorf("write wav samples: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WAVFileSink writes the session's audio to a WAV file. Buffers complete as
// soon as they are written; the header is finalized on Stop.
type WAVFileSink struct {
	path   string
	format Format
	log    *slog.Logger

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
}

func NewWAVFileSink(path string, format Format, log *slog.Logger) *WAVFileSink {
	return &WAVFileSink{
		path:   path,
		format: format,
		log:    log.With(slog.String("component", "wav-sink")),
	}
}

func (s *WAVFileSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create wav output: %w", err)
	}
	s.file = f
	s.enc = wav.NewEncoder(f, s.format.SampleRate, s.format.BitDepth, s.format.Channels, 1)
	return nil
}

func (s *WAVFileSink) Schedule(buf *audio.IntBuffer, done func()) {
	s.mu.Lock()
	if s.enc == nil {
		s.mu.Unlock()
		return
	}
	if err := s.enc.Write(buf); err != nil {
		s.log.Warn("failed to write wav buffer", slogError(err))
	}
	s.mu.Unlock()
	done()
}

func (s *WAVFileSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	if err := s.enc.Close(); err != nil {
		s.log.Warn("failed to finalize wav output", slogError(err))
	}
	if err := s.file.Close(); err != nil {
		s.log.Warn("failed to close wav output", slogError(err))
	}
	s.enc = nil
	s.file = nil
}

func (s *WAVFileSink) SetRate(float64) {}

// MemorySink keeps scheduled buffers in memory. With AutoComplete unset,
// completions fire only when Complete is called.
type MemorySink struct {
	AutoComplete bool

	mu      sync.Mutex
	starts  int
	stops   int
	rate    float64
	buffers []*audio.IntBuffer
	waiting []func()
}

func (s *MemorySink) Start() error {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Schedule(buf *audio.IntBuffer, done func()) {
	s.mu.Lock()
	s.buffers = append(s.buffers, buf)
	if !s.AutoComplete {
		s.waiting = append(s.waiting, done)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	done()
}

func (s *MemorySink) Stop() {
	s.mu.Lock()
	s.stops++
	s.waiting = nil
	s.mu.Unlock()
}

func (s *MemorySink) SetRate(rate float64) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// Complete fires the completion of the oldest n outstanding buffers.
func (s *MemorySink) Complete(n int) {
	s.mu.Lock()
	n = min(n, len(s.waiting))
	fire := s.waiting[:n]
	s.waiting = append([]func(){}, s.waiting[n:]...)
	s.mu.Unlock()
	for _, done := range fire {
		done()
	}
}

func (s *MemorySink) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *MemorySink) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Samples returns every scheduled sample in order.
func (s *MemorySink) Samples() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.buffers {
		out = append(out, b.Data...)
	}
	return out
}
