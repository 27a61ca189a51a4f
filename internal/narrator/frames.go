package narrator

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// FramePublisher turns scheduled playback buffers into AudioFrame messages
// on playback.frame.<target>, so a remote device can play the narration.
type FramePublisher struct {
	pub     Publisher
	target  string
	subject string

	mu       sync.Mutex
	sequence int
}

func NewFramePublisher(pub Publisher, target string) *FramePublisher {
	return &FramePublisher{
		pub:     pub,
		target:  target,
		subject: protocol.PlaybackSubject(target),
	}
}

// NewBusSink returns a real-time paced sink that publishes each buffer as a frame.
func NewBusSink(pub Publisher, target string, log *slog.Logger) *playback.PacedSink {
	return playback.NewPacedSink(NewFramePublisher(pub, target).Output, log)
}

// Output publishes one buffer. It is the PacedSink output func.
func (f *FramePublisher) Output(buf *audio.IntBuffer) error {
	if buf == nil || buf.Format == nil {
		return nil
	}
	f.mu.Lock()
	seq := f.sequence
	f.sequence++
	f.mu.Unlock()
	return f.pub.Publish(f.subject, protocol.AudioFrame{
		Target:     f.target,
		Sequence:   seq,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		PCM:        encodePCM16(buf.Data),
	})
}

func encodePCM16(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
