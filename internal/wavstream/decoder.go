// Package wavstream parses a RIFF/WAVE byte stream into raw PCM as the bytes
// arrive, without waiting for the whole file.
package wavstream

import (
	"encoding/binary"
	"fmt"
)

// State is the decoder's position in the container.
type State int

const (
	AwaitingHeader State = iota
	StreamingPCM
	Completed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case StreamingPCM:
		return "streaming_pcm"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	minFmtSize      = 16
	pcmFormatCode   = 1
)

// Format is the PCM layout a stream must carry.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Decoder incrementally strips the WAV container. Create one per stream.
// It is not safe for concurrent use.
type Decoder struct {
	expected        Format
	state           State
	buf             []byte
	remaining       uint32
	formatValidated bool
	err             error
}

// NewDecoder returns a decoder that accepts only the expected format.
func NewDecoder(expected Format) *Decoder {
	return &Decoder{expected: expected}
}

// State reports the current parse state.
func (d *Decoder) State() State { return d.state }

// Consume feeds the next chunk of container bytes. It returns the PCM payload
// bytes available so far, or nil when more input is needed. Errors are
// terminal.
func (d *Decoder) Consume(chunk []byte) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	switch d.state {
	case AwaitingHeader:
		d.buf = append(d.buf, chunk...)
		pcm, err := d.parseHeader()
		if err != nil {
			d.err = err
			d.buf = nil
			return nil, err
		}
		return pcm, nil
	case StreamingPCM:
		return d.take(chunk), nil
	default:
		return nil, nil
	}
}

// Finalize reports a truncated stream that never got past its header.
func (d *Decoder) Finalize() error {
	if d.err != nil {
		return d.err
	}
	if d.state == AwaitingHeader && len(d.buf) > 0 {
		return newError(KindTruncatedHeader, fmt.Sprintf("%d header bytes buffered", len(d.buf)))
	}
	return nil
}

// Reset prepares the decoder for a new stream.
func (d *Decoder) Reset() {
	d.state = AwaitingHeader
	d.buf = nil
	d.remaining = 0
	d.formatValidated = false
	d.err = nil
}

func (d *Decoder) parseHeader() ([]byte, error) {
	if len(d.buf) < riffHeaderSize {
		return nil, nil
	}
	if string(d.buf[0:4]) != "RIFF" || string(d.buf[8:12]) != "WAVE" {
		return nil, newError(KindInvalidContainer, "missing RIFF/WAVE magic")
	}

	offset := riffHeaderSize
	for {
		if len(d.buf)-offset < chunkHeaderSize {
			return nil, nil
		}
		id := string(d.buf[offset : offset+4])
		size := binary.LittleEndian.Uint32(d.buf[offset+4 : offset+8])
		body := offset + chunkHeaderSize

		if id == "data" {
			if !d.formatValidated {
				return nil, newError(KindMissingFormatChunk, "data chunk before fmt chunk")
			}
			d.state = StreamingPCM
			d.remaining = size
			payload := d.buf[body:]
			d.buf = nil
			return d.take(payload), nil
		}

		padded := int(size) + int(size&1)
		if len(d.buf)-body < padded {
			return nil, nil
		}
		if id == "fmt " {
			if err := d.validateFormat(d.buf[body : body+int(size)]); err != nil {
				return nil, err
			}
		}
		offset = body + padded
	}
}

func (d *Decoder) validateFormat(fmtChunk []byte) error {
	if len(fmtChunk) < minFmtSize {
		return newError(KindInvalidContainer, fmt.Sprintf("fmt chunk too small: %d bytes", len(fmtChunk)))
	}
	code := binary.LittleEndian.Uint16(fmtChunk[0:2])
	channels := int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
	sampleRate := int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
	bitDepth := int(binary.LittleEndian.Uint16(fmtChunk[14:16]))

	if code != pcmFormatCode {
		return newError(KindUnsupportedFormat, fmt.Sprintf("format code %d", code))
	}
	if channels != d.expected.Channels {
		return newError(KindUnsupportedChannelCount, fmt.Sprintf("got %d, want %d", channels, d.expected.Channels))
	}
	if sampleRate != d.expected.SampleRate {
		return newError(KindUnsupportedSampleRate, fmt.Sprintf("got %d, want %d", sampleRate, d.expected.SampleRate))
	}
	if bitDepth != d.expected.BitDepth {
		return newError(KindUnsupportedBitDepth, fmt.Sprintf("got %d, want %d", bitDepth, d.expected.BitDepth))
	}
	d.formatValidated = true
	return nil
}

// take returns up to remaining payload bytes from p.
func (d *Decoder) take(p []byte) []byte {
	if d.state != StreamingPCM {
		return nil
	}
	n := len(p)
	if uint64(n) > uint64(d.remaining) {
		n = int(d.remaining)
	}
	d.remaining -= uint32(n)
	if d.remaining == 0 {
		d.state = Completed
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, p[:n])
	return out
}
