package wavstream

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	KindInvalidContainer ErrorKind = iota + 1
	KindUnsupportedFormat
	KindUnsupportedChannelCount
	KindUnsupportedSampleRate
	KindUnsupportedBitDepth
	KindMissingFormatChunk
	KindTruncatedHeader
)

var kindNames = map[ErrorKind]string{
	KindInvalidContainer:        "invalid container",
	KindUnsupportedFormat:       "unsupported format",
	KindUnsupportedChannelCount: "unsupported channel count",
	KindUnsupportedSampleRate:   "unsupported sample rate",
	KindUnsupportedBitDepth:     "unsupported bit depth",
	KindMissingFormatChunk:      "missing format chunk",
	KindTruncatedHeader:         "truncated header",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown decode error"
}

// DecodeError is returned for malformed or unsupported WAV streams.
type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "wav decode: " + e.Kind.String()
	}
	return "wav decode: " + e.Kind.String() + ": " + e.Detail
}

// Is matches any DecodeError of the same kind, so callers can compare with
// the Err* values below.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidContainer        = &DecodeError{Kind: KindInvalidContainer}
	ErrUnsupportedFormat       = &DecodeError{Kind: KindUnsupportedFormat}
	ErrUnsupportedChannelCount = &DecodeError{Kind: KindUnsupportedChannelCount}
	ErrUnsupportedSampleRate   = &DecodeError{Kind: KindUnsupportedSampleRate}
	ErrUnsupportedBitDepth     = &DecodeError{Kind: KindUnsupportedBitDepth}
	ErrMissingFormatChunk      = &DecodeError{Kind: KindMissingFormatChunk}
	ErrTruncatedHeader         = &DecodeError{Kind: KindTruncatedHeader}
)

func newError(kind ErrorKind, detail string) error {
	return &DecodeError{Kind: kind, Detail: detail}
}
