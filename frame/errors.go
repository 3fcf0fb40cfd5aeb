package frame

import "fmt"

// ErrorKind enumerates the codec-level failure modes of spec.md §4.1.
// Every ParseError is fatal to the tunnel it occurred on (§7: "codec
// errors on a partial frame close the tunnel").
type ErrorKind string

const (
	MalformedStartLine ErrorKind = "malformed-start-line"
	BadHeader          ErrorKind = "bad-header"
	MissingEnd         ErrorKind = "missing-end"
	BodyTooShort       ErrorKind = "body-too-short"
	BadLength          ErrorKind = "bad-length"
	MixedTransfer      ErrorKind = "mixed-transfer"
	FrameTooLarge      ErrorKind = "frame-too-large"
	BadUTF8            ErrorKind = "bad-utf8"
	BareLF             ErrorKind = "bare-lf"
)

// ParseError is returned by Codec.Decode. The Kind drives the 400 reason
// phrase a caller maps it to; BodyTooShort additionally means the stream
// itself is now unrecoverable (the declared Length was never satisfied).
type ParseError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newParseError(kind ErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
