// Package frame implements the Rabbit text frame codec: start-line,
// headers, the mandatory End: sentinel and Length/Transfer-delimited
// bodies (spec.md §4.1). It is the leaf of the engine — it knows nothing
// about lanes, sequencing or verbs, only how to turn octets into one Frame
// and back, generalizing p2p/message.go's Msg/readMsg/writeMsg from
// devp2p's binary RLP framing to this protocol's CRLF/UTF-8 text grammar.
package frame

import (
	"strconv"
	"strings"
)

// Frame is either a request (Verb non-empty) or a response (Status
// non-zero). A frame is never both.
type Frame struct {
	Verb    string
	Args    []string
	Status  int
	Reason  string
	Headers Headers
	Body    []byte
}

func NewRequest(verb string, args ...string) *Frame {
	return &Frame{Verb: verb, Args: args, Headers: NewHeaders()}
}

func NewResponse(status int, reason string) *Frame {
	return &Frame{Status: status, Reason: reason, Headers: NewHeaders()}
}

func (f *Frame) IsResponse() bool { return f.Status != 0 }

// Lane returns the frame's Lane: header, defaulting to 0 (control lane)
// when absent, per spec.md §3's "lane 0 reserved for control" invariant.
func (f *Frame) Lane() (uint16, error) {
	v, ok := f.Headers.Get("Lane")
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, newParseError(BadHeader, "invalid Lane header %q", v)
	}
	return uint16(n), nil
}

func (f *Frame) SetLane(lane uint16) {
	f.Headers.Set("Lane", strconv.FormatUint(uint64(lane), 10))
}

func (f *Frame) Txn() (string, bool) {
	return f.Headers.Get("Txn")
}

func (f *Frame) SetTxn(txn string) {
	if txn != "" {
		f.Headers.Set("Txn", txn)
	}
}

func (f *Frame) Seq() (uint64, bool, error) {
	v, ok := f.Headers.Get("Seq")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, true, newParseError(BadHeader, "invalid Seq header %q", v)
	}
	return n, true, nil
}

func (f *Frame) SetSeq(seq uint64) {
	f.Headers.Set("Seq", strconv.FormatUint(seq, 10))
}

// StartLine renders the start-line tokens (verb+args, or status+reason)
// without the trailing CRLF.
func (f *Frame) StartLine() string {
	if f.IsResponse() {
		if f.Reason == "" {
			return strconv.Itoa(f.Status)
		}
		return strconv.Itoa(f.Status) + " " + f.Reason
	}
	parts := append([]string{f.Verb}, f.Args...)
	return strings.Join(parts, " ")
}
