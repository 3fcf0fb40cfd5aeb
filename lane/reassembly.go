package lane

import "fmt"

// reassembly buffers a chunked body (Transfer: chunked, §4.1) across its
// Part: BEGIN/MORE/END frames. Buffered bytes are capped per Txn per
// spec.md §9: "overflow yields 400 frame-too-large and cancels the Txn."
type reassembly struct {
	buf []byte
	cap int
}

func newReassembly(cap int) *reassembly {
	return &reassembly{cap: cap}
}

// append adds a chunk. done indicates the chunk was a Part: END frame; the
// returned body is only valid when done is true.
func (r *reassembly) append(chunk []byte, done bool) (body []byte, err error) {
	if len(r.buf)+len(chunk) > r.cap {
		return nil, fmt.Errorf("chunked body exceeds %d bytes", r.cap)
	}
	r.buf = append(r.buf, chunk...)
	if !done {
		return nil, nil
	}
	return r.buf, nil
}
