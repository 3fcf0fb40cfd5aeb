package status

import "fmt"

// Error is the coded error every dispatcher, lane and handshake step
// raises, generalizing p2p/peer_error.go's peerError to carry the Lane/Txn
// echo spec.md §4.7 requires on every error response.
type Error struct {
	Code   Code
	Reason string // overrides Code.Reason() when non-empty
	Lane   uint16
	HasLane bool
	Txn    string
	Detail string // free-form diagnostic, never sent on the wire
}

func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WithLane attaches the Lane/Txn that were present on the causing request.
func (e *Error) WithLane(lane uint16) *Error {
	e.Lane = lane
	e.HasLane = true
	return e
}

func (e *Error) WithTxn(txn string) *Error {
	e.Txn = txn
	return e
}

func (e *Error) ReasonPhrase() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Code.Reason()
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.ReasonPhrase(), e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Code, e.ReasonPhrase())
}

// CloseReasonFor classifies an error the way discReasonForError classifies
// a devp2p protocol error: engine-level errors on lane 0 close the tunnel,
// everything else stays lane-local (caller decides based on which lane the
// error occurred on — this only supplies the tunnel-level reason when the
// caller has already decided to close).
func CloseReasonFor(err error) CloseReason {
	e, ok := err.(*Error)
	if !ok {
		return CloseNetworkError
	}
	switch KindOf(e.Code) {
	case KindCanceled:
		return CloseRequested
	case KindTimeout, KindOutOfOrder, KindFlowLimit, KindBadHello, KindMalformed:
		return CloseProtocolError
	default:
		return CloseProtocolError
	}
}
