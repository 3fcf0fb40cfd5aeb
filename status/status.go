// Package status defines the closed set of Rabbit status codes and the
// coded-error type every engine component raises, generalizing
// p2p/peer_error.go's peerError/newPeerError to the spec's response-line
// semantics (numeric code plus human reason phrase, §4.7).
package status

// Code is a Rabbit response status. The set is closed per spec.md §15/§7;
// unrecognized codes must not be emitted by a conforming engine.
type Code int

const (
	OK               Code = 200
	Content          Code = 200
	Menu             Code = 200
	Description      Code = 200
	Pong             Code = 200
	Resumed          Code = 201
	Subscribed       Code = 201
	Peers            Code = 200
	Done             Code = 204
	Moved            Code = 301
	BadRequest       Code = 400
	Forbidden        Code = 403
	NotFound         Code = 404
	Timeout          Code = 408
	OutOfOrder       Code = 409
	Precondition     Code = 412
	AuthRequired     Code = 440
	FlowLimit        Code = 429
	BadHello         Code = 431
	Canceled         Code = 499
	Busy             Code = 503
	Internal         Code = 520
)

// Reason is the canonical human-readable phrase a Code is paired with on
// the wire, e.g. "200 HELLO", "404 MISSING". Dispatch code may choose a
// more specific reason (e.g. "200 CONTENT" vs "200 MENU") — these are the
// defaults used when no more specific phrase applies.
func (c Code) Reason() string {
	switch c {
	case 200:
		return "OK"
	case 201:
		return "CREATED"
	case 204:
		return "DONE"
	case 301:
		return "MOVED"
	case 400:
		return "BAD REQUEST"
	case 403:
		return "FORBIDDEN"
	case 404:
		return "MISSING"
	case 408:
		return "TIMEOUT"
	case 409:
		return "OUT-OF-ORDER"
	case 412:
		return "PRECONDITION"
	case 429:
		return "FLOW-LIMIT"
	case 431:
		return "BAD-HELLO"
	case 440:
		return "AUTH-REQUIRED"
	case 499:
		return "CANCELED"
	case 503:
		return "BUSY"
	case 520:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies a Code into the error-handling taxonomy of spec.md §7.
type Kind string

const (
	KindMalformed         Kind = "malformed"
	KindProtocolViolation Kind = "protocol-violation"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not-found"
	KindOutOfOrder        Kind = "out-of-order"
	KindPrecondition      Kind = "precondition"
	KindFlowLimit         Kind = "flow-limit"
	KindBadHello          Kind = "bad-hello"
	KindTimeout           Kind = "timeout"
	KindCanceled          Kind = "canceled"
	KindBusy              Kind = "busy"
	KindInternal          Kind = "internal"
)

// KindOf maps a status code to its error-handling kind. Codes outside the
// taxonomy (e.g. the success codes) have no kind and return "".
func KindOf(c Code) Kind {
	switch c {
	case BadRequest:
		return KindMalformed
	case Forbidden:
		return KindForbidden
	case NotFound:
		return KindNotFound
	case OutOfOrder:
		return KindOutOfOrder
	case Precondition:
		return KindPrecondition
	case FlowLimit:
		return KindFlowLimit
	case BadHello:
		return KindBadHello
	case AuthRequired:
		return KindUnauthorized
	case Timeout:
		return KindTimeout
	case Canceled:
		return KindCanceled
	case Busy:
		return KindBusy
	case Internal:
		return KindInternal
	default:
		return ""
	}
}

// CloseReason classifies why a tunnel was torn down, the generalization of
// p2p's DiscReason. Engine-level (lane 0) protocol errors close the whole
// tunnel; lane-local errors close only the lane and never appear here.
type CloseReason string

const (
	CloseRequested       CloseReason = "requested"
	CloseNetworkError    CloseReason = "network-error"
	CloseProtocolError   CloseReason = "protocol-error"
	CloseHeartbeatExpired CloseReason = "heartbeat-expired"
	CloseResumeExpired   CloseReason = "resume-expired"
)
