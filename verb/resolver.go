package verb

import (
	"time"

	"github.com/dgoldman0/Rabbit/handshake"
)

// Content is the result of a successful Fetch: a byte payload plus the
// View: header describing its type (spec.md §4.5: "returns 200 CONTENT
// with View: reflecting the content type").
type Content struct {
	View string
	Body []byte
}

// Description is the result of a successful Describe: a semi-structured
// UTF-8 schema body (spec.md §4.5/§21).
type Description struct {
	Body []byte
}

// Delegation is what Resolve returns when a selector belongs to another
// burrow rather than this process: the dispatcher opens or reuses an
// onward tunnel to Target and relays, bounded by the hop-count limit
// (spec.md §9's "recursive warrens" design note).
type Delegation struct {
	Target string // burrow identity or address the selector resolves to onward
}

// Resolution is the outcome of resolving a selector: exactly one of
// Local (handle it here) or Remote (delegate onward) is set.
type Resolution struct {
	Local  bool
	Remote *Delegation
}

// Resolver is the external selector-resolution collaborator of spec.md
// §6: "list(sel), fetch(sel, accept_view), search(sel, query),
// describe(sel), permits(principal, verb, sel)." Resolve is the
// supplemented operation (§9's "resolver capability") that lets a node
// both serve and forward: each selector resolution returns either a
// local producer or a delegated identity.
type Resolver interface {
	Resolve(sel Selector) (Resolution, error)
	List(sel Selector) ([]RabbitmapEntry, error)
	Fetch(sel Selector, acceptView string) (Content, error)
	Search(sel Selector, query string) ([]RabbitmapEntry, error)
	Describe(sel Selector) (Description, error)
	Permits(principal handshake.Identity, verb string, sel Selector) bool
}

// Discoverer is the peer-discovery collaborator of spec.md §6:
// "peers() -> iterator<identity> (feeds OFFER /warren)." The UDP
// multicast mechanics behind it are out of scope per spec.md §1; only
// this consumer-facing shape lives in the core.
type Discoverer interface {
	Peers() ([]handshake.Identity, error)
}

// Forwarder opens or reuses an onward connection to a delegated burrow
// and relays one verb request, returning whatever response frame the
// remote side produced. Implemented outside this package (a burrow-level
// connection pool); Dispatch.delegate only needs this narrow seam.
type Forwarder interface {
	Relay(target string, verbName string, sel Selector, headers map[string]string, body []byte) (status int, reason string, respHeaders map[string]string, respBody []byte, err error)
}

// Now is overridable in tests; defaults to time.Now.
var Now = time.Now
