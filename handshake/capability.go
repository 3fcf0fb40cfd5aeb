// Package handshake implements HELLO/AUTH/CHALLENGE negotiation and
// identity binding (spec.md §4.4), grounded on p2p/peer.go's
// protoHandshake/Cap/matchProtocols for the negotiation envelope and on
// original_source/security/auth.rs for the challenge/proof shape.
package handshake

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Recognized capability tokens (spec.md §4.4). "lanes" is required; the
// rest are optional and only take effect when both sides advertise them.
// "since-seq" is the token negotiating Open Question (a): whether
// SUBSCRIBE's Since: header accepts opaque seq tokens in addition to
// timestamps.
const (
	CapLanes    = "lanes"
	CapAsync    = "async"
	CapUI       = "ui"
	CapResume   = "resume"
	CapChunked  = "chunked"
	CapEvents   = "events"
	CapSinceSeq = "since-seq"
)

// Capabilities is the set of tokens one side advertised in its Caps:
// header. Negotiation is a plain set intersection (§4.4), which
// generalizes the teacher's sorted-slice capsByName matching — that
// matching is keyed on (name, version) pairs from a fixed subprotocol
// list, whereas Rabbit's capability vocabulary is an open string set with
// no versioning, making a set type the more direct fit.
type Capabilities = mapset.Set[string]

// ParseCaps parses a comma-separated Caps: header value.
func ParseCaps(header string) Capabilities {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			set.Add(tok)
		}
	}
	return set
}

// FormatCaps renders a Capabilities set back into a Caps: header value
// with a stable (sorted) token order, so re-encoding is deterministic.
func FormatCaps(caps Capabilities) string {
	toks := caps.ToSlice()
	sort.Strings(toks)
	return strings.Join(toks, ",")
}

// Negotiate intersects both sides' capability sets, the operation
// spec.md §4.4 defines negotiation as ("Capability set is the intersection
// of both sides' Caps:").
func Negotiate(local, remote Capabilities) Capabilities {
	return local.Intersect(remote)
}

// RequireLanes reports whether the negotiated set contains the mandatory
// "lanes" capability.
func RequireLanes(negotiated Capabilities) bool {
	return negotiated.Contains(CapLanes)
}
