// Package verb implements the Verb Dispatcher & Selector Resolver of
// spec.md §4.5: it parses selectors, routes LIST/FETCH/SEARCH/DESCRIBE/
// SUBSCRIBE/PUBLISH/OFFER to the right collaborator (PING is answered by
// package tunnel), renders
// Rabbitmap menus, and forwards requests across warrens per spec.md §9.
// It implements tunnel.Dispatcher, the seam package tunnel hands
// non-control verb frames through, generalizing p2p/protocol.go's
// Run(peer, rw)-per-subprotocol dispatch table to Rabbit's single dynamic
// verb switch.
package verb

import (
	"fmt"
	"strings"
)

// ItemType is the single character that opens a selector's first path
// segment and determines which verbs are legal against it (spec.md §3).
type ItemType byte

const (
	TypeBinary      ItemType = '9' // arbitrary binary content
	TypeText        ItemType = '0' // plain text content
	TypeMenu        ItemType = '1' // Rabbitmap-returning menu
	TypeSearch      ItemType = '7' // search endpoint
	TypeTopic       ItemType = 'q' // pub/sub topic
	TypeUser        ItemType = 'u' // user/identity resource
	TypeInfo        ItemType = 'i' // informational/description resource
	TypeWarren      ItemType = 'w' // warren-scoped resource (e.g. /warren itself)
)

// legalVerbs maps each ItemType to the verbs that may target it. OFFER
// only ever targets the literal /warren selector, which carries no
// leading type character, so Parse maps it to TypeWarren and Permits
// checks it separately via IsWarren.
var legalVerbs = map[ItemType]map[string]bool{
	TypeMenu:   {"LIST": true, "SEARCH": true, "DESCRIBE": true},
	TypeText:   {"FETCH": true, "DESCRIBE": true},
	TypeBinary: {"FETCH": true, "DESCRIBE": true},
	TypeSearch: {"SEARCH": true, "DESCRIBE": true},
	TypeTopic:  {"SUBSCRIBE": true, "PUBLISH": true, "DESCRIBE": true},
	TypeUser:   {"FETCH": true, "DESCRIBE": true},
	TypeInfo:   {"DESCRIBE": true},
}

// Selector is a parsed path-like key (spec.md §3): a leading item-type
// character plus the remaining sub-path, e.g. "/q/news" parses to
// Type='q', SubPath="/news", Raw="/q/news".
type Selector struct {
	Type    ItemType
	SubPath string
	Raw     string
}

// String renders the selector back to its wire form.
func (s Selector) String() string { return s.Raw }

// Topic reports the canonical topic key a SUBSCRIBE/PUBLISH selector is
// addressed to — the full raw selector, since spec.md §4.5's PUBLISH
// contract is "delivers a payload to all current subscribers of the
// exact selector."
func (s Selector) Topic() string { return s.Raw }

// ErrBadSelector is returned by Parse for a malformed selector. Callers
// map it to status.BadRequest.
type ErrBadSelector struct{ Raw string }

func (e *ErrBadSelector) Error() string { return fmt.Sprintf("malformed selector %q", e.Raw) }

// Parse validates and decomposes raw per spec.md §3: "A path beginning
// with /, whose first path segment after / is a single item-type
// character {0,1,7,9,q,u,i} followed by an optional sub-path." The
// literal selector "/warren" is accepted unconditionally (it has no type
// character; OFFER is the only verb that targets it) and callers should
// check for it with IsWarren before relying on Type.
func Parse(raw string) (Selector, error) {
	if raw == "/warren" || strings.HasPrefix(raw, "/warren/") {
		return Selector{Type: TypeWarren, SubPath: strings.TrimPrefix(raw, "/warren"), Raw: raw}, nil
	}
	if raw == "/" {
		// The bare root is the implicit top-level menu (S1: "LIST /").
		return Selector{Type: TypeMenu, SubPath: "", Raw: "/"}, nil
	}
	if len(raw) < 2 || raw[0] != '/' {
		return Selector{}, &ErrBadSelector{Raw: raw}
	}
	t := ItemType(raw[1])
	if _, known := legalVerbs[t]; !known {
		return Selector{}, &ErrBadSelector{Raw: raw}
	}
	return Selector{Type: t, SubPath: raw[2:], Raw: raw}, nil
}

// IsWarren reports whether s is the administrative /warren selector.
func (s Selector) IsWarren() bool { return s.Type == TypeWarren }

// Permits reports whether verb is legal against s's item type, per
// spec.md §3's invariant ("the type character determines which verbs are
// legal, e.g. SUBSCRIBE requires q"). PING carries no selector and is not
// checked here.
func (s Selector) Permits(verb string) bool {
	if s.IsWarren() {
		return verb == "OFFER"
	}
	return legalVerbs[s.Type][verb]
}
