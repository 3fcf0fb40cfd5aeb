package frame

import "strings"

// Headers is an ordered Key: Value map. Keys are matched case-insensitively
// but stored canonicalized (hyphen-separated title case, mirroring
// net/http's CanonicalHeaderKey) so that decode(encode(f)) round-trips up
// to key casing, as spec.md §8's round-trip property allows.
type Headers struct {
	order []string
	vals  map[string]string
}

func NewHeaders() Headers {
	return Headers{vals: make(map[string]string)}
}

// Canonical title-cases a header key on hyphen boundaries: "lane" -> "Lane",
// "burrow-id" -> "Burrow-Id".
func Canonical(key string) string {
	parts := strings.Split(key, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// Set stores value under key, overwriting any prior value and preserving
// the key's original insertion position.
func (h *Headers) Set(key, value string) {
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	ck := Canonical(key)
	if _, exists := h.vals[ck]; !exists {
		h.order = append(h.order, ck)
	}
	h.vals[ck] = value
}

// Get returns the value for key and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h.vals[Canonical(key)]
	return v, ok
}

func (h Headers) Has(key string) bool {
	_, ok := h.vals[Canonical(key)]
	return ok
}

func (h *Headers) Del(key string) {
	ck := Canonical(key)
	if _, ok := h.vals[ck]; !ok {
		return
	}
	delete(h.vals, ck)
	for i, k := range h.order {
		if k == ck {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Keys returns header keys in insertion order.
func (h Headers) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

func (h Headers) Len() int { return len(h.order) }
