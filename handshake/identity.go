package handshake

import (
	"encoding/base32"
	"fmt"
	"strings"
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity is a parsed Burrow-ID (spec.md §6): "ed25519:<base32-pubkey>",
// "dns:<name>", or the literal "anonymous".
type Identity struct {
	Scheme    string
	Value     string
	PublicKey []byte // populated only when Scheme == "ed25519"
}

func Anonymous() Identity { return Identity{Scheme: "anonymous"} }

func (i Identity) IsAnonymous() bool { return i.Scheme == "" || i.Scheme == "anonymous" }

func (i Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return i.Scheme + ":" + i.Value
}

// ParseIdentity parses a Burrow-ID header value.
func ParseIdentity(raw string) (Identity, error) {
	if raw == "" || raw == "anonymous" {
		return Anonymous(), nil
	}
	scheme, value, ok := strings.Cut(raw, ":")
	if !ok {
		return Identity{}, fmt.Errorf("malformed identity %q", raw)
	}
	id := Identity{Scheme: scheme, Value: value}
	if scheme == "ed25519" {
		key, err := base32NoPad.DecodeString(strings.ToUpper(value))
		if err != nil {
			return Identity{}, fmt.Errorf("bad ed25519 identity: %w", err)
		}
		id.PublicKey = key
	}
	return id, nil
}
