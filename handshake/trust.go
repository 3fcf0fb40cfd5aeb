package handshake

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// TrustLevel is the Session field spec.md §3 names but never derives:
// "self-signed | anchored | verified". Derivation is supplemented from
// original_source security/manifest.rs, security/delegation.rs and
// security/trust.rs (v0.0.1), which classify trust from a chain of signed
// delegation manifests rather than a single certificate.
type TrustLevel int

const (
	SelfSigned TrustLevel = iota
	Anchored
	Verified
)

func (t TrustLevel) String() string {
	switch t {
	case SelfSigned:
		return "self-signed"
	case Anchored:
		return "anchored"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// Delegation is one signed link in a trust chain: Issuer vouches for
// Subject until ExpiresAt. Verification of Signature is delegated to the
// identity provider collaborator (spec.md §6) — this package only walks
// the chain and classifies it.
type Delegation struct {
	Issuer    string
	Subject   string
	Signature []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (d Delegation) expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Verifier checks a Delegation's signature against its claimed Issuer.
type Verifier func(d Delegation) bool

// ClassifyTrust walks chain and returns the strongest trust level it
// supports:
//
//   - Verified: some delegation in the chain was issued by a member of
//     anchors, is cryptographically valid, and unexpired.
//   - Anchored: some delegation in the chain is cryptographically valid
//     and unexpired, even if its issuer isn't a configured anchor.
//   - SelfSigned: no valid delegation chain at all (the identity's own
//     HELLO/AUTH proof is all the session has).
func ClassifyTrust(chain []Delegation, anchors mapset.Set[string], verify Verifier, now time.Time) TrustLevel {
	sawValid := false
	for _, d := range chain {
		if d.expired(now) || !verify(d) {
			continue
		}
		sawValid = true
		if anchors != nil && anchors.Contains(d.Issuer) {
			return Verified
		}
	}
	if sawValid {
		return Anchored
	}
	return SelfSigned
}
