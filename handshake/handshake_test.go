package handshake

import (
	"crypto/ed25519"
	"encoding/base32"
	"io"
	"strings"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ed25519Provider struct{}

func (ed25519Provider) Verify(pubkey, msg, sig []byte) bool {
	return ed25519.Verify(pubkey, msg, sig)
}

func testLog() rabbitlog.Logger {
	return rabbitlog.NewWithWriter("test", io.Discard)
}

func localCaps() Capabilities {
	return ParseCaps("lanes,async,resume")
}

func TestNegotiateIntersectsCaps(t *testing.T) {
	local := ParseCaps("lanes,async,ui")
	remote := ParseCaps("lanes,ui,events")
	negotiated := Negotiate(local, remote)
	assert.True(t, negotiated.Contains("lanes"))
	assert.True(t, negotiated.Contains("ui"))
	assert.False(t, negotiated.Contains("async"))
	assert.False(t, negotiated.Contains("events"))
}

func TestAcceptAnonymous(t *testing.T) {
	nonces, err := NewNonceRegistry(16, DefaultNonceTTL)
	require.NoError(t, err)
	hs := New(localCaps(), ed25519Provider{}, nil, nonces, testLog())

	hello := frame.NewRequest("HELLO", ProtocolVersion)
	hello.Headers.Set("Caps", "lanes,async")

	outcome, err := hs.Accept(hello)
	require.NoError(t, err)
	require.NotNil(t, outcome.Accepted)
	assert.True(t, outcome.Accepted.Identity.IsAnonymous())
	assert.True(t, outcome.Accepted.Caps.Contains("lanes"))
}

func TestChallengeAndProofRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	identityStr := "ed25519:" + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(pub))

	nonces, err := NewNonceRegistry(16, DefaultNonceTTL)
	require.NoError(t, err)
	hs := New(localCaps(), ed25519Provider{}, nil, nonces, testLog())

	hello := frame.NewRequest("HELLO", ProtocolVersion)
	hello.Headers.Set("Caps", "lanes")
	hello.Headers.Set("Burrow-Id", identityStr)

	outcome, err := hs.Accept(hello)
	require.NoError(t, err)
	require.Empty(t, outcome.Accepted)
	require.NotEmpty(t, outcome.Challenge)

	sig := ed25519.Sign(priv, []byte(outcome.Challenge))
	proof := NewAuthProof(outcome.Challenge, sig)

	session, err := hs.VerifyProof(proof)
	require.NoError(t, err)
	assert.Equal(t, identityStr, session.Identity.String())
}

func TestReusedNonceRejected(t *testing.T) {
	registry, err := NewNonceRegistry(16, DefaultNonceTTL)
	require.NoError(t, err)
	nonce := registry.Issue()
	require.NoError(t, registry.ConsumeOnce(nonce))
	require.Error(t, registry.ConsumeOnce(nonce))
}

func TestBadHelloWithoutLanesCapability(t *testing.T) {
	nonces, err := NewNonceRegistry(16, DefaultNonceTTL)
	require.NoError(t, err)
	hs := New(ParseCaps("lanes"), ed25519Provider{}, nil, nonces, testLog())

	hello := frame.NewRequest("HELLO", ProtocolVersion)
	hello.Headers.Set("Caps", "ui")
	_, err = hs.Accept(hello)
	require.Error(t, err)
}

func TestClassifyTrust(t *testing.T) {
	anchors := mapset.NewThreadUnsafeSet[string]("ed25519:anchor")
	now := time.Now()
	chain := []Delegation{
		{Issuer: "ed25519:anchor", Subject: "ed25519:leaf", ExpiresAt: now.Add(time.Hour)},
	}
	verifyOK := func(Delegation) bool { return true }
	assert.Equal(t, Verified, ClassifyTrust(chain, anchors, verifyOK, now))

	unanchored := []Delegation{{Issuer: "ed25519:other", ExpiresAt: now.Add(time.Hour)}}
	assert.Equal(t, Anchored, ClassifyTrust(unanchored, anchors, verifyOK, now))

	assert.Equal(t, SelfSigned, ClassifyTrust(nil, anchors, verifyOK, now))

	verifyFail := func(Delegation) bool { return false }
	assert.Equal(t, SelfSigned, ClassifyTrust(chain, anchors, verifyFail, now))
}
