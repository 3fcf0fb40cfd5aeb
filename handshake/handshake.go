package handshake

import (
	"fmt"
	"time"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/status"
)

// ChannelBinder exports TLS keying material for AUTH PROOF's channel
// binding (spec.md §4.4/§9). It is the abstract Transport collaborator of
// spec.md §6, narrowed to the one method this package needs.
type ChannelBinder interface {
	ExportedKeyingMaterial(label string, length int) ([]byte, error)
}

// IdentityProvider is the external Ed25519 collaborator of spec.md §6.
type IdentityProvider interface {
	Verify(pubkey, msg, sig []byte) bool
}

// Signer is IdentityProvider's initiator-side counterpart: it produces
// the signature an AUTH PROOF carries over a channel-bound challenge.
type Signer interface {
	Sign(msg []byte) []byte
}

// Session is the negotiated outcome of a completed handshake, consumed by
// package tunnel (spec.md §4.4: "produces a session context consumed by
// Tunnel").
type Session struct {
	Identity Identity
	Caps     Capabilities
	Trust    TrustLevel
}

// Outcome is the immediate result of processing a HELLO: either an
// accepted session, or a challenge the caller must send back as
// "300 CHALLENGE" before AUTH PROOF completes the exchange.
type Outcome struct {
	Accepted  *Session
	Challenge string // nonzero when a 300 CHALLENGE is required
}

// Handshake runs one tunnel's HELLO/AUTH/CHALLENGE exchange. One instance
// is created per tunnel by the server side (or per dial by the client).
type Handshake struct {
	localCaps Capabilities
	provider  IdentityProvider
	binder    ChannelBinder
	nonces    *NonceRegistry
	log       rabbitlog.Logger

	pendingIdentity Identity
	pendingCaps     Capabilities
}

const (
	ProtocolVersion  = "RABBIT/1.0"
	channelBindLabel = "rabbit-auth"
	channelBindLen   = 32
	DefaultNonceTTL  = 30 * time.Second
)

func New(localCaps Capabilities, provider IdentityProvider, binder ChannelBinder, nonces *NonceRegistry, log rabbitlog.Logger) *Handshake {
	return &Handshake{localCaps: localCaps, provider: provider, binder: binder, nonces: nonces, log: log}
}

// Accept processes an inbound HELLO frame. Anonymous or unclaimed
// identities are accepted trust-on-first-use (§4.4: "Returns 200 HELLO
// (anonymous or trust-on-first-use accepted)"); a claimed ed25519
// identity requires a CHALLENGE/AUTH PROOF round before a Session is
// produced.
func (h *Handshake) Accept(hello *frame.Frame) (*Outcome, error) {
	if hello.Verb != "HELLO" {
		return nil, status.Newf(status.BadHello, "expected HELLO, got %s", hello.Verb)
	}
	if len(hello.Args) == 0 || hello.Args[0] != ProtocolVersion {
		return nil, status.Newf(status.BadHello, "unsupported protocol version")
	}

	capsHdr, _ := hello.Headers.Get("Caps")
	remoteCaps := ParseCaps(capsHdr)
	negotiated := Negotiate(h.localCaps, remoteCaps)
	if !RequireLanes(negotiated) {
		return nil, status.Newf(status.BadHello, "peer does not support lanes").WithLane(0)
	}

	idHdr, _ := hello.Headers.Get("Burrow-Id")
	identity, err := ParseIdentity(idHdr)
	if err != nil {
		return nil, status.Newf(status.BadHello, "%v", err)
	}

	if identity.IsAnonymous() {
		return &Outcome{Accepted: &Session{Identity: identity, Caps: negotiated, Trust: SelfSigned}}, nil
	}

	h.pendingIdentity = identity
	h.pendingCaps = negotiated
	nonce := h.nonces.Issue()
	return &Outcome{Challenge: nonce}, nil
}

// VerifyProof processes the AUTH PROOF frame sent in response to a
// CHALLENGE. Signature verification uses the transport's exported keying
// material as channel binding when available, falling back to signing the
// bare nonce (spec.md §9) when it is not.
func (h *Handshake) VerifyProof(auth *frame.Frame) (*Session, error) {
	if auth.Verb != "AUTH" || len(auth.Args) == 0 || auth.Args[0] != "PROOF" {
		return nil, status.Newf(status.BadRequest, "expected AUTH PROOF")
	}
	nonce, ok := auth.Headers.Get("Nonce")
	if !ok {
		return nil, status.Newf(status.BadRequest, "missing Nonce header")
	}
	if err := h.nonces.ConsumeOnce(nonce); err != nil {
		return nil, status.Newf(status.BadRequest, "%v", err)
	}

	msg := ChannelBindMessage(h.binder, nonce)

	if h.pendingIdentity.PublicKey == nil {
		return nil, status.Newf(status.AuthRequired, "no pending identity for AUTH")
	}
	if !h.provider.Verify(h.pendingIdentity.PublicKey, msg, auth.Body) {
		return nil, status.Newf(status.AuthRequired, "signature verification failed")
	}

	return &Session{Identity: h.pendingIdentity, Caps: h.pendingCaps, Trust: SelfSigned}, nil
}

// ChannelBindMessage builds the message an AUTH PROOF signature is
// computed over: nonce concatenated with the transport's exported keying
// material when available, falling back to the bare nonce (spec.md §9's
// channel-binding fallback). Shared by the responder's VerifyProof and
// the initiator side of a Dial.
func ChannelBindMessage(binder ChannelBinder, nonce string) []byte {
	msg := []byte(nonce)
	if binder != nil {
		if ekm, err := binder.ExportedKeyingMaterial(channelBindLabel, channelBindLen); err == nil {
			msg = append(msg, ekm...)
		}
	}
	return msg
}

// ChallengeFrame builds the "300 CHALLENGE" response carrying nonce.
func ChallengeFrame(nonce string) *frame.Frame {
	f := frame.NewResponse(300, "CHALLENGE")
	f.Headers.Set("Nonce", nonce)
	return f
}

// HelloOKFrame builds the "200 HELLO" response for an accepted session.
func HelloOKFrame(s *Session) *frame.Frame {
	f := frame.NewResponse(200, "HELLO")
	f.Headers.Set("Caps", FormatCaps(s.Caps))
	f.Headers.Set("Burrow-Id", s.Identity.String())
	return f
}

// NewHello builds the initiator's HELLO request.
func NewHello(caps Capabilities, identity Identity, resumeToken string) *frame.Frame {
	f := frame.NewRequest("HELLO", ProtocolVersion)
	f.Headers.Set("Caps", FormatCaps(caps))
	if !identity.IsAnonymous() {
		f.Headers.Set("Burrow-Id", identity.String())
	}
	if resumeToken != "" {
		f.Headers.Set("Resume", resumeToken)
	}
	return f
}

// NewAuthProof builds the AUTH PROOF request carrying signature over the
// bound challenge.
func NewAuthProof(nonce string, signature []byte) *frame.Frame {
	f := frame.NewRequest("AUTH", "PROOF")
	f.Headers.Set("Nonce", nonce)
	f.Headers.Set("Length", fmt.Sprintf("%d", len(signature)))
	f.Body = signature
	return f
}
