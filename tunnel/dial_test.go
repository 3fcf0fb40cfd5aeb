package tunnel

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/Rabbit/handshake"
)

type staticSigner struct{ key ed25519.PrivateKey }

func (s staticSigner) Sign(msg []byte) []byte { return ed25519.Sign(s.key, msg) }

func TestDialAnonymousAgainstServe(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTun := New("server", pipeTransport{serverConn}, testConfig(), nil, NewResumeRegistry(time.Minute), testTunnelLog())
	clientTun := New("client", pipeTransport{clientConn}, testConfig(), nil, NewResumeRegistry(time.Minute), testTunnelLog())

	go func() {
		_ = serverTun.Serve(ctx, ServeOptions{
			LocalCaps:  handshake.ParseCaps("lanes,async"),
			Provider:   ed25519Provider{},
			NonceTTL:   time.Minute,
			NonceCache: 16,
		})
	}()

	dialErr := make(chan error, 1)
	go func() {
		dialErr <- clientTun.Dial(ctx, DialOptions{
			LocalCaps: handshake.ParseCaps("lanes,async"),
			Identity:  handshake.Anonymous(),
		})
	}()

	require.Eventually(t, func() bool {
		return clientTun.Session() != nil && serverTun.Session() != nil
	}, time.Second, 10*time.Millisecond)

	assert.True(t, clientTun.Session().Identity.IsAnonymous())
	assert.True(t, serverTun.Session().Identity.IsAnonymous())
}

func TestDialSignedChallengeAgainstServe(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTun := New("server", pipeTransport{serverConn}, testConfig(), nil, NewResumeRegistry(time.Minute), testTunnelLog())
	clientTun := New("client", pipeTransport{clientConn}, testConfig(), nil, NewResumeRegistry(time.Minute), testTunnelLog())

	go func() {
		_ = serverTun.Serve(ctx, ServeOptions{
			LocalCaps:  handshake.ParseCaps("lanes,async"),
			Provider:   ed25519Provider{},
			NonceTTL:   time.Minute,
			NonceCache: 16,
		})
	}()

	identityStr := "ed25519:" + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(pub))
	identity, err := handshake.ParseIdentity(identityStr)
	require.NoError(t, err)

	go func() {
		_ = clientTun.Dial(ctx, DialOptions{
			LocalCaps: handshake.ParseCaps("lanes,async"),
			Identity:  identity,
			Signer:    staticSigner{key: priv},
		})
	}()

	require.Eventually(t, func() bool {
		return serverTun.Session() != nil && !serverTun.Session().Identity.IsAnonymous()
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "ed25519", serverTun.Session().Identity.Scheme)
}
