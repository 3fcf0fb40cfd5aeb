// Package rabbit wires the engine's components — frame codec, lane
// state, tunnel multiplexer, handshake, verb dispatcher and subscription
// engine — into one running burrow process. It generalizes
// p2p/server.go's Server (a single struct owning the listener, the peer
// table and the accept/dial loops) to Rabbit's tunnel-per-connection
// model; TLS/QUIC listening itself stays outside the core per spec.md
// §1, consumed here only through the Listener/Dialer seams.
package rabbit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/subscribe"
	"github.com/dgoldman0/Rabbit/tunnel"
)

// Listener accepts inbound tunnel transports. Implementations own
// whatever TLS/QUIC handshake and X.509 validation spec.md §1 places out
// of scope; by the time Accept returns, the connection is ready to speak
// Rabbit.
type Listener interface {
	Accept() (tunnel.Transport, error)
}

// Config assembles one burrow's collaborators, the direct analogue of
// p2p/server.go's Server fields (identity, protocol table, blacklist)
// generalized to Rabbit's session/dispatcher/engine shape.
type Config struct {
	ID               string
	TunnelConfig     tunnel.Config
	LocalCaps        handshake.Capabilities
	IdentityProvider handshake.IdentityProvider
	NonceTTL         time.Duration
	NonceCacheSize   int
	ResumeTTL        time.Duration
	Dispatcher       tunnel.Dispatcher
	Engine           *subscribe.Engine // may be nil if this burrow never subscribes/publishes
	Log              rabbitlog.Logger
}

// Burrow is one running Rabbit node: it accepts tunnels, runs each one's
// handshake and read/write loops, and retains a resume window across
// transport loss (spec.md §3's "Session... resume token"). Generalizes
// p2p/server.go's Server, whose fixed peer slice becomes a map keyed by
// tunnel id since Rabbit tunnels are resumable and outlive any one
// net.Conn.
type Burrow struct {
	cfg     Config
	resumes *tunnel.ResumeRegistry
	log     rabbitlog.Logger

	mu      sync.Mutex
	tunnels map[string]*tunnel.Tunnel
}

// NewBurrow constructs a Burrow ready to Serve. cfg.TunnelConfig should
// come from tunnel.DefaultConfig() with any overrides already applied.
func NewBurrow(cfg Config) *Burrow {
	if cfg.ResumeTTL <= 0 {
		cfg.ResumeTTL = tunnel.DefaultConfig().ResumeTTL
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = handshake.DefaultNonceTTL
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 1024
	}
	return &Burrow{
		cfg:     cfg,
		resumes: tunnel.NewResumeRegistry(cfg.ResumeTTL),
		log:     cfg.Log,
		tunnels: make(map[string]*tunnel.Tunnel),
	}
}

// Serve accepts tunnels from l until ctx is canceled or Accept returns an
// error, running each accepted tunnel's full lifecycle on its own
// goroutine — the generalization of p2p/server.go's
// inboundPeerHandler(listener).
func (b *Burrow) Serve(ctx context.Context, l Listener) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		transport, err := l.Accept()
		if err != nil {
			return err
		}
		go b.handle(ctx, transport)
	}
}

func (b *Burrow) handle(ctx context.Context, transport tunnel.Transport) {
	id := b.cfg.ID + "-" + uuid.NewString()
	t := tunnel.New(id, transport, b.cfg.TunnelConfig, b.cfg.Dispatcher, b.resumes, b.log)
	if b.cfg.Engine != nil {
		t.AddCancelHook(b.cfg.Engine.UnsubscribeLane)
	}

	b.track(id, t)
	defer b.untrack(id)

	err := t.Serve(ctx, tunnel.ServeOptions{
		LocalCaps:  b.cfg.LocalCaps,
		Provider:   b.cfg.IdentityProvider,
		NonceTTL:   b.cfg.NonceTTL,
		NonceCache: b.cfg.NonceCacheSize,
	})
	if err != nil {
		if ctx.Err() == nil {
			// Transport failure rather than a deliberate shutdown: retain
			// lane state for resume_ttl (spec.md §4.3's "Abrupt" path).
			t.SaveForResume()
		}
		b.log.Debug().Err(err).Str("tunnel", id).Msg("tunnel closed")
	}
}

func (b *Burrow) track(id string, t *tunnel.Tunnel) {
	b.mu.Lock()
	b.tunnels[id] = t
	b.mu.Unlock()
}

func (b *Burrow) untrack(id string) {
	b.mu.Lock()
	delete(b.tunnels, id)
	b.mu.Unlock()
}

// Tunnels returns a snapshot of currently active tunnel ids, mirroring
// p2p/server.go's Peers() introspection method.
func (b *Burrow) Tunnels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.tunnels))
	for id := range b.tunnels {
		ids = append(ids, id)
	}
	return ids
}
