// Package tunnel implements the tunnel multiplexer of spec.md §4.3: it
// owns the transport, demultiplexes inbound frames to lanes, arbitrates
// fair outbound writes, drives HELLO/RESUME, and runs the heartbeat and
// reliability loops. It generalizes p2p/peer.go's single-reader/
// single-writer Peer.run/readLoop/handle from devp2p's fixed subprotocol
// set to Rabbit's dynamically opened lanes, and p2p/server.go's
// tunable-struct-with-defaults shape for Config.
package tunnel

import "io"

// Transport is the external collaborator of spec.md §6: TLS/QUIC
// cryptography and X.509 handling live behind this interface, entirely
// outside the core (spec.md §1's Non-goals).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	// ExportedKeyingMaterial is used for AUTH PROOF channel binding
	// (spec.md §4.4/§9). Implementations without TLS 1.3 exporter support
	// may return an error; the handshake falls back to nonce-only signing.
	ExportedKeyingMaterial(label string, length int) ([]byte, error)
}
