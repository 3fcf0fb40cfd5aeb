package tunnel

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
)

// pipeTransport adapts a net.Conn (as produced by net.Pipe, mirroring
// p2p/peer_test.go's testPeer harness) to the Transport interface. Pipes
// have no TLS, so channel binding always falls back to the bare-nonce
// path.
type pipeTransport struct{ net.Conn }

func (pipeTransport) ExportedKeyingMaterial(label string, length int) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

type ed25519Provider struct{}

func (ed25519Provider) Verify(pubkey, msg, sig []byte) bool { return ed25519.Verify(pubkey, msg, sig) }

func testTunnelLog() rabbitlog.Logger { return rabbitlog.NewWithWriter("test", io.Discard) }

type capturingDispatcher struct {
	ch chan *frame.Frame
}

func newCapturingDispatcher() *capturingDispatcher {
	return &capturingDispatcher{ch: make(chan *frame.Frame, 8)}
}

func (d *capturingDispatcher) Dispatch(_ context.Context, _ *Tunnel, _ uint16, f *frame.Frame) {
	d.ch <- f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour // keep the heartbeat loop quiet during tests
	return cfg
}

// serverHarness wires a Tunnel's responder side onto one end of a net.Pipe
// and returns the client's end plus the running tunnel.
func serverHarness(t *testing.T, cfg Config, disp Dispatcher) (clientConn net.Conn, tun *Tunnel, cancel context.CancelFunc, serveErr chan error) {
	t.Helper()
	serverConn, cc := net.Pipe()
	ctx, cancelFn := context.WithCancel(context.Background())

	tun = New("t1", pipeTransport{serverConn}, cfg, disp, NewResumeRegistry(cfg.ResumeTTL), testTunnelLog())
	serveErr = make(chan error, 1)
	go func() {
		serveErr <- tun.Serve(ctx, ServeOptions{
			LocalCaps:  handshake.ParseCaps("lanes,async,chunked"),
			Provider:   ed25519Provider{},
			NonceTTL:   time.Minute,
			NonceCache: 16,
		})
	}()
	return cc, tun, cancelFn, serveErr
}

func clientHello(t *testing.T, conn net.Conn) *frame.Frame {
	t.Helper()
	hello := handshake.NewHello(handshake.ParseCaps("lanes,async"), handshake.Anonymous(), "")
	require.NoError(t, hello.EncodeTo(conn))
	resp, err := frame.NewCodec(conn).Decode()
	require.NoError(t, err)
	return resp
}

func TestTunnelAcceptsAnonymousHello(t *testing.T) {
	conn, _, cancel, _ := serverHarness(t, testConfig(), nil)
	defer cancel()
	defer conn.Close()

	resp := clientHello(t, conn)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "HELLO", resp.Reason)
}

func TestTunnelPingPong(t *testing.T) {
	conn, _, cancel, _ := serverHarness(t, testConfig(), nil)
	defer cancel()
	defer conn.Close()
	clientHello(t, conn)

	codec := frame.NewCodec(conn)
	ping := frame.NewRequest("PING")
	ping.SetLane(0)
	require.NoError(t, ping.EncodeTo(conn))

	pong, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 200, pong.Status)
	assert.Equal(t, "PONG", pong.Reason)
}

func TestTunnelChunkedReassembly(t *testing.T) {
	disp := newCapturingDispatcher()
	conn, _, cancel, _ := serverHarness(t, testConfig(), disp)
	defer cancel()
	defer conn.Close()
	clientHello(t, conn)

	const laneID = uint16(3)
	envelope := frame.NewRequest("PUBLISH", "/warren/topic")
	envelope.SetLane(laneID)
	envelope.SetSeq(1)
	envelope.SetTxn("txn-1")
	envelope.Headers.Set("Transfer", "chunked")
	require.NoError(t, envelope.EncodeTo(conn))

	sendPart := func(seq uint64, part string, body []byte) {
		pf := frame.NewRequest("PART")
		pf.SetLane(laneID)
		pf.SetSeq(seq)
		pf.SetTxn("txn-1")
		pf.Headers.Set("Part", part)
		pf.Headers.Set("Length", strconv.Itoa(len(body)))
		pf.Body = body
		require.NoError(t, pf.EncodeTo(conn))
	}
	sendPart(2, "BEGIN", []byte("hello "))
	sendPart(3, "MORE", []byte("world"))
	sendPart(4, "END", nil)

	select {
	case f := <-disp.ch:
		assert.Equal(t, "PUBLISH", f.Verb)
		assert.Equal(t, "hello world", string(f.Body))
		assert.False(t, f.Headers.Has("Transfer"))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher was never invoked")
	}
}

func TestTunnelMaxLanesAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLanes = 1
	conn, _, cancel, _ := serverHarness(t, cfg, newCapturingDispatcher())
	defer cancel()
	defer conn.Close()
	clientHello(t, conn)

	codec := frame.NewCodec(conn)
	send := func(laneID uint16, seq uint64) {
		f := frame.NewRequest("LIST", "/warren")
		f.SetLane(laneID)
		f.SetSeq(seq)
		require.NoError(t, f.EncodeTo(conn))
	}

	send(1, 1)
	send(2, 1)

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 429, resp.Status)
	lane, lerr := resp.Lane()
	require.NoError(t, lerr)
	assert.Equal(t, uint16(2), lane)
}

func TestTunnelAckKeepsLaneInSequence(t *testing.T) {
	disp := newCapturingDispatcher()
	conn, _, cancel, _ := serverHarness(t, testConfig(), disp)
	defer cancel()
	defer conn.Close()
	clientHello(t, conn)

	const laneID = uint16(5)
	req := frame.NewRequest("DESCRIBE", "/burrow/status")
	req.SetLane(laneID)
	req.SetSeq(1)
	require.NoError(t, req.EncodeTo(conn))

	ack := frame.NewRequest("ACK")
	ack.SetLane(laneID)
	ack.Headers.Set("Ack", "1")
	require.NoError(t, ack.EncodeTo(conn))

	// No response is expected for a bare ACK; the assertion here is that
	// the tunnel keeps running and a follow-up frame on the same lane is
	// still accepted in sequence.
	req2 := frame.NewRequest("DESCRIBE", "/burrow/status")
	req2.SetLane(laneID)
	req2.SetSeq(2)
	require.NoError(t, req2.EncodeTo(conn))

	for i := 1; i <= 2; i++ {
		select {
		case f := <-disp.ch:
			assert.Equal(t, "DESCRIBE", f.Verb)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d was never dispatched", i)
		}
	}
}
