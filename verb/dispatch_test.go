package verb

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/subscribe"
	"github.com/dgoldman0/Rabbit/tunnel"
)

// fakeResolver is a minimal in-memory Resolver test double: a fixed menu
// at "/" and one fetchable text item at "/0/readme", everything local,
// everything permitted.
type fakeResolver struct {
	menu      []RabbitmapEntry
	content   map[string]Content
	forbidden map[string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		menu: []RabbitmapEntry{
			{Type: TypeText, Display: "readme", Selector: "/0/readme", Host: SameBurrow},
		},
		content: map[string]Content{
			"/0/readme": {View: "text/plain", Body: []byte("Rabbit runs fast and light.")},
		},
		forbidden: map[string]bool{},
	}
}

func (r *fakeResolver) Resolve(sel Selector) (Resolution, error) { return Resolution{Local: true}, nil }

func (r *fakeResolver) List(sel Selector) ([]RabbitmapEntry, error) { return r.menu, nil }

func (r *fakeResolver) Fetch(sel Selector, acceptView string) (Content, error) {
	c, ok := r.content[sel.Raw]
	if !ok {
		return Content{}, &notFoundErr{sel.Raw}
	}
	return c, nil
}

func (r *fakeResolver) Search(sel Selector, query string) ([]RabbitmapEntry, error) {
	return r.menu, nil
}

func (r *fakeResolver) Describe(sel Selector) (Description, error) {
	return Description{Body: []byte("type: text")}, nil
}

func (r *fakeResolver) Permits(principal handshake.Identity, verb string, sel Selector) bool {
	return !r.forbidden[sel.Raw]
}

type notFoundErr struct{ sel string }

func (e *notFoundErr) Error() string { return "not found: " + e.sel }

type fakeDiscoverer struct{ ids []handshake.Identity }

func (d *fakeDiscoverer) Peers() ([]handshake.Identity, error) { return d.ids, nil }

type pipeTransport struct{ net.Conn }

func (pipeTransport) ExportedKeyingMaterial(label string, length int) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

type ed25519Provider struct{}

func (ed25519Provider) Verify(pubkey, msg, sig []byte) bool { return ed25519.Verify(pubkey, msg, sig) }

func testLog() rabbitlog.Logger { return rabbitlog.NewWithWriter("test", io.Discard) }

func dispatchHarness(t *testing.T, d *Dispatch) (net.Conn, context.CancelFunc) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := tunnel.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	tun := tunnel.New("d1", pipeTransport{serverConn}, cfg, d, tunnel.NewResumeRegistry(cfg.ResumeTTL), testLog())

	go func() {
		_ = tun.Serve(ctx, tunnel.ServeOptions{
			LocalCaps:  handshake.ParseCaps("lanes,async"),
			Provider:   ed25519Provider{},
			NonceTTL:   time.Minute,
			NonceCache: 16,
		})
	}()
	return clientConn, cancel
}

func dispatchHello(t *testing.T, conn net.Conn) {
	t.Helper()
	hello := handshake.NewHello(handshake.ParseCaps("lanes,async"), handshake.Anonymous(), "")
	require.NoError(t, hello.EncodeTo(conn))
	_, err := frame.NewCodec(conn).Decode()
	require.NoError(t, err)
}

func TestDispatchList(t *testing.T) {
	d, err := New(Config{Resolver: newFakeResolver(), Log: testLog()})
	require.NoError(t, err)
	conn, cancel := dispatchHarness(t, d)
	defer cancel()
	defer conn.Close()
	dispatchHello(t, conn)

	codec := frame.NewCodec(conn)
	req := frame.NewRequest("LIST", "/")
	req.SetLane(1)
	req.SetSeq(1)
	req.SetTxn("L1")
	require.NoError(t, req.EncodeTo(conn))

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "MENU", resp.Reason)
	entries, err := ParseRabbitmap(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDispatchFetch(t *testing.T) {
	d, err := New(Config{Resolver: newFakeResolver(), Log: testLog()})
	require.NoError(t, err)
	conn, cancel := dispatchHarness(t, d)
	defer cancel()
	defer conn.Close()
	dispatchHello(t, conn)

	codec := frame.NewCodec(conn)
	req := frame.NewRequest("FETCH", "/0/readme")
	req.SetLane(3)
	req.SetSeq(1)
	req.SetTxn("F1")
	require.NoError(t, req.EncodeTo(conn))

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "CONTENT", resp.Reason)
	assert.Equal(t, "Rabbit runs fast and light.", string(resp.Body))
	v, _ := resp.Headers.Get("View")
	assert.Equal(t, "text/plain", v)
}

func TestDispatchFetchMissing(t *testing.T) {
	d, err := New(Config{Resolver: newFakeResolver(), Log: testLog()})
	require.NoError(t, err)
	conn, cancel := dispatchHarness(t, d)
	defer cancel()
	defer conn.Close()
	dispatchHello(t, conn)

	codec := frame.NewCodec(conn)
	req := frame.NewRequest("FETCH", "/0/nope")
	req.SetLane(3)
	req.SetSeq(1)
	require.NoError(t, req.EncodeTo(conn))

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestDispatchSubscribeAndPublish(t *testing.T) {
	engine := subscribe.NewEngine(subscribe.NewMemoryOracle(0), 0, time.Hour, 0, testLog())
	d, err := New(Config{Resolver: newFakeResolver(), Engine: engine, Log: testLog()})
	require.NoError(t, err)
	conn, cancel := dispatchHarness(t, d)
	defer cancel()
	defer conn.Close()
	dispatchHello(t, conn)

	codec := frame.NewCodec(conn)
	sub := frame.NewRequest("SUBSCRIBE", "/q/news")
	sub.SetLane(5)
	sub.SetSeq(1)
	sub.SetTxn("Q1")
	require.NoError(t, sub.EncodeTo(conn))

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "SUBSCRIBED", resp.Reason)

	if _, err := engine.Publish(context.Background(), "/q/news", []byte("Rabbit spec finalized.")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	event, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "EVENT", event.Verb)
	assert.Equal(t, "Rabbit spec finalized.", string(event.Body))
	laneID, _ := event.Lane()
	assert.Equal(t, uint16(5), laneID)
	seq, ok, err := event.Seq()
	require.NoError(t, err)
	require.True(t, ok, "first delivered EVENT must carry a Seq:")
	assert.Equal(t, uint64(1), seq, "lane-local event seq must start at 1, not be shifted by the 201 SUBSCRIBED response")
}

func TestDispatchOffer(t *testing.T) {
	ident, _ := handshake.ParseIdentity("dns:peer.example.com")
	d, err := New(Config{Resolver: newFakeResolver(), Discoverer: &fakeDiscoverer{ids: []handshake.Identity{ident}}, Log: testLog()})
	require.NoError(t, err)
	conn, cancel := dispatchHarness(t, d)
	defer cancel()
	defer conn.Close()
	dispatchHello(t, conn)

	codec := frame.NewCodec(conn)
	req := frame.NewRequest("OFFER", "/warren")
	req.SetLane(2)
	req.SetSeq(1)
	require.NoError(t, req.EncodeTo(conn))

	resp, err := codec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, string(resp.Body), "burrow: dns:peer.example.com")
	assert.Contains(t, string(resp.Body), ".\r\n")
}
