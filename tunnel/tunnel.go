package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/lane"
	"github.com/dgoldman0/Rabbit/status"
)

// Config holds the recommended resource limits of spec.md §5, following
// p2p/server.go's pattern of one tunable struct with a defaulting
// constructor.
type Config struct {
	MaxLanes              int
	InitialCredit         uint32
	ChunkReassemblyCap    int
	HeaderBlockMax        int
	NonChunkedBodyMax     int
	HeartbeatInterval     time.Duration
	MissedHeartbeatsLimit int
	ResumeTTL             time.Duration
	ReliabilityInterval   time.Duration
	ReliabilityMaxRetries uint8
}

func DefaultConfig() Config {
	return Config{
		MaxLanes:              1024,
		InitialCredit:         lane.DefaultInitialCredit,
		ChunkReassemblyCap:    lane.DefaultChunkReassemblyCap,
		HeaderBlockMax:        frame.DefaultMaxHeaderBlock,
		NonChunkedBodyMax:     frame.DefaultMaxBody,
		HeartbeatInterval:     30 * time.Second,
		MissedHeartbeatsLimit: 2,
		ResumeTTL:             60 * time.Second,
		ReliabilityInterval:   5 * time.Second,
		ReliabilityMaxRetries: 5,
	}
}

// Dispatcher handles verb frames the tunnel has no opinion about (LIST,
// FETCH, SEARCH, DESCRIBE, SUBSCRIBE, PUBLISH, OFFER). Implemented by
// package verb. PING/ACK/CREDIT/CANCEL, chunk continuation (PART) frames
// and the handshake's own HELLO/AUTH exchange never reach Dispatch; any
// other verb frame on an established tunnel, including a late HELLO or
// AUTH, does.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *Tunnel, laneID uint16, f *frame.Frame)
}

// Tunnel is one duplex connection between two burrows (spec.md §3),
// generalizing p2p/peer.go's Peer: one transport, one read loop, one fair
// write scheduler, a dynamic lane table instead of a fixed subprotocol
// map.
type Tunnel struct {
	ID        string
	transport Transport
	cfg       Config
	log       rabbitlog.Logger

	session *handshake.Session

	laneMu    sync.Mutex
	lanes     map[uint16]*lane.Lane
	chunkCtx  map[uint16]map[string]*frame.Frame // pending chunked-response envelopes by lane, txn

	outMu    sync.Mutex
	outCond  *sync.Cond
	outQ     map[uint16][][]byte
	outOrder []uint16
	outSeen  map[uint16]bool
	closed   bool

	dispatcher  Dispatcher
	reliability *Reliability
	resumes     *ResumeRegistry
	resumeToken string

	cancelHooks []func(laneID uint16)

	missedHeartbeats int32
}

// New creates a tunnel over transport. The caller still must run Serve or
// Dial to perform the handshake and enter the read/write loops.
func New(id string, transport Transport, cfg Config, dispatcher Dispatcher, resumes *ResumeRegistry, log rabbitlog.Logger) *Tunnel {
	t := &Tunnel{
		ID:         id,
		transport:  transport,
		cfg:        cfg,
		log:        log.Tunnel(id),
		lanes:      make(map[uint16]*lane.Lane),
		chunkCtx:   make(map[uint16]map[string]*frame.Frame),
		outQ:       make(map[uint16][][]byte),
		outSeen:    make(map[uint16]bool),
		dispatcher: dispatcher,
		resumes:    resumes,
	}
	t.outCond = sync.NewCond(&t.outMu)
	t.reliability = NewReliability(cfg.ReliabilityInterval, cfg.ReliabilityMaxRetries, t.rawResend, t.log)
	return t
}

// Session returns the negotiated session once the handshake has
// completed.
func (t *Tunnel) Session() *handshake.Session {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	return t.session
}

func (t *Tunnel) setSession(s *handshake.Session) {
	t.laneMu.Lock()
	t.session = s
	t.laneMu.Unlock()
}

// ResumeToken returns this tunnel's resume token: the one Serve minted and
// sent on its HELLO response, or the one Dial read from the peer's HELLO
// response ("" if none was issued).
// An initiator that wants to survive a transport drop holds onto this and
// passes it back as DialOptions.ResumeToken on the next Dial.
func (t *Tunnel) ResumeToken() string {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	return t.resumeToken
}

func (t *Tunnel) setResumeToken(tok string) {
	t.laneMu.Lock()
	t.resumeToken = tok
	t.laneMu.Unlock()
}

// lane returns the lane for id, creating it (subject to max_lanes) when
// it doesn't exist yet — spec.md §4.3: "creating a lane on first use with
// quota checks."
func (t *Tunnel) lane(id uint16) (*lane.Lane, error) {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	if l, ok := t.lanes[id]; ok {
		return l, nil
	}
	if len(t.lanes) >= t.cfg.MaxLanes {
		return nil, status.Newf(status.FlowLimit, "max_lanes exceeded").WithLane(id)
	}
	l := lane.NewWithCredit(id, t.cfg.InitialCredit, t.cfg.ChunkReassemblyCap)
	t.lanes[id] = l
	return l, nil
}

// AddCancelHook registers fn to run whenever a CANCEL frame arrives for
// any lane, so collaborators that keep lane-scoped state of their own
// (package subscribe's topic registry) can unregister it without the
// tunnel needing to know what they are.
func (t *Tunnel) AddCancelHook(fn func(laneID uint16)) {
	t.laneMu.Lock()
	t.cancelHooks = append(t.cancelHooks, fn)
	t.laneMu.Unlock()
}

// EnsureLane returns the lane for id, creating it on first use subject to
// max_lanes admission (spec.md §4.3). Exported for package verb and
// package subscribe, which both need a handle on the lane a request or
// subscription arrived on.
func (t *Tunnel) EnsureLane(id uint16) (*lane.Lane, error) {
	return t.lane(id)
}

func (t *Tunnel) laneOrNil(id uint16) *lane.Lane {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	return t.lanes[id]
}

// Lanes returns a snapshot of the live lane table, used for graceful
// shutdown and resumption snapshots.
func (t *Tunnel) Lanes() map[uint16]*lane.Lane {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	out := make(map[uint16]*lane.Lane, len(t.lanes))
	for k, v := range t.lanes {
		out[k] = v
	}
	return out
}

// ---- outbound scheduling --------------------------------------------

// enqueue appends data to laneID's outbound queue and wakes the writer.
// Round-robin fairness across lanes with ready frames (spec.md §4.3) is
// implemented by outOrder, a stable rotation of every lane that has ever
// had outbound traffic; a lane with an empty queue is skipped without
// disturbing the rotation for lanes that do have data.
func (t *Tunnel) enqueue(laneID uint16, data []byte) {
	t.outMu.Lock()
	if !t.outSeen[laneID] {
		t.outSeen[laneID] = true
		t.outOrder = append(t.outOrder, laneID)
	}
	t.outQ[laneID] = append(t.outQ[laneID], data)
	t.outCond.Signal()
	t.outMu.Unlock()
}

func (t *Tunnel) writeLoop() error {
	cursor := 0
	for {
		t.outMu.Lock()
		for {
			if t.closed {
				t.outMu.Unlock()
				return nil
			}
			if t.anyReadyLocked() {
				break
			}
			t.outCond.Wait()
		}
		n := len(t.outOrder)
		var data []byte
		var laneID uint16
		for i := 0; i < n; i++ {
			idx := (cursor + i) % n
			id := t.outOrder[idx]
			if q := t.outQ[id]; len(q) > 0 {
				data, q = q[0], q[1:]
				t.outQ[id] = q
				laneID = id
				cursor = idx + 1
				break
			}
		}
		t.outMu.Unlock()

		if data == nil {
			continue
		}
		if _, err := t.transport.Write(data); err != nil {
			return fmt.Errorf("tunnel %s: write lane %d: %w", t.ID, laneID, err)
		}
	}
}

func (t *Tunnel) anyReadyLocked() bool {
	for _, q := range t.outQ {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (t *Tunnel) rawResend(laneID uint16, data []byte) {
	t.enqueue(laneID, data)
}

func (t *Tunnel) stopWriter() {
	t.outMu.Lock()
	t.closed = true
	t.outCond.Broadcast()
	t.outMu.Unlock()
}

// ---- sending ----------------------------------------------------------

// SendControl enqueues a credit-free control/response frame (ACK, PING
// response, CREDIT grant, CANCEL response, error responses) without
// consuming send_credit or assigning a Seq, per spec.md §4.2: "Control
// frames are credit-free."
func (t *Tunnel) SendControl(laneID uint16, f *frame.Frame) {
	f.SetLane(laneID)
	t.enqueue(laneID, f.Encode())
}

// Send acquires one unit of send_credit on laneID and enqueues f. It
// blocks until credit is available or ctx is done, matching spec.md
// §4.2's backpressure rule. Send never stamps a Seq: — verb responses and
// chunked PART continuations go out exactly as built, matching scenarios
// S1/S2's response lines, which carry no Seq: at all. The one case that
// does need a monotone per-lane sequence, subscription event delivery,
// goes through SendEvent instead.
func (t *Tunnel) Send(ctx context.Context, laneID uint16, f *frame.Frame) error {
	l, err := t.lane(laneID)
	if err != nil {
		return err
	}
	if err := l.AcquireSendCredit(ctx); err != nil {
		return err
	}
	f.SetLane(laneID)
	t.enqueue(laneID, f.Encode())
	return nil
}

// SendEvent is Send's counterpart for subscription EVENT delivery
// (package subscribe's deliver). It additionally stamps the lane's next
// outbound Seq: — spec.md §3's "delivery seq counter (lane-local)" — and,
// while the lane is in Subscribed mode, tracks the encoded frame for
// retransmission until it is acked. Heartbeat EVENTs go through Send
// instead, since spec.md §4.6 requires their Seq: be absent.
func (t *Tunnel) SendEvent(ctx context.Context, laneID uint16, f *frame.Frame) error {
	l, err := t.lane(laneID)
	if err != nil {
		return err
	}
	if err := l.AcquireSendCredit(ctx); err != nil {
		return err
	}
	seq := l.NextOutboundSeq()
	f.SetLane(laneID)
	f.SetSeq(seq)
	data := f.Encode()
	if l.Mode() == lane.Subscribed {
		t.reliability.Track(laneID, seq, data)
	}
	t.enqueue(laneID, data)
	return nil
}

// SendChunked splits body across Part: BEGIN/MORE/END frames after sending
// envelope with Transfer: chunked set, per spec.md §4.1. The first part
// (BEGIN) carries up to chunkSize bytes of body; any remaining bytes go out
// as MORE parts; a final, always-separate END part with an empty body closes
// the reassembly on the receiving lane. chunkSize defaults to
// NonChunkedBodyMax when <= 0.
func (t *Tunnel) SendChunked(ctx context.Context, laneID uint16, envelope *frame.Frame, body []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = t.cfg.NonChunkedBodyMax
	}
	envelope.Headers.Set("Transfer", "chunked")
	envelope.Headers.Del("Length")
	txn, _ := envelope.Txn()
	if err := t.Send(ctx, laneID, envelope); err != nil {
		return err
	}

	sendPart := func(part string, chunk []byte) error {
		pf := frame.NewRequest("PART")
		pf.SetTxn(txn)
		pf.Headers.Set("Part", part)
		pf.Headers.Set("Length", strconv.Itoa(len(chunk)))
		pf.Body = chunk
		return t.Send(ctx, laneID, pf)
	}

	part := "BEGIN"
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		if err := sendPart(part, body[offset:end]); err != nil {
			return err
		}
		part = "MORE"
	}
	return sendPart("END", nil)
}

// ---- handshake ----------------------------------------------------------

// ServeOptions configures the responder side of a handshake.
type ServeOptions struct {
	LocalCaps  handshake.Capabilities
	Provider   handshake.IdentityProvider
	NonceTTL   time.Duration
	NonceCache int
}

// Serve runs the responder side of the protocol on transport: it accepts
// exactly one HELLO (optionally preceded by nothing else, per spec.md
// §5's "HELLO strictly precedes any other frame on lane 0"), completes
// AUTH/CHALLENGE if required, then enters the read/write/heartbeat loops
// until ctx is canceled or the tunnel closes.
func (t *Tunnel) Serve(ctx context.Context, opts ServeOptions) error {
	codec := frame.NewCodec(t.transport, frame.WithMaxHeaderBlock(t.cfg.HeaderBlockMax), frame.WithMaxBody(t.cfg.NonChunkedBodyMax))

	nonces, err := handshake.NewNonceRegistry(opts.NonceCache, opts.NonceTTL)
	if err != nil {
		return err
	}
	hs := handshake.New(opts.LocalCaps, opts.Provider, t.transport, nonces, t.log)

	hello, err := codec.Decode()
	if err != nil {
		return err
	}
	outcome, err := hs.Accept(hello)
	if err != nil {
		return t.failHandshake(codec, err)
	}

	var session *handshake.Session
	if outcome.Challenge != "" {
		if err := handshake.ChallengeFrame(outcome.Challenge).EncodeTo(t.transport); err != nil {
			return err
		}
		proof, err := codec.Decode()
		if err != nil {
			return err
		}
		session, err = hs.VerifyProof(proof)
		if err != nil {
			return t.failHandshake(codec, err)
		}
	} else {
		session = outcome.Accepted
	}

	resumeTok, _ := hello.Headers.Get("Resume")
	var resp *frame.Frame
	if resumeTok != "" && t.resumes != nil {
		if saved, ok := t.resumes.Take(resumeTok); ok {
			acksHdr, _ := hello.Headers.Get("Lanes-Resume")
			t.restoreFromSaved(saved, parseResumeAcks(acksHdr))
			resp = frame.NewResponse(201, "RESUMED")
			resp.Headers.Set("Lanes", resumedLaneList(saved))
		}
	}
	if resp == nil {
		resp = handshake.HelloOKFrame(session)
	}
	if t.resumes != nil {
		tok := NewToken()
		t.setResumeToken(tok)
		resp.Headers.Set("Resume", tok)
	}
	t.setSession(session)
	if err := resp.EncodeTo(t.transport); err != nil {
		return err
	}

	return t.run(ctx, codec)
}

// SaveForResume snapshots the tunnel's lane state under the token issued
// at HELLO and stores it in the resume registry, so a later HELLO
// Resume:<tok> within resume_ttl restores it (spec.md §4.3's "Abrupt"
// shutdown path). It is a no-op if the handshake never completed or no
// resume registry is configured.
func (t *Tunnel) SaveForResume() {
	tok := t.ResumeToken()
	if t.resumes == nil || tok == "" {
		return
	}
	t.resumes.Save(tok, t.Snapshot())
}

func (t *Tunnel) failHandshake(codec *frame.Codec, err error) error {
	se, ok := err.(*status.Error)
	if !ok {
		se = status.Newf(status.Internal, "%v", err)
	}
	resp := frame.NewResponse(int(se.Code), se.ReasonPhrase())
	_ = resp.EncodeTo(t.transport)
	return err
}

func resumedLaneList(saved *SavedSession) string {
	parts := make([]string, 0, len(saved.Lanes))
	for id := range saved.Lanes {
		parts = append(parts, strconv.Itoa(int(id)))
	}
	return strings.Join(parts, ",")
}

// parseResumeAcks parses a Lanes-Resume: header of the form
// "5=ACK:10,6=ACK:3" into laneID -> acked seq, the inverse of
// formatResumeAcks. Malformed entries are skipped rather than failing the
// whole resume attempt.
func parseResumeAcks(raw string) map[uint16]uint64 {
	acks := make(map[uint16]uint64)
	if raw == "" {
		return acks
	}
	for _, part := range strings.Split(raw, ",") {
		idPart, ackPart, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idPart, 10, 16)
		if err != nil {
			continue
		}
		ack, err := strconv.ParseUint(strings.TrimPrefix(ackPart, "ACK:"), 10, 64)
		if err != nil {
			continue
		}
		acks[uint16(id)] = ack
	}
	return acks
}

// restoreFromSaved rebuilds the lane table from saved. When the peer's
// Lanes-Resume: header acks a lane, that lane's sender position advances
// to ack+1 rather than the raw snapshot value, and every frame tracked
// past that ack is replayed, per spec.md §4.4's "each lane's sender
// position advances to the acked seq + 1, and unacked frames are
// replayed." Lanes the peer did not ack fall back to the snapshot as-is.
func (t *Tunnel) restoreFromSaved(saved *SavedSession, acks map[uint16]uint64) {
	t.laneMu.Lock()
	type replay struct {
		laneID uint16
		seq    uint64
		data   []byte
	}
	var replays []replay
	for id, sl := range saved.Lanes {
		l := lane.NewWithCredit(id, t.cfg.InitialCredit, t.cfg.ChunkReassemblyCap)
		localSeqNext := sl.LocalSeqNext
		ack, acked := acks[id]
		if !acked {
			ack = sl.PeerAck
		} else {
			localSeqNext = ack + 1
		}
		l.SetLocalSeqNext(localSeqNext)
		l.SetPeerSeqExpected(sl.PeerSeqExpected)
		l.Ack(sl.PeerAck)
		l.LocalAck(sl.LocalAck)
		l.SetMode(sl.Mode)
		t.lanes[id] = l

		for _, pf := range sl.Pending {
			if pf.Seq > ack {
				replays = append(replays, replay{laneID: id, seq: pf.Seq, data: pf.Data})
			}
		}
	}
	t.laneMu.Unlock()

	for _, r := range replays {
		t.reliability.Track(r.laneID, r.seq, r.data)
		t.enqueue(r.laneID, r.data)
	}
}

// Snapshot captures the tunnel's lane state for the resume window, called
// when the transport drops abruptly (spec.md §4.3 "Abrupt" shutdown).
// Frames tracked by Reliability but not yet acked travel with the
// snapshot so a resumed tunnel can replay them.
func (t *Tunnel) Snapshot() *SavedSession {
	t.laneMu.Lock()
	defer t.laneMu.Unlock()
	lanes := make(map[uint16]SavedLane, len(t.lanes))
	for id, l := range t.lanes {
		var pending []SavedFrame
		for _, pf := range t.reliability.PendingFor(id) {
			pending = append(pending, SavedFrame{Seq: pf.Seq, Data: pf.Data})
		}
		lanes[id] = SavedLane{
			LocalSeqNext:    l.LocalSeqNext(),
			PeerSeqExpected: l.ExpectedInboundSeq(),
			PeerAck:         l.PeerAck(),
			LocalAck:        l.LocalAckValue(),
			Mode:            l.Mode(),
			Pending:         pending,
		}
	}
	return &SavedSession{Session: t.session, Lanes: lanes}
}

// ---- main loop ----------------------------------------------------------

func (t *Tunnel) run(ctx context.Context, codec *frame.Codec) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.writeLoop() })
	g.Go(func() error { return t.readLoop(gctx, codec) })
	g.Go(func() error { return t.heartbeatLoop(gctx) })
	g.Go(func() error { return t.reliability.Run(gctx) })

	err := g.Wait()
	t.stopWriter()
	t.teardown()
	return err
}

func (t *Tunnel) teardown() {
	t.laneMu.Lock()
	lanes := t.lanes
	t.laneMu.Unlock()
	canceled := status.New(status.Canceled, "CANCELED")
	for _, l := range lanes {
		l.CancelAll(canceled)
	}
}

func (t *Tunnel) readLoop(ctx context.Context, codec *frame.Codec) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := codec.Decode()
		if err != nil {
			return err
		}
		if err := t.handleInbound(ctx, f); err != nil {
			if se, ok := err.(*status.Error); ok && se.HasLane {
				resp := frame.NewResponse(int(se.Code), se.ReasonPhrase())
				resp.SetLane(se.Lane)
				if se.Txn != "" {
					resp.SetTxn(se.Txn)
				}
				t.SendControl(se.Lane, resp)
				continue
			}
			return err
		}
	}
}

func (t *Tunnel) handleInbound(ctx context.Context, f *frame.Frame) error {
	laneID, err := f.Lane()
	if err != nil {
		return err
	}
	atomic.StoreInt32(&t.missedHeartbeats, 0)

	switch f.Verb {
	case "":
		// Response frames resolve an outstanding Txn on the lane that
		// opened it (requests we issued ourselves, e.g. warren forwarding).
		l := t.laneOrNil(laneID)
		if l == nil {
			return nil
		}
		l.Touch()
		if txn, ok := f.Txn(); ok {
			if seq, has, err := f.Seq(); has {
				if err != nil {
					return err
				}
				if err := l.CheckInboundSeq(seq); err != nil {
					t.sendOutOfOrder(laneID, l)
					return nil
				}
			}
			l.Resolve(txn, f)
		}
		return nil
	case "PING":
		pong := frame.NewResponse(200, "PONG")
		t.SendControl(laneID, pong)
		return nil
	case "ACK":
		v, _ := f.Headers.Get("Ack")
		n, _ := strconv.ParseUint(v, 10, 64)
		if l := t.laneOrNil(laneID); l != nil {
			l.Ack(n)
			t.reliability.ConfirmAck(laneID, n)
		}
		return nil
	case "CREDIT":
		v, _ := f.Headers.Get("Credit")
		n, _ := strconv.ParseUint(strings.TrimPrefix(v, "+"), 10, 32)
		if l := t.laneOrNil(laneID); l != nil {
			l.AddSendCredit(uint32(n))
		}
		return nil
	case "CANCEL":
		return t.handleCancel(laneID, f)
	case "PART":
		return t.handlePartFrame(ctx, laneID, f)
	default:
		return t.handleVerbFrame(ctx, laneID, f)
	}
}

func (t *Tunnel) sendOutOfOrder(laneID uint16, l *lane.Lane) {
	resp := frame.NewResponse(int(status.OutOfOrder), status.OutOfOrder.Reason())
	resp.SetLane(laneID)
	resp.Headers.Set("Expected", strconv.FormatUint(l.ExpectedInboundSeq(), 10))
	t.SendControl(laneID, resp)
}

func (t *Tunnel) handleCancel(laneID uint16, f *frame.Frame) error {
	txn, _ := f.Txn()
	if l := t.laneOrNil(laneID); l != nil {
		l.Fail(txn, status.New(status.Canceled, "CANCELED").WithLane(laneID).WithTxn(txn))
		l.AbortChunk(txn)
	}
	t.laneMu.Lock()
	hooks := t.cancelHooks
	t.laneMu.Unlock()
	for _, hook := range hooks {
		hook(laneID)
	}
	resp := frame.NewResponse(int(status.Canceled), status.Canceled.Reason())
	resp.SetTxn(txn)
	t.SendControl(laneID, resp)
	return nil
}

func (t *Tunnel) handlePartFrame(ctx context.Context, laneID uint16, f *frame.Frame) error {
	l, err := t.lane(laneID)
	if err != nil {
		return err
	}
	if seq, has, serr := f.Seq(); has {
		if serr != nil {
			return serr
		}
		if err := l.CheckInboundSeq(seq); err != nil {
			t.sendOutOfOrder(laneID, l)
			return nil
		}
	}
	l.Touch()

	txn, _ := f.Txn()
	part, _ := f.Headers.Get("Part")
	body, err := l.AppendChunk(txn, part, f.Body)
	if err != nil {
		return err
	}
	if part != "END" {
		return nil
	}

	t.laneMu.Lock()
	envelope := t.chunkCtx[laneID][txn]
	if t.chunkCtx[laneID] != nil {
		delete(t.chunkCtx[laneID], txn)
	}
	t.laneMu.Unlock()
	if envelope == nil {
		return nil
	}
	envelope.Body = body
	envelope.Headers.Del("Transfer")
	envelope.Headers.Set("Length", strconv.Itoa(len(body)))

	if envelope.IsResponse() {
		l.Resolve(txn, envelope)
		return nil
	}
	if t.dispatcher != nil {
		go t.dispatcher.Dispatch(ctx, t, laneID, envelope)
	}
	return nil
}

func (t *Tunnel) handleVerbFrame(ctx context.Context, laneID uint16, f *frame.Frame) error {
	l, err := t.lane(laneID)
	if err != nil {
		return err
	}
	if seq, has, serr := f.Seq(); has {
		if serr != nil {
			return serr
		}
		if err := l.CheckInboundSeq(seq); err != nil {
			t.sendOutOfOrder(laneID, l)
			return nil
		}
	}
	l.Touch()
	if topUp := l.OnFrameReceived(); topUp > 0 {
		t.grantCredit(laneID, topUp)
	}

	transfer, _ := f.Headers.Get("Transfer")
	if strings.EqualFold(transfer, "chunked") {
		txn, _ := f.Txn()
		t.laneMu.Lock()
		if t.chunkCtx[laneID] == nil {
			t.chunkCtx[laneID] = make(map[string]*frame.Frame)
		}
		t.chunkCtx[laneID][txn] = f
		t.laneMu.Unlock()
		return nil
	}

	if t.dispatcher != nil {
		go t.dispatcher.Dispatch(ctx, t, laneID, f)
	}
	return nil
}

func (t *Tunnel) grantCredit(laneID uint16, n uint32) {
	f := frame.NewRequest("CREDIT")
	f.Headers.Set("Credit", "+"+strconv.FormatUint(uint64(n), 10))
	t.SendControl(laneID, f)
}

func (t *Tunnel) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l := t.laneOrNil(0)
			if l == nil || time.Since(l.LastActivity()) < t.cfg.HeartbeatInterval {
				continue
			}
			missed := atomic.AddInt32(&t.missedHeartbeats, 1)
			if missed > int32(t.cfg.MissedHeartbeatsLimit) {
				return status.New(status.Timeout, "heartbeat expired")
			}
			t.SendControl(0, frame.NewRequest("PING"))
		}
	}
}

// ---- initiator side -----------------------------------------------------

// DialOptions configures the initiator side of a handshake, the
// counterpart of ServeOptions.
type DialOptions struct {
	LocalCaps   handshake.Capabilities
	Identity    handshake.Identity
	Signer      handshake.Signer // unused when Identity is anonymous
	ResumeToken string
	// ResumeAcks maps lane id to the highest Seq already acked, rendered
	// as HELLO's Lanes-Resume: header (spec.md §4.4).
	ResumeAcks map[uint16]uint64
}

// Dial runs the initiator side of the protocol on transport: sends
// HELLO, completes CHALLENGE/AUTH PROOF if the responder demands it, then
// enters the read/write/heartbeat loops until ctx is canceled or the
// tunnel closes. The counterpart of Serve.
func (t *Tunnel) Dial(ctx context.Context, opts DialOptions) error {
	codec := frame.NewCodec(t.transport, frame.WithMaxHeaderBlock(t.cfg.HeaderBlockMax), frame.WithMaxBody(t.cfg.NonChunkedBodyMax))

	hello := handshake.NewHello(opts.LocalCaps, opts.Identity, opts.ResumeToken)
	if len(opts.ResumeAcks) > 0 {
		hello.Headers.Set("Lanes-Resume", formatResumeAcks(opts.ResumeAcks))
	}
	if err := hello.EncodeTo(t.transport); err != nil {
		return err
	}

	resp, err := codec.Decode()
	if err != nil {
		return err
	}

	switch resp.Status {
	case 200:
		session := sessionFromHelloOK(resp)
		t.setSession(session)
		tok, _ := resp.Headers.Get("Resume")
		t.setResumeToken(tok)
	case 201:
		// RESUMED: the responder restored its own lane table from the
		// resume token; our side's lane state is whatever the caller
		// already holds (it never left memory on this end).
		t.setSession(&handshake.Session{Identity: opts.Identity, Caps: opts.LocalCaps})
		tok, _ := resp.Headers.Get("Resume")
		t.setResumeToken(tok)
	case 300:
		nonce, _ := resp.Headers.Get("Nonce")
		msg := handshake.ChannelBindMessage(t.transport, nonce)
		if opts.Signer == nil {
			return status.Newf(status.AuthRequired, "challenge requires a Signer").WithLane(0)
		}
		proof := handshake.NewAuthProof(nonce, opts.Signer.Sign(msg))
		if err := proof.EncodeTo(t.transport); err != nil {
			return err
		}
		final, err := codec.Decode()
		if err != nil {
			return err
		}
		if final.Status != 200 {
			return status.Newf(status.Code(final.Status), final.Reason).WithLane(0)
		}
		t.setSession(sessionFromHelloOK(final))
		tok, _ := final.Headers.Get("Resume")
		t.setResumeToken(tok)
	default:
		return status.Newf(status.Code(resp.Status), resp.Reason).WithLane(0)
	}

	return t.run(ctx, codec)
}

func sessionFromHelloOK(resp *frame.Frame) *handshake.Session {
	capsHdr, _ := resp.Headers.Get("Caps")
	idHdr, _ := resp.Headers.Get("Burrow-Id")
	identity, _ := handshake.ParseIdentity(idHdr)
	return &handshake.Session{Identity: identity, Caps: handshake.ParseCaps(capsHdr)}
}

func formatResumeAcks(acks map[uint16]uint64) string {
	parts := make([]string, 0, len(acks))
	for lane, ack := range acks {
		parts = append(parts, strconv.FormatUint(uint64(lane), 10)+"=ACK:"+strconv.FormatUint(ack, 10))
	}
	return strings.Join(parts, ",")
}
