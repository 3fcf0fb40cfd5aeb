// Package lane implements the per-lane state machine of spec.md §4.2:
// sequencing, cumulative acking, credit, mode transitions, the outstanding
// Txn table and chunked-body reassembly. A Lane does no I/O; the tunnel
// multiplexer owns the transport and hands lanes the frames addressed to
// them, generalizing p2p/peer.go's protoRW (a per-subprotocol channel view
// fed by one demuxing reader) from devp2p's fixed subprotocol set to
// Rabbit's dynamically opened lanes.
package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/status"
)

// Mode is the lane's coarse lifecycle state (spec.md §4.2).
type Mode int

const (
	Idle Mode = iota
	Request
	Streaming
	Subscribed
	Closing
	Done
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Request:
		return "request"
	case Streaming:
		return "streaming"
	case Subscribed:
		return "subscribed"
	case Closing:
		return "closing"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Defaults from spec.md §5.
const (
	DefaultInitialCredit       = 32
	DefaultChunkReassemblyCap  = 1024 * 1024
	DefaultLowWatermarkDivisor = 2
)

// TxnResult is delivered to whatever goroutine is awaiting a Txn's
// response — either the frame that resolved it, or an error (timeout,
// cancellation, lane teardown).
type TxnResult struct {
	Frame *frame.Frame
	Err   error
}

// Lane is the per-lane state described in spec.md §3.
type Lane struct {
	ID uint16

	mu sync.Mutex

	peerSeqExpected uint64
	localSeqNext    uint64
	peerAck         uint64
	localAck        uint64

	mode Mode

	sendCredit *creditGate

	recvGranted  uint32
	recvInitial  uint32
	recvConsumed uint32

	txns       map[string]chan TxnResult
	reassembly map[string]*reassembly
	chunkCap   int

	lastActivity time.Time
}

// New creates a lane in Idle mode with the recommended default credit
// window (spec.md §5's initial_credit=32).
func New(id uint16) *Lane {
	return NewWithCredit(id, DefaultInitialCredit, DefaultChunkReassemblyCap)
}

func NewWithCredit(id uint16, initialCredit uint32, chunkCap int) *Lane {
	return &Lane{
		ID:              id,
		peerSeqExpected: 1,
		localSeqNext:    1,
		mode:            Idle,
		sendCredit:      newCreditGate(initialCredit),
		recvGranted:     initialCredit,
		recvInitial:     initialCredit,
		txns:            make(map[string]chan TxnResult),
		reassembly:      make(map[string]*reassembly),
		chunkCap:        chunkCap,
		lastActivity:    time.Now(),
	}
}

func (l *Lane) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *Lane) SetMode(m Mode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

func (l *Lane) Touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

func (l *Lane) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

// NextOutboundSeq reserves and returns the next Seq to stamp on an
// outbound frame.
func (l *Lane) NextOutboundSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.localSeqNext
	l.localSeqNext++
	return seq
}

// LocalSeqNext peeks at the next Seq to be reserved without consuming it,
// used when snapshotting lane state for resumption.
func (l *Lane) LocalSeqNext() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSeqNext
}

// CheckInboundSeq validates an inbound Seq against peer_seq_expected. On
// success it advances the expectation and returns nil. On mismatch it
// returns a 409 OUT-OF-ORDER status.Error for this lane, per spec.md
// §4.2, and does not advance state — the frame must be dropped by the
// caller, which reads ExpectedInboundSeq for the Expected: header.
func (l *Lane) CheckInboundSeq(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.peerSeqExpected {
		return status.Newf(status.OutOfOrder, "OUT-OF-ORDER").
			WithLane(l.ID)
	}
	l.peerSeqExpected++
	return nil
}

// ExpectedInboundSeq reports peer_seq_expected for building the Expected:
// header of a 409 response.
func (l *Lane) ExpectedInboundSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerSeqExpected
}

// SetLocalSeqNext and SetPeerSeqExpected restore sequencing counters from a
// resumed session's saved lane state (spec.md §4.4), bypassing the normal
// increment-by-one paths used for live traffic.
func (l *Lane) SetLocalSeqNext(n uint64) {
	l.mu.Lock()
	l.localSeqNext = n
	l.mu.Unlock()
}

func (l *Lane) SetPeerSeqExpected(n uint64) {
	l.mu.Lock()
	l.peerSeqExpected = n
	l.mu.Unlock()
}

// Ack records a cumulative acknowledgement from the peer. Duplicate or
// stale acks are idempotent (§4.2: "Duplicate acks are idempotent").
func (l *Lane) Ack(seq uint64) {
	l.mu.Lock()
	if seq > l.peerAck {
		l.peerAck = seq
	}
	l.mu.Unlock()
}

func (l *Lane) PeerAck() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerAck
}

// LocalAck records the highest inbound Seq we have acknowledged to the
// peer.
func (l *Lane) LocalAck(seq uint64) {
	l.mu.Lock()
	if seq > l.localAck {
		l.localAck = seq
	}
	l.mu.Unlock()
}

func (l *Lane) LocalAckValue() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localAck
}

// AcquireSendCredit blocks until one unit of send_credit is available.
// Control frames (ACK/PING/CREDIT) never call this — they are
// credit-free per spec.md §4.2.
func (l *Lane) AcquireSendCredit(ctx context.Context) error {
	return l.sendCredit.Acquire(ctx)
}

// AddSendCredit applies a peer's CREDIT: +N grant.
func (l *Lane) AddSendCredit(n uint32) {
	l.sendCredit.Release(n)
}

func (l *Lane) SendCreditAvailable() uint32 {
	return l.sendCredit.Available()
}

// OnFrameReceived records consumption of one unit of recv_credit_granted
// and returns the amount of credit that should now be granted back to the
// peer (0 if no top-up is due yet). Replenishment policy is the
// recommended one from spec.md §4.2: top up by the count consumed once
// recv_credit_granted falls below half the initial grant.
func (l *Lane) OnFrameReceived() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recvGranted > 0 {
		l.recvGranted--
	}
	l.recvConsumed++
	lowWatermark := l.recvInitial / DefaultLowWatermarkDivisor
	if l.recvGranted < lowWatermark {
		topUp := l.recvConsumed
		l.recvGranted += topUp
		l.recvConsumed = 0
		return topUp
	}
	return 0
}

// EnsureSubscribeCredit grants at least one unit of recv credit so a
// subscribe response can begin delivering events, per spec.md §4.2 ("the
// engine MUST grant at least 1 before a subscribe can deliver events").
func (l *Lane) EnsureSubscribeCredit() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recvGranted == 0 {
		l.recvGranted = 1
		return 1
	}
	return 0
}

// OpenTxn registers a new outstanding transaction and returns the channel
// its result will be delivered on. It is an error to reuse a Txn id that
// is still outstanding on this lane (§4.2: "Txn is unique within a lane
// among outstanding requests").
func (l *Lane) OpenTxn(id string) (<-chan TxnResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.txns[id]; exists {
		return nil, status.Newf(status.BadRequest, "duplicate Txn %q on lane %d", id, l.ID).WithLane(l.ID).WithTxn(id)
	}
	ch := make(chan TxnResult, 1)
	l.txns[id] = ch
	return ch, nil
}

// Resolve delivers f to the awaiter of txn id, if any is outstanding.
func (l *Lane) Resolve(id string, f *frame.Frame) bool {
	l.mu.Lock()
	ch, ok := l.txns[id]
	if ok {
		delete(l.txns, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- TxnResult{Frame: f}
	return true
}

// Fail delivers err to the awaiter of txn id, if any is outstanding.
func (l *Lane) Fail(id string, err error) bool {
	l.mu.Lock()
	ch, ok := l.txns[id]
	if ok {
		delete(l.txns, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- TxnResult{Err: err}
	return true
}

// CancelAll fails every outstanding txn with err — used on lane teardown
// so that, per spec.md §8 property 8, every awaiter completes promptly.
func (l *Lane) CancelAll(err error) {
	l.mu.Lock()
	txns := l.txns
	l.txns = make(map[string]chan TxnResult)
	l.mu.Unlock()
	for _, ch := range txns {
		ch <- TxnResult{Err: err}
	}
}

// AppendChunk feeds one Part: BEGIN/MORE/END chunk into the reassembly
// buffer for txn. When the chunk is the END part, the complete body is
// returned. On cap overflow the reassembly state for txn is discarded and
// the caller must cancel the Txn.
func (l *Lane) AppendChunk(txn string, part string, data []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch part {
	case "BEGIN":
		l.reassembly[txn] = newReassembly(l.chunkCap)
	case "MORE", "END":
		if _, ok := l.reassembly[txn]; !ok {
			return nil, fmt.Errorf("chunk %s for unknown txn %q", part, txn)
		}
	default:
		return nil, fmt.Errorf("unknown Part value %q", part)
	}

	r := l.reassembly[txn]
	body, err := r.append(data, part == "END")
	if err != nil {
		delete(l.reassembly, txn)
		return nil, status.Newf(status.BadRequest, "frame-too-large").WithLane(l.ID).WithTxn(txn)
	}
	if part == "END" {
		delete(l.reassembly, txn)
	}
	return body, nil
}

// AbortChunk discards in-progress reassembly for txn, used on CANCEL.
func (l *Lane) AbortChunk(txn string) {
	l.mu.Lock()
	delete(l.reassembly, txn)
	l.mu.Unlock()
}
