package subscribe

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgoldman0/Rabbit/frame"
	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
	"github.com/dgoldman0/Rabbit/lane"
	"github.com/dgoldman0/Rabbit/status"
	"github.com/dgoldman0/Rabbit/tunnel"
)

// Defaults from spec.md §5.
const (
	DefaultMaxInflightPerSubscriber = 256
	DefaultHeartbeatInterval        = 30 * time.Second
	DefaultBackfillEventsPerSecond  = 200
)

// Engine is the Subscription Engine of spec.md §4.6. One Engine serves
// every tunnel a burrow process hosts — topics are global, not
// per-tunnel, so two tunnels publishing to or subscribing on the same
// selector observe one consistent order (testable property 5).
type Engine struct {
	mu     sync.Mutex
	topics map[string]*topic
	byLane map[uint16]string // laneID -> selector, for CANCEL-driven cleanup

	oracle          ContinuityOracle
	maxInflight     int
	heartbeat       time.Duration
	backfillLimiter *rate.Limiter
	log             rabbitlog.Logger
}

func NewEngine(oracle ContinuityOracle, maxInflight int, heartbeat time.Duration, backfillPerSecond float64, log rabbitlog.Logger) *Engine {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflightPerSubscriber
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if backfillPerSecond <= 0 {
		backfillPerSecond = DefaultBackfillEventsPerSecond
	}
	return &Engine{
		topics:          make(map[string]*topic),
		byLane:          make(map[uint16]string),
		oracle:          oracle,
		maxInflight:     maxInflight,
		heartbeat:       heartbeat,
		backfillLimiter: rate.NewLimiter(rate.Limit(backfillPerSecond), int(backfillPerSecond)),
		log:             log,
	}
}

func (e *Engine) topicFor(selector string) *topic {
	e.mu.Lock()
	defer e.mu.Unlock()
	tp, ok := e.topics[selector]
	if !ok {
		tp = newTopic(selector)
		e.topics[selector] = tp
	}
	return tp
}

// Subscribe registers laneID on t as a subscriber of selector, puts the
// lane into Subscribed mode, and — when since is non-nil — replays
// backfilled events before handing the lane to live delivery, per
// spec.md §4.5: "the engine consults the continuity oracle to backfill
// events whose timestamp > Since before transitioning to live delivery...
// live events continue that sequence without restart."
func (e *Engine) Subscribe(ctx context.Context, t *tunnel.Tunnel, laneID uint16, l *lane.Lane, selector string, since *Cursor) error {
	l.SetMode(lane.Subscribed)
	l.EnsureSubscribeCredit()

	sub := &subscriber{tun: t, laneID: laneID}
	if since != nil {
		sub.sinceCursor = *since
	}
	tp := e.topicFor(selector)

	if since != nil && e.oracle != nil {
		events, err := e.oracle.ReadSince(selector, *since)
		if err != nil {
			return status.Newf(status.Internal, "backfill read failed: %v", err).WithLane(laneID)
		}
		for _, ev := range events {
			if err := e.backfillLimiter.Wait(ctx); err != nil {
				return err
			}
			if err := e.deliver(ctx, sub, selector, ev.Seq, ev.Payload); err != nil {
				return err
			}
			sub.lastSeq = ev.Seq
			sub.sinceCursor = Cursor{Seq: ev.Seq, HasSeq: true}
		}
	}

	tp.add(sub)
	e.mu.Lock()
	e.byLane[laneID] = selector
	e.mu.Unlock()
	go e.heartbeatLoop(ctx, tp, sub)
	return nil
}

// Unsubscribe removes laneID from selector's subscriber set, called on
// CANCEL or lane teardown.
func (e *Engine) Unsubscribe(selector string, laneID uint16) {
	e.topicFor(selector).remove(laneID)
	e.mu.Lock()
	delete(e.byLane, laneID)
	e.mu.Unlock()
}

// UnsubscribeLane looks up which selector, if any, laneID is currently
// subscribed to and removes it. Registered against tunnel.Tunnel via
// AddCancelHook so a CANCEL frame on the lane tears down the
// subscription without the tunnel package needing to know anything about
// topics. Tunnel teardown does not run cancel hooks, so a tunnel that
// closes without a CANCEL leaves its subscriptions registered.
func (e *Engine) UnsubscribeLane(laneID uint16) {
	e.mu.Lock()
	selector, ok := e.byLane[laneID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.Unsubscribe(selector, laneID)
}

func (e *Engine) heartbeatLoop(ctx context.Context, tp *topic, sub *subscriber) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tp.mu.Lock()
			_, stillSubscribed := tp.subscribers[sub.laneID]
			tp.mu.Unlock()
			if !stillSubscribed {
				return
			}
			hb := frame.NewRequest("EVENT")
			hb.Headers.Set("Length", "0")
			if err := sub.tun.Send(ctx, sub.laneID, hb); err != nil {
				return
			}
		}
	}
}

// Publish delivers payload to every current subscriber of selector,
// assigning one global, oracle-backed sequence number per spec.md §4.6's
// "publish path acquires the topic's write position, assigns the next
// global topic seq, persists (if oracle present), then fans out." The
// topic lock is held for the full fan-out, not just the seq assignment:
// §5's "two concurrent publishers are serialized by the engine" means
// exactly that — a second Publish on the same topic does not start
// handing frames to subscribers until the first one has finished, which
// is also what keeps every subscriber's inflight/lastSeq bookkeeping
// race-free without a separate lock. Returns the assigned seq.
func (e *Engine) Publish(ctx context.Context, selector string, payload []byte) (uint64, error) {
	tp := e.topicFor(selector)

	tp.mu.Lock()
	var seq uint64
	var err error
	if e.oracle != nil {
		seq, err = e.oracle.Append(selector, payload, time.Now())
	} else {
		seq = e.nextBestEffortSeq(tp)
	}
	if err != nil {
		tp.mu.Unlock()
		return 0, status.Newf(status.Internal, "publish persist failed: %v", err)
	}

	var slow []*subscriber
	for _, sub := range tp.subscribersLocked() {
		if sub.inflight >= e.maxInflight {
			slow = append(slow, sub)
			continue
		}
		sub.inflight++
		if derr := e.deliver(ctx, sub, selector, seq, payload); derr != nil {
			e.log.Warn().Err(derr).Uint16("lane", sub.laneID).Msg("event delivery failed")
		}
		sub.inflight--
		sub.lastSeq = seq
		sub.sinceCursor = Cursor{Seq: seq, HasSeq: true}
	}
	tp.mu.Unlock()

	// disconnectSlow removes the subscriber from tp, which re-locks tp.mu —
	// done here, after the fan-out lock is released, to avoid self-deadlock.
	for _, sub := range slow {
		e.disconnectSlow(ctx, sub, selector)
	}
	return seq, nil
}

// nextBestEffortSeq hands out a monotone per-topic seq when no oracle is
// configured, matching the "best-effort" delivery spec.md §4.5 describes
// for that case. The topic lock is already held by the caller.
func (e *Engine) nextBestEffortSeq(tp *topic) uint64 {
	max := uint64(0)
	for _, s := range tp.subscribers {
		if s.lastSeq > max {
			max = s.lastSeq
		}
	}
	return max + 1
}

// deliver sends one EVENT frame. The wire-visible Seq: header is the
// subscription's lane-local delivery counter (spec.md §3's "delivery seq
// counter (lane-local)"), assigned by tunnel.Tunnel.SendEvent itself;
// topicSeq is the engine's internal total-order/persistence key and never
// appears on the wire.
func (e *Engine) deliver(ctx context.Context, sub *subscriber, selector string, topicSeq uint64, payload []byte) error {
	ev := frame.NewRequest("EVENT", selector)
	ev.Headers.Set("Length", strconv.Itoa(len(payload)))
	ev.Body = payload
	return sub.tun.SendEvent(ctx, sub.laneID, ev)
}

// disconnectSlow drops a subscriber whose inflight queue exceeded
// max_inflight_per_subscriber, per spec.md §4.6: "past that, the slowest
// is disconnected with 429 FLOW-LIMIT on its lane."
func (e *Engine) disconnectSlow(ctx context.Context, sub *subscriber, selector string) {
	resp := frame.NewResponse(int(status.FlowLimit), "FLOW-LIMIT")
	resp.SetLane(sub.laneID)
	sub.tun.SendControl(sub.laneID, resp)
	e.log.Warn().Uint16("lane", sub.laneID).Str("selector", selector).
		Uint64("lastSeq", sub.lastSeq).Uint64("sinceSeq", sub.sinceCursor.Seq).
		Msg("subscriber disconnected for exceeding max_inflight_per_subscriber")
	e.Unsubscribe(selector, sub.laneID)
}

func (e *Engine) String() string {
	e.mu.Lock()
	topics := make([]*topic, 0, len(e.topics))
	for _, tp := range e.topics {
		topics = append(topics, tp)
	}
	e.mu.Unlock()

	subs := 0
	for _, tp := range topics {
		subs += len(tp.snapshot())
	}
	return fmt.Sprintf("subscribe.Engine(%d topics, %d subscribers)", len(topics), subs)
}
