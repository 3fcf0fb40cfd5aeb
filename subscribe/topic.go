package subscribe

import (
	"sync"

	"github.com/dgoldman0/Rabbit/tunnel"
)

// subscriber is one lane currently subscribed to a topic: spec.md §4.6's
// "(lane-ref, credit, last-delivered-seq, since-cursor)" tuple. Credit is
// tracked by the underlying lane itself (tunnel.Tunnel.Send already
// blocks on send_credit); inflight here counts events queued for
// delivery but not yet acked, the quantity max_inflight_per_subscriber
// bounds.
type subscriber struct {
	tun         *tunnel.Tunnel
	laneID      uint16
	lastSeq     uint64
	inflight    int
	sinceCursor Cursor
}

// topic is the per-selector registry entry. Publish holds mu across its
// whole fan-out, which doubles mu as both the write-position lock (spec.md
// §4.6: "publish path acquires the topic's write position... fans out")
// and the subscriber-set guard — the mechanism behind §5's "two
// concurrent publishers are serialized by the engine".
type topic struct {
	mu          sync.Mutex
	selector    string
	subscribers map[uint16]*subscriber
}

func newTopic(selector string) *topic {
	return &topic{selector: selector, subscribers: make(map[uint16]*subscriber)}
}

func (t *topic) add(sub *subscriber) {
	t.mu.Lock()
	t.subscribers[sub.laneID] = sub
	t.mu.Unlock()
}

func (t *topic) remove(laneID uint16) {
	t.mu.Lock()
	delete(t.subscribers, laneID)
	t.mu.Unlock()
}

// snapshot returns a copy of the current subscriber set, acquiring mu
// itself. Safe to call from a goroutine that isn't already holding the
// topic lock (the heartbeat loop, CANCEL-driven cleanup).
func (t *topic) snapshot() []*subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribersLocked()
}

// subscribersLocked is snapshot's lock-free half, for Publish, which
// already holds mu across its whole fan-out (§4.6: "publish path
// acquires the topic's write position... fans out").
func (t *topic) subscribersLocked() []*subscriber {
	out := make([]*subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		out = append(out, s)
	}
	return out
}
