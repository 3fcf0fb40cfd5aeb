// Package subscribe implements the Subscription Engine of spec.md §4.6:
// a topic registry, publish-path fan-out with total ordering per topic,
// per-subscriber credit/backpressure, and Since:-driven backfill through
// a pluggable continuity oracle. Grounded on
// original_source/events/continuity.rs's ContinuityEngine (in-memory
// per-topic event log with append/replay) and
// original_source/network/warren_routing.rs's Arc<RwLock<HashMap<...>>>
// registry shape, translated into Go's sync.Mutex plus plain maps.
package subscribe

import (
	"fmt"
	"sync"
	"time"
)

// Event is one persisted or in-flight item in a topic's stream.
type Event struct {
	Seq       uint64
	Payload   []byte
	Timestamp time.Time
}

// Cursor identifies a Since: watermark, either a timestamp or an opaque
// seq token — SPEC_FULL.md's resolution of Open Question (a): both forms
// are accepted when the negotiated capability set includes "since-seq".
type Cursor struct {
	Timestamp time.Time
	Seq       uint64
	HasSeq    bool
}

// ContinuityOracle is the external persistence collaborator of spec.md
// §4.6 and §6: "append(topic, payload, timestamp) → seq;
// read_since(topic, since) → iterator<(seq, payload, timestamp)>."
// Absence of an oracle (a nil ContinuityOracle passed to NewEngine)
// reduces delivery to in-memory best-effort, per spec.md's wording.
type ContinuityOracle interface {
	Append(topic string, payload []byte, timestamp time.Time) (seq uint64, err error)
	ReadSince(topic string, since Cursor) ([]Event, error)
}

// MemoryOracle is the reference ContinuityOracle: an in-process,
// non-persistent log per topic, adapted from continuity.rs's
// ContinuityEngine with the disk-backed log file dropped (embedders that
// want durability provide their own oracle; this one exists so the
// engine is usable, and testable, without one).
type MemoryOracle struct {
	mu      sync.Mutex
	streams map[string][]Event
	nextSeq map[string]uint64
	maxKeep int
}

// NewMemoryOracle creates an in-memory oracle that retains at most
// maxKeep events per topic (0 means unbounded).
func NewMemoryOracle(maxKeep int) *MemoryOracle {
	return &MemoryOracle{streams: make(map[string][]Event), nextSeq: make(map[string]uint64), maxKeep: maxKeep}
}

func (o *MemoryOracle) Append(topic string, payload []byte, timestamp time.Time) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSeq[topic]++
	seq := o.nextSeq[topic]
	o.streams[topic] = append(o.streams[topic], Event{Seq: seq, Payload: payload, Timestamp: timestamp})
	if o.maxKeep > 0 && len(o.streams[topic]) > o.maxKeep {
		drop := len(o.streams[topic]) - o.maxKeep
		o.streams[topic] = o.streams[topic][drop:]
	}
	return seq, nil
}

func (o *MemoryOracle) ReadSince(topic string, since Cursor) ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	events, ok := o.streams[topic]
	if !ok {
		return nil, nil
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if since.HasSeq {
			if e.Seq > since.Seq {
				out = append(out, e)
			}
			continue
		}
		if e.Timestamp.After(since.Timestamp) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (o *MemoryOracle) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("MemoryOracle(%d topics)", len(o.streams))
}
