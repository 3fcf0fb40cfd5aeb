package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/dgoldman0/Rabbit/internal/rabbitlog"
)

// pendingKey identifies one unacked frame.
type pendingKey struct {
	lane uint16
	seq  uint64
}

type pendingFrame struct {
	data     []byte
	lastSent time.Time
	attempts uint8
}

// Reliability tracks frames sent on lanes that asked for guaranteed
// delivery (subscription lanes, per SPEC_FULL.md's supplemented feature
// 8) and resends them until acked or max_retries is exhausted. Adapted
// from original_source protocol/reliability.rs's ReliabilityManager: the
// same track/confirm/resend-loop shape, translated from a
// tokio::sync::Mutex<HashMap<...>> plus tokio::time::sleep loop into a
// plain sync.Mutex and time.Ticker, since this engine's tunnel already
// owns one goroutine group (via errgroup) rather than freestanding tasks.
type Reliability struct {
	mu           sync.Mutex
	pending      map[pendingKey]*pendingFrame
	resend       func(laneID uint16, data []byte)
	interval     time.Duration
	maxRetries   uint8
	log          rabbitlog.Logger
}

func NewReliability(interval time.Duration, maxRetries uint8, resend func(laneID uint16, data []byte), log rabbitlog.Logger) *Reliability {
	return &Reliability{
		pending:    make(map[pendingKey]*pendingFrame),
		resend:     resend,
		interval:   interval,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Track registers a just-sent frame for possible retransmission.
func (r *Reliability) Track(laneID uint16, seq uint64, data []byte) {
	r.mu.Lock()
	r.pending[pendingKey{laneID, seq}] = &pendingFrame{data: data, lastSent: time.Now(), attempts: 1}
	r.mu.Unlock()
}

// PendingFrame is one tracked-but-unacked frame, exposed so a tunnel can
// carry it into a resume snapshot (spec.md §4.4's "unacked frames are
// replayed").
type PendingFrame struct {
	Seq  uint64
	Data []byte
}

// PendingFor returns every frame still tracked for laneID, unsorted.
func (r *Reliability) PendingFor(laneID uint16) []PendingFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingFrame
	for k, f := range r.pending {
		if k.lane == laneID {
			out = append(out, PendingFrame{Seq: k.seq, Data: f.data})
		}
	}
	return out
}

// ConfirmAck drops every tracked frame on laneID with seq <= ack, mirroring
// cumulative ack semantics (spec.md §4.2).
func (r *Reliability) ConfirmAck(laneID uint16, ack uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.pending {
		if k.lane == laneID && k.seq <= ack {
			delete(r.pending, k)
		}
	}
}

// Run drives the resend loop until ctx is canceled.
func (r *Reliability) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Reliability) tick(now time.Time) {
	type resendJob struct {
		lane uint16
		data []byte
	}
	var jobs []resendJob

	r.mu.Lock()
	for k, f := range r.pending {
		if now.Sub(f.lastSent) < r.interval {
			continue
		}
		if f.attempts >= r.maxRetries {
			delete(r.pending, k)
			continue
		}
		f.lastSent = now
		f.attempts++
		jobs = append(jobs, resendJob{k.lane, f.data})
	}
	r.mu.Unlock()

	for _, j := range jobs {
		r.resend(j.lane, j.data)
	}
}
