package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgoldman0/Rabbit/handshake"
	"github.com/dgoldman0/Rabbit/lane"
)

// SavedFrame is one outbound frame sent but not yet acked at the moment a
// tunnel was snapshotted, carried so a resumed tunnel can replay it.
type SavedFrame struct {
	Seq  uint64
	Data []byte
}

// SavedLane is the per-lane state retained across a transport loss so a
// resumed tunnel can pick up where it left off (spec.md §4.4).
type SavedLane struct {
	LocalSeqNext    uint64
	PeerSeqExpected uint64
	PeerAck         uint64
	LocalAck        uint64
	Mode            lane.Mode
	Pending         []SavedFrame
}

// SavedSession is one entry in the resume window: a session identity plus
// its lane table, valid until ExpiresAt.
type SavedSession struct {
	Session   *handshake.Session
	Lanes     map[uint16]SavedLane
	ExpiresAt time.Time
}

// ResumeRegistry retains session state for resume_ttl after an abrupt
// disconnect (spec.md §4.3's "Shutdown" and §4.4's "Resumption"),
// generalizing p2p's lack of any resumption concept — devp2p connections
// are not resumable, so this whole component is new surface built in the
// teacher's constructor idiom rather than adapted from it.
type ResumeRegistry struct {
	mu      sync.Mutex
	entries map[string]*SavedSession
	ttl     time.Duration
}

func NewResumeRegistry(ttl time.Duration) *ResumeRegistry {
	return &ResumeRegistry{entries: make(map[string]*SavedSession), ttl: ttl}
}

// NewToken mints an opaque resume token (spec.md §3: "Resume token: opaque
// handle issued implicitly at HELLO").
func NewToken() string {
	return "resume-" + uuid.NewString()
}

func (r *ResumeRegistry) Save(token string, sess *SavedSession) {
	sess.ExpiresAt = time.Now().Add(r.ttl)
	r.mu.Lock()
	r.entries[token] = sess
	r.mu.Unlock()
}

// Take consumes and returns the saved session for token if it exists and
// has not expired. Either way the entry is removed: a resumed tunnel is
// issued a fresh token, and an expired one must not be reused.
func (r *ResumeRegistry) Take(token string) (*SavedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.entries[token]
	if !ok {
		return nil, false
	}
	delete(r.entries, token)
	if time.Now().After(sess.ExpiresAt) {
		return nil, false
	}
	return sess, true
}

// Sweep drops expired entries; callers may run it periodically to bound
// memory use when many tunnels drop without ever resuming.
func (r *ResumeRegistry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, sess := range r.entries {
		if now.After(sess.ExpiresAt) {
			delete(r.entries, token)
		}
	}
}
