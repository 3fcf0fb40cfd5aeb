package handshake

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
)

// NonceRegistry is the single-use nonce registry spec.md §9 calls for as
// the fallback channel-binding mechanism: "if the transport cannot export
// keying material, fall back to signing a server-issued nonce with a
// short TTL and single-use registry." It is bounded (golang-lru) rather
// than a plain map so a hostile peer can't grow it without limit by
// requesting challenges it never completes.
type NonceRegistry struct {
	cache *lru.Cache
	ttl   time.Duration
}

type nonceEntry struct {
	issuedAt time.Time
}

func NewNonceRegistry(size int, ttl time.Duration) (*NonceRegistry, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &NonceRegistry{cache: cache, ttl: ttl}, nil
}

// Issue mints a fresh nonce and records it as outstanding.
func (r *NonceRegistry) Issue() string {
	nonce := uuid.NewString()
	r.cache.Add(nonce, nonceEntry{issuedAt: time.Now()})
	return nonce
}

// ConsumeOnce validates and removes nonce. A second call for the same
// nonce (replay) or a call past its TTL fails, matching spec.md §4.4's
// "reused nonce → 400".
func (r *NonceRegistry) ConsumeOnce(nonce string) error {
	v, ok := r.cache.Get(nonce)
	if !ok {
		return fmt.Errorf("unknown or reused nonce")
	}
	r.cache.Remove(nonce)
	entry := v.(nonceEntry)
	if time.Since(entry.issuedAt) > r.ttl {
		return fmt.Errorf("nonce expired")
	}
	return nil
}
