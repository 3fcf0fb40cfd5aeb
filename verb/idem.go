package verb

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// idemWindow implements Open Question (c)'s recommended resolution: a
// dedupe window per (peer identity, selector, Idem value) with a small
// TTL, bounded with golang-lru the same way handshake.NonceRegistry bounds
// its single-use nonces, so a peer retrying with fresh Idem values can't
// grow this unbounded.
type idemWindow struct {
	cache *lru.Cache
	ttl   time.Duration
}

type idemEntry struct {
	seenAt   time.Time
	response idemResponse
}

// idemResponse is the cached outcome of the first request bearing a given
// Idem value, replayed verbatim to duplicate requests within the window.
type idemResponse struct {
	status  int
	reason  string
	headers map[string]string
	body    []byte
}

func newIdemWindow(size int, ttl time.Duration) (*idemWindow, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &idemWindow{cache: cache, ttl: ttl}, nil
}

func idemKey(principal, selector, idem string) string {
	return principal + "\x00" + selector + "\x00" + idem
}

// lookup returns the cached response for (principal, selector, idem) if
// one was recorded within the TTL.
func (w *idemWindow) lookup(principal, selector, idem string) (idemResponse, bool) {
	if idem == "" {
		return idemResponse{}, false
	}
	v, ok := w.cache.Get(idemKey(principal, selector, idem))
	if !ok {
		return idemResponse{}, false
	}
	entry := v.(idemEntry)
	if time.Since(entry.seenAt) > w.ttl {
		w.cache.Remove(idemKey(principal, selector, idem))
		return idemResponse{}, false
	}
	return entry.response, true
}

// record stores resp as the canonical outcome for (principal, selector,
// idem), to be replayed on any duplicate within the TTL.
func (w *idemWindow) record(principal, selector, idem string, resp idemResponse) {
	if idem == "" {
		return
	}
	w.cache.Add(idemKey(principal, selector, idem), idemEntry{seenAt: time.Now(), response: resp})
}
