package lane

import (
	"context"
	"sync"
)

// creditGate is a broadcast-channel counting semaphore. Unlike
// golang.org/x/sync/semaphore.Weighted it has no fixed ceiling: Rabbit
// credit windows grow without bound as CREDIT: +N frames arrive (§4.2),
// so a fixed-size semaphore would panic on over-release once granted
// credit exceeds the lane's initial window.
type creditGate struct {
	mu     sync.Mutex
	avail  uint32
	notify chan struct{}
}

func newCreditGate(initial uint32) *creditGate {
	return &creditGate{avail: initial, notify: make(chan struct{})}
}

// Acquire blocks until one unit of credit is available or ctx is done.
func (g *creditGate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.avail > 0 {
			g.avail--
			g.mu.Unlock()
			return nil
		}
		wake := g.notify
		g.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release grants n additional units, waking every blocked Acquire.
func (g *creditGate) Release(n uint32) {
	if n == 0 {
		return
	}
	g.mu.Lock()
	g.avail += n
	wake := g.notify
	g.notify = make(chan struct{})
	g.mu.Unlock()
	close(wake)
}

func (g *creditGate) Available() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.avail
}
