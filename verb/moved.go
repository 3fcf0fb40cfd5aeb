package verb

import (
	"fmt"

	"github.com/dgoldman0/Rabbit/status"
)

// Moved is returned by a Resolver method to signal Open Question (b)'s
// resolution: "301 MOVED is a mandatory redirect: the dispatcher
// re-resolves the Location: selector once (no redirect chains) and
// returns the final response; a second redirect is collapsed to 520."
type Moved struct {
	Location string
}

func (m *Moved) Error() string { return fmt.Sprintf("moved to %s", m.Location) }

// redirectOnce calls fn against sel; if fn reports *Moved, it re-resolves
// against the new selector exactly once and returns that result. A second
// *Moved in a row is a redirect chain and is returned as a 520
// status.Error, per Open Question (b).
func redirectOnce[T any](sel Selector, fn func(Selector) (T, error)) (T, Selector, error) {
	result, err := fn(sel)
	moved, ok := err.(*Moved)
	if !ok {
		return result, sel, err
	}
	next, perr := Parse(moved.Location)
	if perr != nil {
		return result, sel, perr
	}
	result2, err2 := fn(next)
	if _, ok2 := err2.(*Moved); ok2 {
		return result2, next, status.Newf(status.Internal, "redirect chain at %s", next.Raw)
	}
	return result2, next, err2
}
