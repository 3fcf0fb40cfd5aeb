// Package rabbitlog is the structured logger every Rabbit component
// carries, the way a p2p.Peer carries a tag-prefixed *logger.Logger.
package rabbitlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the With(...) chaining the rest of the
// engine uses to pre-bind tunnel/lane/session identifiers onto every line
// a component logs, instead of repeating them at each call site.
type Logger struct {
	zerolog.Logger
}

// New builds the root logger for a burrow process. Output defaults to a
// console writer; embedders that want JSON (e.g. for log aggregation) can
// build their own zerolog.Logger and wrap it with Wrap.
func New(component string) Logger {
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return Wrap(zerolog.New(out).With().Timestamp().Str("component", component).Logger())
}

// NewWithWriter is New with an explicit sink, used by tests that want to
// assert on emitted lines instead of printing to stdout.
func NewWithWriter(component string, w io.Writer) Logger {
	return Wrap(zerolog.New(w).With().Timestamp().Str("component", component).Logger())
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(l zerolog.Logger) Logger {
	return Logger{l}
}

// Tunnel returns a child logger tagged with a tunnel identifier, the
// generalization of p2p.newPeer's logtag prefix.
func (l Logger) Tunnel(tunnelID string) Logger {
	return Wrap(l.With().Str("tunnel", tunnelID).Logger())
}

// Lane returns a child logger additionally tagged with a lane id.
func (l Logger) Lane(laneID uint16) Logger {
	return Wrap(l.With().Uint16("lane", laneID).Logger())
}

// Session returns a child logger tagged with a negotiated session identity.
func (l Logger) Session(identity string) Logger {
	return Wrap(l.With().Str("session", identity).Logger())
}
