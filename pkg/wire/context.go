// Package wire implements the duplex message channel between the agent and
// one kernel's REPL endpoints. Commands travel out on one websocket, output
// frames travel back on another, and each message carries a msgpack-encoded
// (type-tag, payload) pair.
package wire

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultLinger           = 50 * time.Millisecond
)

// Context carries the process-wide dial state shared by all socket pairs.
// It is constructed once at startup and injected into every Dial call; there
// is no lazily-built package-level singleton.
type Context struct {
	dialer *websocket.Dialer
	linger time.Duration
}

// ContextConfig configures a wire context.
type ContextConfig struct {
	HandshakeTimeout time.Duration
	// Linger bounds how long Close waits for the peer to acknowledge the
	// closing handshake.
	Linger time.Duration
}

// NewContext creates a wire context with the given configuration.
func NewContext(cfg ContextConfig) *Context {
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	linger := cfg.Linger
	if linger <= 0 {
		linger = defaultLinger
	}
	return &Context{
		dialer: &websocket.Dialer{HandshakeTimeout: handshake},
		linger: linger,
	}
}
