// Package transport implements the server/client halves of the remote
// kernel transport: the channel pair, the server and client peers, the
// deploy-accept-handshake orchestration that builds them, and a small
// optional HTTP status surface.
package transport

import "time"

// Config holds the transport's tunable timeouts. Serve and Connect replace
// every zero or negative field with its DefaultConfig value.
type Config struct {
	// KeepaliveInterval is the period at which FramedSockets send silent
	// keepalives. Default: 250ms.
	KeepaliveInterval time.Duration
	// AcceptTimeout bounds each of the two connection accepts during
	// Serve, and then the wait for both sockets' role tags as a whole.
	// Default: 3 minutes.
	AcceptTimeout time.Duration
	// ShutdownGrace bounds how long Close waits for the deployed process
	// to exit before escalating to Kill, and again after. Default: 30
	// seconds.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the package's built-in defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 250 * time.Millisecond,
		AcceptTimeout:     3 * time.Minute,
		ShutdownGrace:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}
