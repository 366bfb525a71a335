// Package netpipe builds in-memory FramedSocket pairs for tests, built
// directly on net.Pipe so tests never need a real TCP listener.
package netpipe

import (
	"net"
	"time"

	"github.com/outerlayer/remotekernel/frame"
)

// Sockets returns two FramedSockets wrapping the two ends of an in-memory
// net.Pipe, with keepalives disabled by default (pass a positive interval
// to exercise keepalive behavior in a test).
func Sockets(keepaliveInterval time.Duration, logf func(string, ...interface{})) (a, b *frame.FramedSocket) {
	c1, c2 := net.Pipe()
	return frame.New(c1, keepaliveInterval, logf), frame.New(c2, keepaliveInterval, logf)
}
