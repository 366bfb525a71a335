package transport

import (
	"net"

	"github.com/outerlayer/remotekernel/frame"
)

// ChannelPair is the server-side pair of FramedSockets identified as the
// main channel and the notebook-updates channel, plus the remote peer's
// address.
type ChannelPair struct {
	Main     *frame.FramedSocket
	Updates  *frame.FramedSocket
	PeerAddr net.Addr
}

// IsConnected reports whether both sockets are connected.
func (p ChannelPair) IsConnected() bool {
	return p.Main.IsConnected() && p.Updates.IsConnected()
}

// Close closes both sockets in parallel.
func (p ChannelPair) Close() error {
	errCh := make(chan error, 2)
	go func() { errCh <- p.Main.Close() }()
	go func() { errCh <- p.Updates.Close() }()
	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}
