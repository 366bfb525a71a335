package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/outerlayer/remotekernel/codec"
	"github.com/outerlayer/remotekernel/frame"
	"github.com/outerlayer/remotekernel/process"
)

// identifiedConn is one accepted or dialed connection together with the
// role it announced (server side) or was assigned (client side).
type identifiedConn struct {
	sock *frame.FramedSocket
	role codec.ChannelRole
	err  error
}

// Serve implements the server-side half of orchestration: bind a
// listener, deploy the kernel subprocess pointed at it, accept exactly
// two connections and resolve which is which via the channel-identify
// handshake, then hand back a Server.
//
// listenAddr is the address to bind; "" picks an ephemeral port on
// 127.0.0.1.
func Serve(ctx context.Context, listenAddr string, deployer process.Deployer, cfg Config, logf func(string, ...interface{})) (*Server, error) {
	if logf == nil {
		logf = log.Printf
	}
	cfg = cfg.withDefaults()

	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to bind listener: %w", err)
	}

	proc, err := deployer.DeployKernel(ctx, listener.Addr(), process.ProgressFunc(func(pct int) {
		logf("transport: kernel deploy progress %d%%", pct)
	}))
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("transport: failed to deploy kernel: %w", err)
	}

	pair, err := acceptChannelPair(listener, cfg, logf)
	if err != nil {
		listener.Close()
		if killErr := proc.Kill(); killErr != nil {
			logf("transport: failed to kill kernel after handshake failure: %v", killErr)
		}
		return nil, err
	}

	return newServer(listener, proc, pair, cfg, logf), nil
}

// acceptChannelPair accepts exactly two connections, each bounded by
// cfg.AcceptTimeout, wraps them in FramedSockets, and resolves their
// roles by reading the first frame each announces in parallel: the two
// accepted sockets arrive in arbitrary order and must be permute-matched
// to Main/NotebookUpdates by reading a role tag off each. The whole
// handshake read phase, across both sockets, is itself bounded by a
// second cfg.AcceptTimeout window, so a connected peer that never
// announces a role cannot hang Serve forever.
func acceptChannelPair(listener net.Listener, cfg Config, logf func(string, ...interface{})) (ChannelPair, error) {
	var socks [2]*frame.FramedSocket
	var peerAddr net.Addr

	for i := 0; i < 2; i++ {
		conn, err := acceptWithTimeout(listener, cfg.AcceptTimeout)
		if err != nil {
			for j := 0; j < i; j++ {
				socks[j].Close()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return ChannelPair{}, &TimeoutError{Op: fmt.Sprintf("accept channel %d", i)}
			}
			return ChannelPair{}, fmt.Errorf("transport: accept failed: %w", err)
		}
		peerAddr = conn.RemoteAddr()
		socks[i] = frame.New(conn, cfg.KeepaliveInterval, logf)
	}

	results := make(chan identifiedConn, 2)
	for _, s := range socks {
		s := s
		go func() {
			role, err := readRoleTag(s)
			results <- identifiedConn{sock: s, role: role, err: err}
		}()
	}

	handshakeTimeout := time.NewTimer(cfg.AcceptTimeout)
	defer handshakeTimeout.Stop()

	var main, updates *frame.FramedSocket
	seen := map[codec.ChannelRole]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				socks[0].Close()
				socks[1].Close()
				return ChannelPair{}, &HandshakeError{Err: r.err}
			}
			if seen[r.role] {
				socks[0].Close()
				socks[1].Close()
				return ChannelPair{}, &HandshakeError{Err: fmt.Errorf("duplicate role tag %s", r.role)}
			}
			seen[r.role] = true
			switch r.role {
			case codec.RoleMain:
				main = r.sock
			case codec.RoleNotebookUpdates:
				updates = r.sock
			}
		case <-handshakeTimeout.C:
			socks[0].Close()
			socks[1].Close()
			return ChannelPair{}, &TimeoutError{Op: "handshake role tag"}
		}
	}

	return ChannelPair{Main: main, Updates: updates, PeerAddr: peerAddr}, nil
}

func acceptWithTimeout(listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type dl interface {
		SetDeadline(time.Time) error
	}
	if d, ok := listener.(dl); ok {
		d.SetDeadline(time.Now().Add(timeout))
	}
	return listener.Accept()
}

// readRoleTag reads exactly one frame from sock and decodes it as a
// ChannelRole. Every freshly accepted connection's first frame is
// expected to be a role tag.
func readRoleTag(sock *frame.FramedSocket) (codec.ChannelRole, error) {
	select {
	case raw, ok := <-sock.Frames():
		if !ok {
			return 0, fmt.Errorf("connection closed before sending a role tag: %w", sock.Err())
		}
		return codec.DecodeRole(raw)
	case <-sock.Done():
		return 0, fmt.Errorf("connection closed before sending a role tag: %w", sock.Err())
	}
}

// Connect implements the client-side half of orchestration: dial two TCP
// connections to addr, announce Main on the first and NotebookUpdates on
// the second, and hand back a Client.
func Connect(ctx context.Context, addr string, cfg Config, logf func(string, ...interface{})) (*Client, error) {
	if logf == nil {
		logf = log.Printf
	}
	cfg = cfg.withDefaults()

	var dialer net.Dialer
	main, err := dialAndAnnounce(ctx, &dialer, addr, codec.RoleMain, cfg, logf)
	if err != nil {
		return nil, err
	}
	updates, err := dialAndAnnounce(ctx, &dialer, addr, codec.RoleNotebookUpdates, cfg, logf)
	if err != nil {
		main.Close()
		return nil, err
	}

	return newClient(main, updates, logf), nil
}

func dialAndAnnounce(ctx context.Context, dialer *net.Dialer, addr string, role codec.ChannelRole, cfg Config, logf func(string, ...interface{})) (*frame.FramedSocket, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s channel: %w", role, err)
	}
	sock := frame.New(conn, cfg.KeepaliveInterval, logf)
	if err := sock.Write(codec.EncodeRole(role)); err != nil {
		sock.Close()
		return nil, &HandshakeError{Err: fmt.Errorf("failed to announce %s role: %w", role, err)}
	}
	return sock, nil
}
