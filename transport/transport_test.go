package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/outerlayer/remotekernel/codec"
	"github.com/outerlayer/remotekernel/frame"
	"github.com/outerlayer/remotekernel/internal/test/assert"
	"github.com/outerlayer/remotekernel/process"
	"github.com/outerlayer/remotekernel/transport"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// spawnShell returns a real DeployedProcess around a shell script so
// Server.Close has something to tear down, standing in for the real
// kernel subprocess in tests that drive the client side directly
// in-process instead of spawning one.
func spawnShell(script string) *process.DeployedProcess {
	d := &process.ExecDeployer{Command: "sh", Args: []string{"-c", script}}
	dp, err := d.DeployKernel(context.Background(), fakeAddr("127.0.0.1:0"), nil)
	if err != nil {
		panic(err)
	}
	return dp
}

// deployerFunc adapts a function to process.Deployer.
type deployerFunc func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error)

func (f deployerFunc) DeployKernel(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
	return f(ctx, addr, reporter)
}

// connectingDeployer is a process.Deployer that, instead of letting a
// subprocess dial back, dials into the listener itself and hands the
// resulting *transport.Client to the test via clientCh. The spawned
// shell script only exists so the server has a real child to reap. This
// lets tests exercise the full Serve/Connect handshake without an
// external binary.
func connectingDeployer(cfg transport.Config, clientCh chan<- *transport.Client, script string) process.Deployer {
	return deployerFunc(func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
		if reporter != nil {
			reporter.Progress(50)
		}
		go func() {
			client, err := transport.Connect(ctx, addr.String(), cfg, nil)
			if err != nil {
				clientCh <- nil
				return
			}
			clientCh <- client
		}()
		return spawnShell(script), nil
	})
}

func testConfig() transport.Config {
	return transport.Config{
		AcceptTimeout: 5 * time.Second,
		ShutdownGrace: 200 * time.Millisecond,
	}
}

func TestServeConnectHappyPath(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	clientCh := make(chan *transport.Client, 1)
	srv, err := transport.Serve(context.Background(), "", connectingDeployer(cfg, clientCh, "sleep 30"), cfg, nil)
	assert.Success(t, err)
	defer srv.Close()

	client := <-clientCh
	if client == nil {
		t.Fatal("client failed to connect")
	}
	defer client.Close()

	go func() {
		for req := range client.Requests() {
			client.SendResponse(codec.RemoteResponse{ID: req.ID, Kind: "ok", Payload: req.Payload})
		}
	}()

	req := codec.RemoteRequest{ID: 1, Kind: "execute", Payload: []byte("1+1")}
	assert.Success(t, srv.SendRequest(req))

	select {
	case resp := <-srv.Responses():
		assert.Equal(t, "response id", req.ID, resp.ID)
		assert.Equal(t, "response payload", req.Payload, resp.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestShutdownRequestTerminatesClientRequests(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	clientCh := make(chan *transport.Client, 1)
	srv, err := transport.Serve(context.Background(), "", connectingDeployer(cfg, clientCh, "sleep 30"), cfg, nil)
	assert.Success(t, err)
	defer srv.Close()

	client := <-clientCh
	if client == nil {
		t.Fatal("client failed to connect")
	}
	defer client.Close()

	assert.Success(t, srv.SendRequest(codec.RemoteRequest{ID: 1, Kind: codec.KindShutdown}))

	var gotShutdown bool
	for req := range client.Requests() {
		if req.IsShutdown() {
			gotShutdown = true
		}
	}
	assert.Equal(t, "observed shutdown before stream closed", true, gotShutdown)
}

func TestCrossedHandshakeResolvesRoles(t *testing.T) {
	t.Parallel()

	// The fake kernel announces NotebookUpdates on the first connection it
	// dials and Main on the second, so arrival order is the reverse of role
	// order and the server must match sockets to roles by tag.
	cfg := testConfig()
	sockCh := make(chan []*frame.FramedSocket, 1)
	d := deployerFunc(func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
		go func() {
			var socks []*frame.FramedSocket
			for _, role := range []codec.ChannelRole{codec.RoleNotebookUpdates, codec.RoleMain} {
				conn, err := net.Dial("tcp", addr.String())
				if err != nil {
					break
				}
				sock := frame.New(conn, 0, nil)
				socks = append(socks, sock)
				if err := sock.Write(codec.EncodeRole(role)); err != nil {
					break
				}
			}
			sockCh <- socks
		}()
		return spawnShell("sleep 30"), nil
	})
	srv, err := transport.Serve(context.Background(), "", d, cfg, nil)
	assert.Success(t, err)
	defer srv.Close()

	socks := <-sockCh
	for _, s := range socks {
		defer s.Close()
	}
	if len(socks) != 2 {
		t.Fatal("fake kernel failed to connect both channels")
	}

	assert.Success(t, srv.SendNotebookUpdate(codec.NotebookUpdate{Seq: 1, Kind: "stdout", Payload: []byte("hi")}))

	// socks[0] is the first connection, the one that announced NotebookUpdates.
	select {
	case raw := <-socks[0].Frames():
		upd, err := codec.DecodeUpdate(raw)
		assert.Success(t, err)
		assert.Equal(t, "update seq", uint64(1), upd.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notebook update on the resolved channel")
	}
}

func TestAcceptTimeout(t *testing.T) {
	t.Parallel()

	cfg := transport.Config{AcceptTimeout: 50 * time.Millisecond, ShutdownGrace: 200 * time.Millisecond}
	d := deployerFunc(func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
		// never dials back
		return spawnShell("sleep 30"), nil
	})

	_, err := transport.Serve(context.Background(), "", d, cfg, nil)
	assert.Error(t, err)
	var terr *transport.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.TimeoutError, got %T: %v", err, err)
	}
}

// TestHandshakeTimeoutOnMissingRoleTag covers the gap left by
// TestAcceptTimeout: both connections arrive, so the accept itself
// succeeds, but neither ever writes its ChannelRole tag. Serve must not
// hang waiting for it.
func TestHandshakeTimeoutOnMissingRoleTag(t *testing.T) {
	t.Parallel()

	cfg := transport.Config{AcceptTimeout: 50 * time.Millisecond, ShutdownGrace: 200 * time.Millisecond}
	d := deployerFunc(func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
		if reporter != nil {
			reporter.Progress(50)
		}
		go func() {
			c1, err := net.Dial("tcp", addr.String())
			if err != nil {
				return
			}
			defer c1.Close()
			c2, err := net.Dial("tcp", addr.String())
			if err != nil {
				return
			}
			defer c2.Close()
			time.Sleep(time.Second)
		}()
		return spawnShell("sleep 30"), nil
	})

	_, err := transport.Serve(context.Background(), "", d, cfg, nil)
	assert.Error(t, err)
	var terr *transport.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.TimeoutError, got %T: %v", err, err)
	}
}

// TestDuplicateRoleTagFailsHandshake sends Main on both connections: the
// two tags are no longer a permutation of the two roles, so construction
// must fail with a HandshakeError rather than picking one arbitrarily.
func TestDuplicateRoleTagFailsHandshake(t *testing.T) {
	t.Parallel()

	cfg := transport.Config{AcceptTimeout: 2 * time.Second, ShutdownGrace: 200 * time.Millisecond}
	d := deployerFunc(func(ctx context.Context, addr net.Addr, reporter process.ProgressReporter) (*process.DeployedProcess, error) {
		go func() {
			var conns []net.Conn
			defer func() {
				for _, c := range conns {
					c.Close()
				}
			}()
			for i := 0; i < 2; i++ {
				c, err := net.Dial("tcp", addr.String())
				if err != nil {
					return
				}
				conns = append(conns, c)
				// one frame: length 1, payload = RoleMain tag
				c.Write([]byte{0, 0, 0, 1, byte(codec.RoleMain)})
			}
			time.Sleep(time.Second)
		}()
		return spawnShell("sleep 30"), nil
	})

	_, err := transport.Serve(context.Background(), "", d, cfg, nil)
	assert.Error(t, err)
	var herr *transport.HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("expected *transport.HandshakeError, got %T: %v", err, err)
	}
}

func TestServerClosePropagatesToClient(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	clientCh := make(chan *transport.Client, 1)
	srv, err := transport.Serve(context.Background(), "", connectingDeployer(cfg, clientCh, "sleep 30"), cfg, nil)
	assert.Success(t, err)

	client := <-clientCh
	if client == nil {
		t.Fatal("client failed to connect")
	}
	defer client.Close()

	assert.Success(t, srv.Close())
	assert.Equal(t, "connected after close", false, srv.IsConnected())
	assert.Equal(t, "close reason", "explicit close", srv.CloseReason())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never observed server close")
	}
}

// TestProcessExitClosesServer checks the child-death path: once the
// kernel process exits, the server's latch fires on its own, both
// channels are released, and the response stream terminates, all without
// an explicit Close.
func TestProcessExitClosesServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	clientCh := make(chan *transport.Client, 1)
	srv, err := transport.Serve(context.Background(), "", connectingDeployer(cfg, clientCh, "sleep 0.2"), cfg, nil)
	assert.Success(t, err)
	defer srv.Close()

	client := <-clientCh
	if client == nil {
		t.Fatal("client failed to connect")
	}
	defer client.Close()

	select {
	case <-srv.Done():
		assert.Success(t, srv.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed process exit")
	}

	select {
	case _, ok := <-srv.Responses():
		if ok {
			t.Fatal("expected response stream to be terminated after process exit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("response stream did not terminate after process exit")
	}
}

// TestClientCloseClosesServer is the inverse of
// TestServerClosePropagatesToClient: the client closing both sockets is
// how a dying kernel looks from the server side.
func TestClientCloseClosesServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	clientCh := make(chan *transport.Client, 1)
	srv, err := transport.Serve(context.Background(), "", connectingDeployer(cfg, clientCh, "sleep 30"), cfg, nil)
	assert.Success(t, err)
	defer srv.Close()

	client := <-clientCh
	if client == nil {
		t.Fatal("client failed to connect")
	}

	assert.Success(t, client.Close())

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed client close")
	}
}
