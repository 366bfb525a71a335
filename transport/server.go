package transport

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/outerlayer/remotekernel/codec"
	"github.com/outerlayer/remotekernel/process"
)

// Server owns the listening socket, the deployed process and a
// ChannelPair; it exposes a response stream, request send, update send,
// connection status and close.
//
// Its closed-latch propagation uses watcher goroutines racing the
// channel pair's Done() signals and the process exit signal: whichever
// fires first tears the whole server down, since either channel dying or
// the kernel exiting leaves the transport unusable. The listener, both
// sockets and the process are released exactly once, on the first latch
// transition, whatever its cause.
type Server struct {
	listener net.Listener
	proc     *process.DeployedProcess
	pair     ChannelPair
	cfg      Config
	logf     func(string, ...interface{})

	latchOnce   sync.Once
	closed      chan struct{}
	closeErr    error
	closeReason string

	releaseOnce sync.Once

	responsesOnce sync.Once
	responses     chan codec.RemoteResponse
	responsesErr  error
}

func newServer(listener net.Listener, proc *process.DeployedProcess, pair ChannelPair, cfg Config, logf func(string, ...interface{})) *Server {
	if logf == nil {
		logf = log.Printf
	}
	s := &Server{
		listener: listener,
		proc:     proc,
		pair:     pair,
		cfg:      cfg,
		logf:     logf,
		closed:   make(chan struct{}),
	}

	go s.watch(pair.Main.Done(), pair.Main.Err, "main channel closed")
	go s.watch(pair.Updates.Done(), pair.Updates.Err, "notebook-updates channel closed")
	go s.watchProcess()
	go func() {
		<-s.closed
		s.release()
	}()

	return s
}

// watch propagates the first of {main closed, updates closed} into the
// server's own closed latch: the death of either channel takes down the
// whole transport.
func (s *Server) watch(done <-chan struct{}, errFn func() error, reason string) {
	select {
	case <-done:
		s.setClosed(errFn(), reason)
	case <-s.closed:
	}
}

func (s *Server) watchProcess() {
	select {
	case <-s.proc.Exited():
		code, _ := s.proc.ExitStatus()
		s.logf("transport: kernel process exited with code %d", code)
		s.setClosed(nil, fmt.Sprintf("kernel process exited with code %d", code))
	case <-s.closed:
	}
}

func (s *Server) setClosed(err error, reason string) {
	s.latchOnce.Do(func() {
		s.closeErr = err
		s.closeReason = reason
		close(s.closed)
	})
}

// release frees the listener, both framed sockets and the process.
// AwaitOrKill returns immediately when the process has already exited;
// otherwise the kernel gets ShutdownGrace to leave on its own before
// being killed.
func (s *Server) release() {
	s.releaseOnce.Do(func() {
		s.listener.Close()
		s.pair.Close()
		if err := s.proc.AwaitOrKill(s.cfg.ShutdownGrace); err != nil {
			s.logf("transport: failed to terminate kernel process: %v", err)
		}
	})
}

// SendRequest encodes req and writes it to the main channel.
func (s *Server) SendRequest(req codec.RemoteRequest) error {
	b, err := codec.EncodeRequest(req)
	if err != nil {
		return &codec.EncodeError{MessageType: "RemoteRequest", Err: err}
	}
	if err := s.pair.Main.Write(b); err != nil {
		s.logf("transport: failed to send request %d: %v", req.ID, err)
		return err
	}
	return nil
}

// SendNotebookUpdate encodes upd and writes it to the notebook-updates
// channel.
func (s *Server) SendNotebookUpdate(upd codec.NotebookUpdate) error {
	b, err := codec.EncodeUpdate(upd)
	if err != nil {
		return &codec.EncodeError{MessageType: "NotebookUpdate", Err: err}
	}
	if err := s.pair.Updates.Write(b); err != nil {
		s.logf("transport: failed to send notebook update %d: %v", upd.Seq, err)
		return err
	}
	return nil
}

// Responses returns the lazy sequence of decoded responses from the main
// channel. It terminates when the closed latch fires, the channel's frame
// sequence terminates, or the first frame fails to decode; ResponsesErr
// reports the cause in the last case.
func (s *Server) Responses() <-chan codec.RemoteResponse {
	s.responsesOnce.Do(func() {
		s.responses = make(chan codec.RemoteResponse)
		go s.pumpResponses()
	})
	return s.responses
}

// ResponsesErr returns the decode error, if any, that caused the
// Responses stream to terminate early. Only meaningful once that stream
// has closed.
func (s *Server) ResponsesErr() error {
	return s.responsesErr
}

func (s *Server) pumpResponses() {
	defer close(s.responses)
	for raw := range s.pair.Main.Frames() {
		resp, err := codec.DecodeResponse(raw)
		if err != nil {
			s.logf("transport: failed to decode response: %v", err)
			s.responsesErr = err
			return
		}
		select {
		case s.responses <- resp:
		case <-s.closed:
			return
		}
	}
}

// IsConnected reports whether both channels are connected.
func (s *Server) IsConnected() bool {
	return s.pair.IsConnected()
}

// Addr returns the listening socket's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Done returns a channel closed when the closed latch transitions.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}

// Err returns the cause recorded on the closed latch.
func (s *Server) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

// CloseReason describes why the transport closed ("explicit close",
// "main channel closed", ...) or returns "" while it is still open.
// Diagnostic only; Err carries the actual error, if any.
func (s *Server) CloseReason() string {
	select {
	case <-s.closed:
		return s.closeReason
	default:
		return ""
	}
}

// Close sets the closed latch to success and releases the listener, the
// channel pair and the process, waiting up to ShutdownGrace for the
// kernel to exit before killing it. Idempotent; blocks until resources
// are released.
func (s *Server) Close() error {
	s.setClosed(nil, "explicit close")
	s.release()
	return s.closeErr
}
