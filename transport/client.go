package transport

import (
	"log"
	"sync"

	"github.com/outerlayer/remotekernel/codec"
	"github.com/outerlayer/remotekernel/frame"
)

// Client is the peer of Server: it exposes an incoming request stream,
// an incoming update stream, response send and close. Both sockets are
// closed on the first latch transition, whatever its cause, so every
// stream terminates once the client is down.
type Client struct {
	main    *frame.FramedSocket
	updates *frame.FramedSocket
	logf    func(string, ...interface{})

	latchOnce   sync.Once
	closed      chan struct{}
	closeErr    error
	closeReason string

	releaseOnce sync.Once

	requestsOnce sync.Once
	requests     chan codec.RemoteRequest
	requestsErr  error

	updatesOnce sync.Once
	updatesCh   chan codec.NotebookUpdate
	updatesErr  error
}

func newClient(main, updates *frame.FramedSocket, logf func(string, ...interface{})) *Client {
	if logf == nil {
		logf = log.Printf
	}
	c := &Client{
		main:    main,
		updates: updates,
		logf:    logf,
		closed:  make(chan struct{}),
	}

	go c.watch(main.Done(), main.Err, "main channel closed")
	go c.watch(updates.Done(), updates.Err, "notebook-updates channel closed")
	go func() {
		<-c.closed
		c.release()
	}()

	return c
}

func (c *Client) watch(done <-chan struct{}, errFn func() error, reason string) {
	select {
	case <-done:
		c.setClosed(errFn(), reason)
	case <-c.closed:
	}
}

func (c *Client) setClosed(err error, reason string) {
	c.latchOnce.Do(func() {
		c.closeErr = err
		c.closeReason = reason
		close(c.closed)
	})
}

// release closes both sockets in parallel, exactly once.
func (c *Client) release() {
	c.releaseOnce.Do(func() {
		errCh := make(chan error, 2)
		go func() { errCh <- c.main.Close() }()
		go func() { errCh <- c.updates.Close() }()
		<-errCh
		<-errCh
	})
}

// SendResponse encodes rep and writes it to the main channel.
func (c *Client) SendResponse(rep codec.RemoteResponse) error {
	b, err := codec.EncodeResponse(rep)
	if err != nil {
		return &codec.EncodeError{MessageType: "RemoteResponse", Err: err}
	}
	if err := c.main.Write(b); err != nil {
		c.logf("transport: failed to send response %d: %v", rep.ID, err)
		return err
	}
	return nil
}

// Requests returns the decoded RemoteRequest sequence from the main
// channel. It terminates after delivering a shutdown request: shutdown is
// request-initiated by the server, and the client stops reading once it
// has acknowledged it. It also terminates, early, on the first frame that
// fails to decode; RequestsErr reports the cause in that case.
func (c *Client) Requests() <-chan codec.RemoteRequest {
	c.requestsOnce.Do(func() {
		c.requests = make(chan codec.RemoteRequest)
		go c.pumpRequests()
	})
	return c.requests
}

// RequestsErr returns the decode error, if any, that caused the Requests
// stream to terminate early. Only meaningful once that stream has closed.
func (c *Client) RequestsErr() error {
	return c.requestsErr
}

func (c *Client) pumpRequests() {
	defer close(c.requests)
	for raw := range c.main.Frames() {
		req, err := codec.DecodeRequest(raw)
		if err != nil {
			c.logf("transport: failed to decode request: %v", err)
			c.requestsErr = err
			return
		}
		select {
		case c.requests <- req:
		case <-c.closed:
			return
		}
		if req.IsShutdown() {
			return
		}
	}
}

// Updates returns the decoded NotebookUpdate sequence from the
// notebook-updates channel. It terminates when the closed latch fires, or
// on the first frame that fails to decode; UpdatesErr reports the cause
// in that case.
func (c *Client) Updates() <-chan codec.NotebookUpdate {
	c.updatesOnce.Do(func() {
		c.updatesCh = make(chan codec.NotebookUpdate)
		go c.pumpUpdates()
	})
	return c.updatesCh
}

// UpdatesErr returns the decode error, if any, that caused the Updates
// stream to terminate early. Only meaningful once that stream has closed.
func (c *Client) UpdatesErr() error {
	return c.updatesErr
}

func (c *Client) pumpUpdates() {
	defer close(c.updatesCh)
	for raw := range c.updates.Frames() {
		upd, err := codec.DecodeUpdate(raw)
		if err != nil {
			c.logf("transport: failed to decode notebook update: %v", err)
			c.updatesErr = err
			return
		}
		select {
		case c.updatesCh <- upd:
		case <-c.closed:
			return
		}
	}
}

// Done returns a channel closed when the closed latch transitions.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the cause recorded on the closed latch.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// CloseReason describes why the client closed, or returns "" while it is
// still open. Diagnostic only; Err carries the actual error, if any.
func (c *Client) CloseReason() string {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return ""
	}
}

// Close sets the latch and closes both channels. Idempotent; blocks
// until both sockets are released.
func (c *Client) Close() error {
	c.setClosed(nil, "explicit close")
	c.release()
	return c.closeErr
}
