// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Async TCP client. User goroutines enqueue read/write requests; the
// reactor dispatches readiness onto its worker pool, where the head request
// performs the blocking syscall and the user callback is invoked with the
// result. A failed result tears the connection down and fires the
// disconnection handler once.

package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/reactor"
	"github.com/momentics/hioload-tcp/socket"
)

// DisconnectionHandler is the one-shot user hook fired after the client
// transitions out of the connected state on a failed operation. It must not
// call blocking client methods on the same client; scheduling a reconnect
// from another goroutine is fine.
type DisconnectionHandler func()

// Client is an asynchronous request/response TCP connection.
type Client struct {
	id   uuid.UUID
	sock *socket.Socket
	rctr api.Reactor
	log  *zap.Logger

	connected atomic.Bool

	rdMu    sync.Mutex
	rdQueue *queue.Queue

	wrMu    sync.Mutex
	wrQueue *queue.Queue

	discMu       sync.Mutex
	onDisc       DisconnectionHandler
	handlerFired atomic.Bool
}

// Option customizes client construction.
type Option func(*Client)

// WithReactor injects the reactor the client registers with. Default is the
// process-wide shared instance.
func WithReactor(r api.Reactor) Option {
	return func(c *Client) { c.rctr = r }
}

// WithLogger attaches a zap logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a disconnected client.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		id:      uuid.New(),
		sock:    socket.New(),
		rdQueue: queue.New(),
		wrQueue: queue.New(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rctr == nil {
		r, err := reactor.Default()
		if err != nil {
			return nil, err
		}
		c.rctr = r
	}
	c.log = c.log.Named("client").With(zap.String("conn_id", c.id.String()))
	return c, nil
}

// FromSocket builds an already-connected client around an accepted socket
// and registers it with the reactor. Used by the server's accept path.
func FromSocket(sock *socket.Socket, opts ...Option) (*Client, error) {
	c := &Client{
		id:      uuid.New(),
		sock:    sock,
		rdQueue: queue.New(),
		wrQueue: queue.New(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rctr == nil {
		r, err := reactor.Default()
		if err != nil {
			return nil, err
		}
		c.rctr = r
	}
	c.log = c.log.Named("client").With(zap.String("conn_id", c.id.String()))

	c.rctr.Track(sock.FD(), nil, nil)
	c.connected.Store(true)
	c.log.Debug("client adopted accepted socket",
		zap.String("host", sock.Host()), zap.Uint32("port", sock.Port()))
	return c, nil
}

// ID returns the connection identity assigned at construction.
func (c *Client) ID() uuid.UUID { return c.id }

// Host returns the remote host.
func (c *Client) Host() string { return c.sock.Host() }

// Port returns the remote port.
func (c *Client) Port() uint32 { return c.sock.Port() }

// Socket exposes the underlying socket handle.
func (c *Client) Socket() *socket.Socket { return c.sock }

// Reactor exposes the reactor this client registers with.
func (c *Client) Reactor() api.Reactor { return c.rctr }

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// SetOnDisconnection installs the disconnection handler.
func (c *Client) SetOnDisconnection(h DisconnectionHandler) {
	c.discMu.Lock()
	c.onDisc = h
	c.discMu.Unlock()
}

// Connect establishes the connection and registers the socket with the
// reactor. timeout <= 0 means a blocking connect.
func (c *Client) Connect(host string, port uint32, timeout time.Duration) error {
	if c.IsConnected() {
		return fmt.Errorf("connect %s:%d: %w", host, port, api.ErrAlreadyConnected)
	}

	if err := c.sock.Connect(host, port, timeout); err != nil {
		c.sock.Close()
		return err
	}

	c.rctr.Track(c.sock.FD(), nil, nil)
	c.handlerFired.Store(false)
	c.connected.Store(true)

	c.log.Info("client connected",
		zap.String("host", host), zap.Uint32("port", port))
	return nil
}

// Disconnect transitions to disconnected, drops all pending requests
// without invoking their callbacks, untracks the socket and closes it. With
// wait set it blocks until the reactor entry is gone, i.e. until any
// in-flight callback has completed. Disconnecting a disconnected client is
// a no-op.
func (c *Client) Disconnect(wait bool) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	c.clearReadRequests()
	c.clearWriteRequests()

	fd := c.sock.FD()
	c.rctr.Untrack(fd)
	if wait {
		c.rctr.WaitForRemoval(fd)
	}
	c.sock.Close()

	c.log.Info("client disconnected")
}

// AsyncRead enqueues a read request. The head of the queue owns the
// reactor's read interest; the completion callback fires from a worker
// goroutine.
func (c *Client) AsyncRead(req api.ReadRequest) error {
	c.rdMu.Lock()
	defer c.rdMu.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("async_read: %w", api.ErrDisconnected)
	}

	// Idempotent; safe to install on every enqueue.
	c.rctr.SetReadCallback(c.sock.FD(), c.onReadAvailable)
	c.rdQueue.Add(req)
	return nil
}

// AsyncWrite enqueues a write request; symmetric with AsyncRead.
func (c *Client) AsyncWrite(req api.WriteRequest) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("async_write: %w", api.ErrDisconnected)
	}

	c.rctr.SetWriteCallback(c.sock.FD(), c.onWriteAvailable)
	c.wrQueue.Add(req)
	return nil
}

// onReadAvailable runs on a worker goroutine when the socket is readable.
func (c *Client) onReadAvailable(fd int) {
	res, done := c.processRead()

	if !res.Success {
		c.log.Warn("read operation failure")
		c.Disconnect(false)
	}
	if done != nil {
		done(res)
	}
	if !res.Success {
		c.callDisconnectionHandler()
	}
}

// onWriteAvailable runs on a worker goroutine when the socket is writable.
func (c *Client) onWriteAvailable(fd int) {
	res, done := c.processWrite()

	if !res.Success {
		c.log.Warn("write operation failure")
		c.Disconnect(false)
	}
	if done != nil {
		done(res)
	}
	if !res.Success {
		c.callDisconnectionHandler()
	}
}

// processRead pops the head read request and performs the blocking recv.
// The reactor's read interest is dropped when the queue drains, otherwise
// level-triggered readiness would spin the worker pool on an empty queue.
// The user callback is returned so it runs with no lock held.
func (c *Client) processRead() (api.ReadResult, func(api.ReadResult)) {
	c.rdMu.Lock()
	defer c.rdMu.Unlock()

	if c.rdQueue.Length() == 0 {
		// Raced with Disconnect clearing the queue.
		c.rctr.SetReadCallback(c.sock.FD(), nil)
		return api.ReadResult{Success: true}, nil
	}

	req := c.rdQueue.Remove().(api.ReadRequest)

	var res api.ReadResult
	buf, err := c.sock.Recv(req.Size)
	if err == nil {
		res = api.ReadResult{Success: true, Buffer: buf}
	}

	if c.rdQueue.Length() == 0 {
		c.rctr.SetReadCallback(c.sock.FD(), nil)
	}
	return res, req.Done
}

// processWrite pops the head write request and performs the blocking send;
// symmetric with processRead.
func (c *Client) processWrite() (api.WriteResult, func(api.WriteResult)) {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()

	if c.wrQueue.Length() == 0 {
		c.rctr.SetWriteCallback(c.sock.FD(), nil)
		return api.WriteResult{Success: true}, nil
	}

	req := c.wrQueue.Remove().(api.WriteRequest)

	var res api.WriteResult
	n, err := c.sock.Send(req.Buffer)
	if err == nil {
		res = api.WriteResult{Success: true, Size: n}
	}

	if c.wrQueue.Length() == 0 {
		c.rctr.SetWriteCallback(c.sock.FD(), nil)
	}
	return res, req.Done
}

// clearReadRequests drops all queued read requests.
func (c *Client) clearReadRequests() {
	c.rdMu.Lock()
	defer c.rdMu.Unlock()
	c.rdQueue = queue.New()
}

// clearWriteRequests drops all queued write requests.
func (c *Client) clearWriteRequests() {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	c.wrQueue = queue.New()
}

// callDisconnectionHandler fires the user hook at most once per connection
// loss; concurrent read and write failures race to it.
func (c *Client) callDisconnectionHandler() {
	if !c.handlerFired.CompareAndSwap(false, true) {
		return
	}
	c.discMu.Lock()
	h := c.onDisc
	c.discMu.Unlock()
	if h != nil {
		h()
	}
}
