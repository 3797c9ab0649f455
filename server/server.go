// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accept loop over a reactor-tracked listening socket.

package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
	"github.com/momentics/hioload-tcp/reactor"
	"github.com/momentics/hioload-tcp/socket"
)

// DefaultListenBacklog is passed to listen(2) unless overridden.
const DefaultListenBacklog = 1024

// OnNewConnection receives each accepted connection as a connected client.
// Returning true transfers ownership to the user; returning false leaves the
// client owned by the server, which reaps it on disconnection and tears it
// down on Stop.
type OnNewConnection func(*client.Client) bool

// Server owns a listening socket and the accepted clients the user declined.
type Server struct {
	sock *socket.Socket
	rctr api.Reactor
	log  *zap.Logger

	running atomic.Bool
	onNew   OnNewConnection
	backlog int

	clientsMu sync.Mutex
	clients   []*client.Client
}

// Option customizes server construction.
type Option func(*Server)

// WithReactor injects the reactor the server registers with. Default is the
// process-wide shared instance.
func WithReactor(r api.Reactor) Option {
	return func(s *Server) { s.rctr = r }
}

// WithLogger attaches a zap logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithBacklog overrides the listen backlog.
func WithBacklog(n int) Option {
	return func(s *Server) { s.backlog = n }
}

// New creates a stopped server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		sock:    socket.New(),
		log:     zap.NewNop(),
		backlog: DefaultListenBacklog,
	}
	for _, o := range opts {
		o(s)
	}
	if s.rctr == nil {
		r, err := reactor.Default()
		if err != nil {
			return nil, err
		}
		s.rctr = r
	}
	s.log = s.log.Named("server")
	return s, nil
}

// Start binds and listens on host:port, registers the listening socket with
// the reactor and installs the accept callback.
func (s *Server) Start(host string, port uint32, onNew OnNewConnection) error {
	if s.IsRunning() {
		return fmt.Errorf("start %s:%d: %w", host, port, api.ErrAlreadyRunning)
	}

	if err := s.sock.Bind(host, port); err != nil {
		s.sock.Close()
		return err
	}
	if err := s.sock.Listen(s.backlog); err != nil {
		s.sock.Close()
		return err
	}

	s.onNew = onNew
	s.rctr.Track(s.sock.FD(), nil, nil)
	s.rctr.SetReadCallback(s.sock.FD(), s.onReadAvailable)
	s.running.Store(true)

	s.log.Info("server running",
		zap.String("host", host), zap.Uint32("port", port))
	return nil
}

// Stop untracks and closes the listening socket, then disconnects every
// owned client. wait blocks until the listening socket's reactor entry is
// removed; recursiveWait extends that to each owned client.
func (s *Server) Stop(wait, recursiveWait bool) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	fd := s.sock.FD()
	s.rctr.Untrack(fd)
	if wait {
		s.rctr.WaitForRemoval(fd)
	}
	s.sock.Close()

	s.clientsMu.Lock()
	clients := s.clients
	s.clients = nil
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.Disconnect(wait && recursiveWait)
	}

	s.log.Info("server stopped")
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Socket exposes the listening socket handle.
func (s *Server) Socket() *socket.Socket { return s.sock }

// Reactor exposes the reactor this server registers with.
func (s *Server) Reactor() api.Reactor { return s.rctr }

// Clients returns a snapshot of the currently owned clients.
func (s *Server) Clients() []*client.Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]*client.Client, len(s.clients))
	copy(out, s.clients)
	return out
}

// onReadAvailable runs on a worker goroutine when the listening socket has
// a pending connection.
func (s *Server) onReadAvailable(fd int) {
	conn, err := s.sock.Accept()
	if err != nil {
		if s.IsRunning() {
			s.log.Warn("accept operation failure", zap.Error(err))
			s.Stop(false, false)
		}
		return
	}

	c, err := client.FromSocket(conn,
		client.WithReactor(s.rctr), client.WithLogger(s.log))
	if err != nil {
		s.log.Warn("client construction failure", zap.Error(err))
		conn.Close()
		return
	}

	s.log.Info("server received new connection",
		zap.String("conn_id", c.ID().String()),
		zap.String("peer", c.Host()), zap.Uint32("peer_port", c.Port()))

	if s.onNew != nil && s.onNew(c) {
		// Ownership transferred to the user.
		return
	}

	c.SetOnDisconnection(func() { s.onClientDisconnected(c) })
	s.clientsMu.Lock()
	s.clients = append(s.clients, c)
	s.clientsMu.Unlock()
}

// onClientDisconnected reaps an owned client. Once the server has stopped
// this is a no-op: Stop's own teardown path is already draining the list.
func (s *Server) onClientDisconnected(c *client.Client) {
	if !s.IsRunning() {
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for i, owned := range s.clients {
		if owned == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}
