//go:build linux || darwin

// File: client/client_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client pipeline behavior against plain net listeners standing in for
// remote peers.

package client_test

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
	"github.com/momentics/hioload-tcp/reactor"
)

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func newClient(t *testing.T, r *reactor.Reactor) *client.Client {
	t.Helper()
	c, err := client.New(client.WithReactor(r))
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(true) })
	return c
}

// listen starts a loopback listener and returns its port.
func listen(t *testing.T) (net.Listener, uint32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, uint32(port)
}

func TestAsyncOperationsWhenDisconnected(t *testing.T) {
	c := newClient(t, newReactor(t))

	err := c.AsyncRead(api.ReadRequest{Size: 1})
	require.ErrorIs(t, err, api.ErrDisconnected)

	err = c.AsyncWrite(api.WriteRequest{Buffer: []byte("x")})
	require.ErrorIs(t, err, api.ErrDisconnected)
}

func TestConnectInvalidHost(t *testing.T) {
	c := newClient(t, newReactor(t))

	err := c.Connect("invalid url", 1234, 0)
	require.Error(t, err)
	require.False(t, c.IsConnected())
}

func TestConnectNoListenerFailsFast(t *testing.T) {
	c := newClient(t, newReactor(t))

	begin := time.Now()
	err := c.Connect("127.0.0.1", 1, 200*time.Millisecond)
	elapsed := time.Since(begin)

	require.Error(t, err)
	require.False(t, c.IsConnected())
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestDoubleConnect(t *testing.T) {
	_, port := listen(t)
	c := newClient(t, newReactor(t))

	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	require.True(t, c.IsConnected())

	err := c.Connect("127.0.0.1", port, time.Second)
	require.ErrorIs(t, err, api.ErrAlreadyConnected)
	require.True(t, c.IsConnected())
}

func TestDisconnectThenReconnect(t *testing.T) {
	_, port := listen(t)
	c := newClient(t, newReactor(t))

	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	c.Disconnect(true)
	require.False(t, c.IsConnected())

	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))
	require.True(t, c.IsConnected())
}

func TestEchoAgainstStdlibPeer(t *testing.T) {
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	c := newClient(t, newReactor(t))
	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))

	wrote := make(chan api.WriteResult, 1)
	require.NoError(t, c.AsyncWrite(api.WriteRequest{
		Buffer: []byte("abcdef"),
		Done:   func(res api.WriteResult) { wrote <- res },
	}))

	// Three queued reads must complete in submission order; together they
	// reassemble the echoed payload.
	type chunk struct {
		idx int
		res api.ReadResult
	}
	chunks := make(chan chunk, 3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, c.AsyncRead(api.ReadRequest{
			Size: 2,
			Done: func(res api.ReadResult) { chunks <- chunk{idx: i, res: res} },
		}))
	}

	select {
	case res := <-wrote:
		require.True(t, res.Success)
		require.Equal(t, 6, res.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("write callback never fired")
	}

	var got []byte
	last := -1
	for i := 0; i < 3; i++ {
		select {
		case ck := <-chunks:
			require.Greater(t, ck.idx, last, "read callbacks out of submission order")
			last = ck.idx
			require.True(t, ck.res.Success)
			got = append(got, ck.res.Buffer...)
		case <-time.After(2 * time.Second):
			t.Fatal("read callback never fired")
		}
	}
	require.Equal(t, []byte("abcdef"), got)
}

func TestDisconnectDuringPendingRead(t *testing.T) {
	ln, port := listen(t)
	go func() {
		// Accept and hold the connection open without sending anything.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	c := newClient(t, newReactor(t))
	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))

	var handlerCalls atomic.Int32
	c.SetOnDisconnection(func() { handlerCalls.Add(1) })

	var cbCalls atomic.Int32
	var cbFailures atomic.Int32
	require.NoError(t, c.AsyncRead(api.ReadRequest{
		Size: 1024,
		Done: func(res api.ReadResult) {
			cbCalls.Add(1)
			if !res.Success {
				cbFailures.Add(1)
			}
		},
	}))

	// No data has arrived; the request is still queued. Disconnect drops it.
	done := make(chan struct{})
	go func() {
		c.Disconnect(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect(true) hung")
	}

	require.False(t, c.IsConnected())

	// The dropped request's callback either never fires or fires once with
	// a failed result; the handler fires at most once.
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, cbCalls.Load(), int32(1))
	require.Equal(t, cbFailures.Load(), cbCalls.Load())
	require.LessOrEqual(t, handlerCalls.Load(), int32(1))
}

func TestPeerCloseFailsPendingReadAndFiresHandler(t *testing.T) {
	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	c := newClient(t, newReactor(t))
	require.NoError(t, c.Connect("127.0.0.1", port, time.Second))

	handlerFired := make(chan struct{})
	var handlerCalls atomic.Int32
	c.SetOnDisconnection(func() {
		if handlerCalls.Add(1) == 1 {
			close(handlerFired)
		}
	})

	result := make(chan api.ReadResult, 1)
	require.NoError(t, c.AsyncRead(api.ReadRequest{
		Size: 16,
		Done: func(res api.ReadResult) { result <- res },
	}))

	// Remote close makes the socket readable with zero bytes pending.
	conn := <-accepted
	conn.Close()

	select {
	case res := <-result:
		require.False(t, res.Success, "recv of a closed peer must fail the request")
		require.Empty(t, res.Buffer)
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired after peer close")
	}

	select {
	case <-handlerFired:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnection handler never fired")
	}
	require.False(t, c.IsConnected())
	require.Equal(t, int32(1), handlerCalls.Load())
}

func TestClientIdentity(t *testing.T) {
	r := newReactor(t)
	c1 := newClient(t, r)
	c2 := newClient(t, r)
	require.NotEqual(t, c1.ID(), c2.ID())
}
