//go:build linux || darwin

// File: socket/socket_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking socket syscalls for Unix-like systems. Connect supports an
// optional millisecond timeout implemented with a non-blocking connect, a
// single-fd writability poll and an SO_ERROR check, after which the socket
// is restored to blocking mode.

package socket

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
)

// Connect establishes a TCP connection to host:port. timeout <= 0 means a
// plain blocking connect.
func (s *Socket) Connect(host string, port uint32, timeout time.Duration) error {
	s.host = host
	s.port = port

	sa, family, err := s.resolveSockaddr()
	if err != nil {
		return err
	}
	if err := s.createIfNecessary(family); err != nil {
		return err
	}
	if err := s.checkOrSetRole(RoleClient); err != nil {
		return err
	}

	if timeout <= 0 {
		// Some platforms hand out non-blocking sockets by default; the
		// caller expects a blocking connect here.
		if err := unix.SetNonblock(s.fd, false); err != nil {
			s.Close()
			return api.NewError(api.CodeSyscallFailure, "connect", err)
		}
		if err := unix.Connect(s.fd, sa); err != nil {
			s.Close()
			return api.NewError(api.CodeSyscallFailure, "connect", err)
		}
		return nil
	}

	if err := unix.SetNonblock(s.fd, true); err != nil {
		s.Close()
		return api.NewError(api.CodeSyscallFailure, "connect", err)
	}

	err = unix.Connect(s.fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		s.Close()
		return api.NewError(api.CodeSyscallFailure, "connect", err)
	}

	if err == unix.EINPROGRESS {
		if err := s.waitWritable(timeout); err != nil {
			s.Close()
			return err
		}
		soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			s.Close()
			return api.NewError(api.CodeSyscallFailure, "getsockopt", err)
		}
		if soerr != 0 {
			s.Close()
			return api.NewError(api.CodeSyscallFailure, "connect", unix.Errno(soerr))
		}
	}

	if err := unix.SetNonblock(s.fd, false); err != nil {
		s.Close()
		return api.NewError(api.CodeSyscallFailure, "connect", err)
	}
	return nil
}

// waitWritable polls the fd for writability for up to timeout.
func (s *Socket) waitWritable(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return api.NewError(api.CodeTimeout, "connect", nil)
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return api.NewError(api.CodeSyscallFailure, "poll", err)
		}
		if n == 0 {
			return api.NewError(api.CodeTimeout, "connect", nil)
		}
		return nil
	}
}

// Recv reads up to size bytes. Zero bytes read means the remote host closed
// the connection.
func (s *Socket) Recv(size uint32) ([]byte, error) {
	if err := s.checkOrSetRole(RoleClient); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, api.NewError(api.CodeInvalidOperation, "recv",
			errors.New("zero-length read"))
	}

	buf := make([]byte, size)
	var n int
	err := retryIntr(func() (err error) {
		n, err = unix.Read(s.fd, buf)
		return err
	})
	if err != nil {
		return nil, api.NewError(api.CodeSyscallFailure, "recv", err)
	}
	if n == 0 {
		return nil, api.NewError(api.CodePeerClosed, "recv",
			errors.New("socket closed by remote host"))
	}
	return buf[:n], nil
}

// Send writes data and returns the number of bytes written.
func (s *Socket) Send(data []byte) (int, error) {
	if err := s.checkOrSetRole(RoleClient); err != nil {
		return 0, err
	}

	var n int
	err := retryIntr(func() (err error) {
		n, err = unix.Write(s.fd, data)
		return err
	})
	if err != nil {
		return 0, api.NewError(api.CodeSyscallFailure, "send", err)
	}
	return n, nil
}

// Bind binds the socket to host:port.
func (s *Socket) Bind(host string, port uint32) error {
	s.host = host
	s.port = port

	sa, family, err := s.resolveSockaddr()
	if err != nil {
		return err
	}
	if err := s.createIfNecessary(family); err != nil {
		return err
	}
	if err := s.checkOrSetRole(RoleServer); err != nil {
		return err
	}

	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return api.NewError(api.CodeSyscallFailure, "setsockopt", err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return api.NewError(api.CodeSyscallFailure, "bind", err)
	}
	return nil
}

// Listen marks the socket as accepting connections.
func (s *Socket) Listen(backlog int) error {
	if err := s.createIfNecessary(unix.AF_INET); err != nil {
		return err
	}
	if err := s.checkOrSetRole(RoleServer); err != nil {
		return err
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return api.NewError(api.CodeSyscallFailure, "listen", err)
	}
	return nil
}

// Accept takes one pending connection and returns it as a client-role
// socket. IPv6 peers are reported in square brackets, IPv4 in dotted form.
func (s *Socket) Accept() (*Socket, error) {
	if err := s.checkOrSetRole(RoleServer); err != nil {
		return nil, err
	}

	var (
		nfd int
		sa  unix.Sockaddr
	)
	err := retryIntr(func() (err error) {
		nfd, sa, err = unix.Accept(s.fd)
		return err
	})
	if err != nil {
		return nil, api.NewError(api.CodeSyscallFailure, "accept", err)
	}

	host, port := peerName(sa)
	return FromFD(nfd, host, port, RoleClient), nil
}

// Close releases the descriptor and resets the role.
func (s *Socket) Close() {
	if s.fd != InvalidFD {
		unix.Close(s.fd)
	}
	s.fd = InvalidFD
	s.role = RoleUnknown
}

// createIfNecessary creates the descriptor for the given address family if
// none exists yet.
func (s *Socket) createIfNecessary(family int) error {
	if s.fd != InvalidFD {
		return nil
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return api.NewError(api.CodeSyscallFailure, "socket", err)
	}
	unix.CloseOnExec(fd)
	s.fd = fd
	return nil
}

// resolveSockaddr turns the stored host/port into a sockaddr. IPv6 hosts are
// parsed verbatim; IPv4 hosts go through DNS and the first IPv4 address is
// used.
func (s *Socket) resolveSockaddr() (unix.Sockaddr, int, error) {
	if s.IsIPv6() {
		ip := net.ParseIP(s.host)
		if ip == nil || ip.To16() == nil {
			return nil, 0, api.NewError(api.CodeSyscallFailure, "inet_pton",
				fmt.Errorf("invalid IPv6 address %q", s.host))
		}
		sa := &unix.SockaddrInet6{Port: int(s.port)}
		copy(sa.Addr[:], ip.To16())
		return sa, unix.AF_INET6, nil
	}

	ips, err := net.LookupIP(s.host)
	if err != nil {
		return nil, 0, api.NewError(api.CodeSyscallFailure, "getaddrinfo", err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(s.port)}
			copy(sa.Addr[:], v4)
			return sa, unix.AF_INET, nil
		}
	}
	return nil, 0, api.NewError(api.CodeSyscallFailure, "getaddrinfo",
		fmt.Errorf("no IPv4 address for %q", s.host))
}

// peerName formats the remote endpoint of an accepted connection.
func peerName(sa unix.Sockaddr) (string, uint32) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), uint32(a.Port)
	case *unix.SockaddrInet6:
		return "[" + net.IP(a.Addr[:]).String() + "]", uint32(a.Port)
	default:
		return "", 0
	}
}

// retryIntr re-issues a syscall interrupted by a signal.
func retryIntr(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}
