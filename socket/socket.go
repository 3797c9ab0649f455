// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Role-tagged TCP socket handle. The role is set lazily by the first
// role-specific operation and is immutable until Close; a role-incompatible
// operation fails with CodeInvalidOperation.

package socket

import (
	"errors"
	"strings"

	"github.com/momentics/hioload-tcp/api"
)

// InvalidFD marks a handle with no underlying descriptor.
const InvalidFD = -1

// Role tags the socket by the kind of operations performed on it.
type Role int

const (
	RoleUnknown Role = iota
	RoleClient       // recv / send / connect
	RoleServer       // bind / listen / accept
)

// String returns the role tag name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Socket is an opaque OS socket plus remote host, remote port and role.
// Its methods take no locks. The client calls Recv and Send under separate
// per-direction mutexes, so the two may run concurrently on one handle.
type Socket struct {
	fd   int
	host string
	port uint32
	role Role
}

// New returns a socket with no descriptor; one is created lazily by the
// first operation that needs it.
func New() *Socket {
	return &Socket{fd: InvalidFD}
}

// FromFD builds a socket from an existing descriptor, as produced by Accept.
func FromFD(fd int, host string, port uint32, role Role) *Socket {
	return &Socket{fd: fd, host: host, port: port, role: role}
}

// FD returns the underlying descriptor, or InvalidFD.
func (s *Socket) FD() int { return s.fd }

// Host returns the remote host string.
func (s *Socket) Host() string { return s.host }

// Port returns the remote port.
func (s *Socket) Port() uint32 { return s.port }

// Role returns the current role tag.
func (s *Socket) Role() Role { return s.role }

// IsIPv6 reports whether the host string looks like an IPv6 address.
// A host containing ':' is treated as IPv6 and passed verbatim to the
// address parser; anything else is IPv4 and resolved via DNS.
func (s *Socket) IsIPv6() bool {
	return strings.Contains(s.host, ":")
}

// Equal reports whether both handles refer to the same descriptor and role.
func (s *Socket) Equal(other *Socket) bool {
	return other != nil && s.fd == other.fd && s.role == other.role
}

// checkOrSetRole verifies the socket role is compatible with the requested
// operation kind, claiming the role if still unknown.
func (s *Socket) checkOrSetRole(role Role) error {
	if s.role != RoleUnknown && s.role != role {
		return api.NewError(api.CodeInvalidOperation, "socket",
			errors.New("operation incompatible with socket role "+s.role.String()))
	}
	s.role = role
	return nil
}
