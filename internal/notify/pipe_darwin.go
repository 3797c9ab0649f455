//go:build darwin

// File: internal/notify/pipe_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package notify

import "golang.org/x/sys/unix"

// newPipe creates a pipe pair and flips both ends to non-blocking; Darwin
// has no pipe2(2).
func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}
